// Package ingress turns upgrade requests into room members.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/wschat/internal/adapters"
	"github.com/dkeye/wschat/internal/core"
	"github.com/dkeye/wschat/internal/domain"
	"github.com/dkeye/wschat/internal/wsproto"
)

const joinVerb = "join"

var ErrNotJoin = errors.New("first frame is not a join command")

// Joiner admits a connection to a named room.
type Joiner interface {
	Join(ctx context.Context, name domain.RoomName, conn core.MemberConnection) error
}

type Options struct {
	Conn adapters.ConnOptions
	// JoinTimeout bounds the wait for the join frame. Zero waits forever.
	JoinTimeout time.Duration
}

type Coordinator struct {
	rooms Joiner
	opts  Options
}

func NewCoordinator(rooms Joiner, opts Options) *Coordinator {
	log.Info().Str("module", "adapters.ingress").Object("opts", &opts).Msg("coordinator ready")
	return &Coordinator{rooms: rooms, opts: opts}
}

// Middleware takes over websocket upgrade attempts and lets every other
// request through.
func (co *Coordinator) Middleware(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !wsproto.IsUpgradeRequest(c.Request.Header) {
			c.Next()
			return
		}
		c.Abort()
		co.Serve(ctx, c)
	}
}

// Serve runs the handshake, reads the join command and hands the connection
// to its room. It returns once the connection is owned by a room or closed.
func (co *Coordinator) Serve(ctx context.Context, c *gin.Context) {
	logger := log.With().Str("module", "adapters.ingress").Str("remote", c.Request.RemoteAddr).Logger()

	accept, err := wsproto.CheckRequest(c.Request)
	if err != nil {
		status := http.StatusBadRequest
		var he *wsproto.HandshakeError
		if errors.As(err, &he) {
			status = he.Status
		}
		logger.Warn().Err(err).Msg("handshake rejected")
		c.Header("Connection", "close")
		c.String(status, "%d: %s", status, http.StatusText(status))
		return
	}

	raw, brw, err := c.Writer.Hijack()
	if err != nil {
		logger.Error().Err(err).Msg("hijack")
		return
	}
	_ = raw.SetDeadline(time.Time{})

	if err := wsproto.WriteUpgrade(raw, accept); err != nil {
		logger.Warn().Err(err).Msg("write upgrade response")
		_ = raw.Close()
		return
	}

	conn := adapters.NewWSConnection(domain.NewClientID(), raw, brw.Reader, co.opts.Conn)
	conn.StartWriteLoop()
	logger = logger.With().Str("cid", string(conn.ID())).Logger()

	if co.opts.JoinTimeout > 0 {
		_ = raw.SetReadDeadline(time.Now().Add(co.opts.JoinTimeout))
	}
	name, err := co.readJoin(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("join rejected")
		conn.Close()
		return
	}
	if co.opts.JoinTimeout > 0 {
		_ = raw.SetReadDeadline(time.Time{})
	}

	if err := co.rooms.Join(ctx, name, conn); err != nil {
		logger.Error().Err(err).Str("room", string(name)).Msg("join failed")
		conn.Close()
		return
	}
	logger.Info().Str("room", string(name)).Str("ct", c.GetString("client_token")).Msg("connection handed to room")
}

func (co *Coordinator) readJoin(conn *adapters.WSConnection) (domain.RoomName, error) {
	payload, err := conn.ReadCommand()
	if err != nil {
		return "", err
	}
	return ParseJoin(payload)
}

// ParseJoin parses "join <room>". Fields are separated by whitespace; anything
// after the room name is ignored.
func ParseJoin(payload string) (domain.RoomName, error) {
	fields := strings.Fields(payload)
	if len(fields) < 2 || fields[0] != joinVerb {
		log.Debug().Str("module", "adapters.ingress").Str("payload", truncate(payload, 64)).Msg("not a join command")
		return "", ErrNotJoin
	}
	name, err := domain.NewRoomName(fields[1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotJoin, err)
	}
	return name, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (o *Options) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("read_limit", o.Conn.ReadLimit).
		Dur("write_timeout", o.Conn.WriteTimeout).
		Int("send_queue", o.Conn.SendQueue).
		Dur("join_timeout", o.JoinTimeout)
}
