package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/wschat/internal/domain"
)

func main() {
	var (
		serverURL = pflag.String("server", "ws://localhost:8080/", "websocket server URL")
		room      = pflag.String("room", "lobby", "room to join")
		name      = pflag.String("name", "", "display name (required, no spaces)")
		timeout   = pflag.Duration("timeout", 10*time.Second, "connection timeout")
	)
	pflag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if strings.TrimSpace(*name) == "" || strings.ContainsAny(*name, " \t") {
		fmt.Fprintln(os.Stderr, "--name is required and must be a single word")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := websocket.Dialer{HandshakeTimeout: *timeout}
	conn, _, err := d.DialContext(ctx, *serverURL, nil)
	if err != nil {
		log.Error().Err(err).Str("url", *serverURL).Msg("dial failed")
		os.Exit(1)
	}
	defer conn.Close()

	client := newWSClient(conn, *room, *name, os.Stdout)
	if err := client.join(); err != nil {
		log.Error().Err(err).Msg("join failed")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go client.readLoop(ctx, cancel)
	go client.inputLoop(ctx, cancel, os.Stdin)

	<-ctx.Done()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	log.Info().Msg("shutting down client")
}

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
}

type wsClient struct {
	conn wsConn
	room string
	name string
	out  io.Writer
}

func newWSClient(conn wsConn, room, name string, out io.Writer) *wsClient {
	return &wsClient{conn: conn, room: room, name: name, out: out}
}

func (c *wsClient) join() error {
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("join "+c.room)); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	log.Info().Str("room", c.room).Str("name", c.name).Msg("sent join")
	return nil
}

func (c *wsClient) send(line string) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(c.name+" "+line)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *wsClient) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for ctx.Err() == nil {
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Info().Err(err).Msg("server closed connection")
			} else {
				log.Error().Err(err).Msg("read error")
			}
			return
		}
		c.print(p)
	}
}

func (c *wsClient) print(p []byte) {
	var rec domain.Record
	if err := json.Unmarshal(p, &rec); err != nil {
		fmt.Fprintf(c.out, "[raw] %s\n", p)
		return
	}
	fmt.Fprintf(c.out, "[%s] %s\n", rec.User, rec.Text)
}

func (c *wsClient) inputLoop(ctx context.Context, cancel context.CancelFunc, in io.Reader) {
	defer cancel()
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(c.out, "Type messages and press Enter to send. Ctrl+C to exit.")
	for ctx.Err() == nil {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				log.Error().Err(err).Msg("input error")
			}
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := c.send(line); err != nil {
			log.Error().Err(err).Msg("send error")
			return
		}
	}
}
