package adapters

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/gobwas/pool/pbufio"
	"github.com/gobwas/pool/pbytes"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/wschat/internal/core"
	"github.com/dkeye/wschat/internal/domain"
	"github.com/dkeye/wschat/internal/wsproto"
)

const (
	writeBufferSize = 4096
	closeTimeout    = time.Second
)

type ConnOptions struct {
	// ReadLimit bounds a single frame payload. Zero or less means
	// wsproto.MaxPayloadSize.
	ReadLimit int64
	// WriteTimeout bounds one queued batch write.
	WriteTimeout time.Duration
	// SendQueue is the number of batches that may wait for the writer.
	SendQueue int
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	return o
}

// WSConnection is a hijacked websocket stream.
// It implements core.MemberConnection.
type WSConnection struct {
	id   domain.ClientID
	raw  net.Conn
	br   *bufio.Reader
	opts ConnOptions

	reader wsproto.Reader

	send chan [][]byte
	done chan struct{}

	mu      sync.RWMutex
	closed  bool
	writing bool
}

// NewWSConnection wraps raw after the handshake response was written. br may
// already hold bytes the client sent right after its request; nil reads raw
// directly.
func NewWSConnection(id domain.ClientID, raw net.Conn, br *bufio.Reader, opts ConnOptions) *WSConnection {
	if br == nil {
		br = bufio.NewReader(raw)
	}
	opts = opts.withDefaults()
	c := &WSConnection{
		id:   id,
		raw:  raw,
		br:   br,
		opts: opts,
		send: make(chan [][]byte, opts.SendQueue),
		done: make(chan struct{}),
	}
	c.reader = wsproto.Reader{Limit: opts.ReadLimit, Masked: true, Alloc: pbytes.GetLen}
	return c
}

func (c *WSConnection) ID() domain.ClientID { return c.id }

func (c *WSConnection) TrySend(frames [][]byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- frames:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// ReadCommand reads exactly one frame and requires it to be text.
func (c *WSConnection) ReadCommand() (string, error) {
	h, payload, err := c.readFrame()
	if err != nil {
		return "", err
	}
	if h.OpCode != wsproto.OpText {
		return "", &wsproto.FrameError{Err: wsproto.ErrNotText, OpCode: h.OpCode}
	}
	return payload, nil
}

// ReadText skips frames other than text until a text payload arrives.
func (c *WSConnection) ReadText() (string, error) {
	for {
		h, payload, err := c.readFrame()
		if err != nil {
			return "", err
		}
		if h.OpCode == wsproto.OpText {
			return payload, nil
		}
		log.Debug().Str("module", "adapters.ws").Str("cid", string(c.id)).
			Stringer("opcode", h.OpCode).Msg("frame ignored")
	}
}

func (c *WSConnection) readFrame() (wsproto.Header, string, error) {
	f, err := c.reader.Decode(c.br)
	if f.Payload != nil {
		defer pbytes.Put(f.Payload)
	}
	if err != nil {
		return f.Header, "", err
	}
	return f.Header, string(f.Payload), nil
}

// StartWriteLoop pumps queued frames to the network.
// Adapter owns transport resources and closes them on exit.
func (c *WSConnection) StartWriteLoop() {
	c.mu.Lock()
	if c.closed || c.writing {
		c.mu.Unlock()
		return
	}
	c.writing = true
	c.mu.Unlock()

	go c.writeLoop()
}

func (c *WSConnection) writeLoop() {
	bw := pbufio.GetWriter(c.raw, writeBufferSize)
	defer pbufio.PutWriter(bw)
	defer c.release()

	for {
		select {
		case <-c.done:
			return
		case frames := <-c.send:
			if err := c.writeBatch(bw, frames); err != nil {
				log.Warn().Err(err).Str("module", "adapters.ws").Str("cid", string(c.id)).Msg("write failed")
				c.markClosed()
				return
			}
		}
	}
}

func (c *WSConnection) writeBatch(bw *bufio.Writer, frames [][]byte) error {
	if err := c.raw.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	for _, f := range frames {
		if _, err := bw.Write(f); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Close is idempotent. The close frame is sent best-effort.
func (c *WSConnection) Close() {
	if !c.markClosed() {
		return
	}
	c.mu.RLock()
	writing := c.writing
	c.mu.RUnlock()
	if !writing {
		c.release()
	}
}

func (c *WSConnection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.done)
	return true
}

func (c *WSConnection) release() {
	_ = c.raw.SetWriteDeadline(time.Now().Add(closeTimeout))
	_, _ = c.raw.Write(wsproto.CloseFrame)
	_ = c.raw.Close()
}
