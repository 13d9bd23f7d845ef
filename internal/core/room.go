package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/wschat/internal/domain"
	"github.com/dkeye/wschat/internal/wsproto"
)

var ErrRoomClosed = errors.New("room closed")

type RoomOptions struct {
	// Policy handles members whose send queue is full. Defaults to kicking.
	Policy Policy
	// Limiter throttles chat lines per connection. Nil disables throttling.
	Limiter Limiter
	// Inbound is the capacity of the queue readers feed the loop through.
	Inbound int
}

type member struct {
	conn MemberConnection
	// owned by the loop
	active bool
	slow   bool
}

type event struct {
	m    *member
	text string
	err  error
}

// Room is a named broadcast domain. All membership and history mutation
// happens on the goroutine running Run; AddConnection is the only entry
// point safe for other goroutines.
type Room struct {
	name  domain.RoomName
	store Store
	opts  RoomOptions

	members []*member
	history []*ChatMessage
	frames  [][]byte

	mu      sync.Mutex
	pending []MemberConnection
	closed  bool

	wake    chan struct{}
	inbound chan event
	done    chan struct{}
	count   atomic.Int32
}

// NewRoom builds a room and replays its persisted history.
func NewRoom(ctx context.Context, name domain.RoomName, store Store, opts RoomOptions) (*Room, error) {
	if opts.Policy == nil {
		opts.Policy = kickAll{}
	}
	if opts.Inbound <= 0 {
		opts.Inbound = 64
	}

	records, err := store.LoadHistory(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load history of %q: %w", name, err)
	}

	r := &Room{
		name:    name,
		store:   store,
		opts:    opts,
		history: make([]*ChatMessage, 0, len(records)),
		frames:  make([][]byte, 0, len(records)),
		wake:    make(chan struct{}, 1),
		inbound: make(chan event, opts.Inbound),
		done:    make(chan struct{}),
	}
	for _, rec := range records {
		r.appendHistory(NewChatMessage(rec))
	}
	log.Info().Str("module", "core.room").Str("room", string(name)).Int("history", len(records)).Msg("room created")
	return r, nil
}

func (r *Room) Name() domain.RoomName { return r.name }

func (r *Room) MemberCount() int { return int(r.count.Load()) }

// Done is closed when Run returns.
func (r *Room) Done() <-chan struct{} { return r.done }

// Closed reports whether the room stopped admitting connections.
func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// AddConnection queues c for admission at the next loop boundary. It fails
// with ErrRoomClosed once the room has terminated; ownership of c stays with
// the caller in that case.
func (r *Room) AddConnection(c MemberConnection) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	r.pending = append(r.pending, c)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run is the room event loop. It returns once the last member left and no
// join is pending, or when ctx is cancelled.
func (r *Room) Run(ctx context.Context) {
	defer close(r.done)

	logger := log.With().Str("module", "core.room").Str("room", string(r.name)).Logger()
	logger.Debug().Msg("loop started")

	for {
		select {
		case ev := <-r.inbound:
			r.handle(ctx, ev)
			// Service what was already ready before touching joins.
			for n := len(r.inbound); n > 0; n-- {
				r.handle(ctx, <-r.inbound)
			}
		case <-r.wake:
		case <-ctx.Done():
			r.shutdown()
			logger.Info().Msg("room stopped")
			return
		}

		r.admit()

		if r.tryClose() {
			logger.Info().Int("history", len(r.history)).Msg("room closed")
			return
		}
	}
}

func (r *Room) handle(ctx context.Context, ev event) {
	m := ev.m
	if !m.active {
		return
	}
	if ev.err != nil {
		lvl := zerolog.InfoLevel
		if !errors.Is(ev.err, wsproto.ErrClosed) && !errors.Is(ev.err, io.EOF) {
			lvl = zerolog.WarnLevel
		}
		log.WithLevel(lvl).Err(ev.err).Str("module", "core.room").Str("room", string(r.name)).Str("cid", string(m.conn.ID())).Msg("member left")
		r.remove(m)
		return
	}

	if r.opts.Limiter != nil && !r.opts.Limiter.Allow(m.conn.ID()) {
		log.Warn().Str("module", "core.room").Str("room", string(r.name)).Str("cid", string(m.conn.ID())).Msg("rate limited")
		return
	}

	rec, err := domain.ParseRecord(ev.text)
	if err != nil {
		log.Debug().Err(err).Str("module", "core.room").Str("room", string(r.name)).Str("cid", string(m.conn.ID())).Msg("chat line dropped")
		return
	}

	msg := NewChatMessage(rec)
	r.appendHistory(msg)
	if err := r.store.AppendMessage(ctx, r.name, rec.User, rec.Text); err != nil {
		log.Warn().Err(err).Str("module", "core.room").Str("room", string(r.name)).Msg("persist failed")
	}
	r.broadcast(msg)
}

func (r *Room) appendHistory(msg *ChatMessage) {
	r.history = append(r.history, msg)
	r.frames = append(r.frames, msg.Frame)
}

func (r *Room) broadcast(msg *ChatMessage) {
	batch := [][]byte{msg.Frame}
	var gone []*member
	for _, m := range r.members {
		err := m.conn.TrySend(batch)
		switch {
		case err == nil:
			m.slow = false
		case errors.Is(err, ErrBackpressure):
			if r.backpressure(m) {
				gone = append(gone, m)
			}
		default:
			gone = append(gone, m)
		}
	}
	for _, m := range gone {
		r.remove(m)
	}
}

// backpressure reports whether m must be removed.
func (r *Room) backpressure(m *member) bool {
	action := r.opts.Policy.OnBackPressure(r.name, m.conn.ID(), m.slow)
	log.Warn().Str("module", "core.room").Str("room", string(r.name)).Str("cid", string(m.conn.ID())).
		Stringer("action", action).Msg("backpressure")
	switch action {
	case KickMember:
		return true
	case MarkSlow:
		m.slow = true
	}
	return false
}

func (r *Room) admit() {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, c := range pending {
		if n := len(r.frames); n > 0 {
			// Capped so later appends never touch what the writer reads.
			if err := c.TrySend(r.frames[:n:n]); err != nil {
				log.Warn().Err(err).Str("module", "core.room").Str("room", string(r.name)).Str("cid", string(c.ID())).Msg("history replay failed")
				c.Close()
				continue
			}
		}
		m := &member{conn: c, active: true}
		r.members = append(r.members, m)
		r.count.Add(1)
		go r.readPump(m)
		log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("cid", string(c.ID())).
			Int("replayed", len(r.frames)).Msg("member added")
	}
}

func (r *Room) remove(m *member) {
	if !m.active {
		return
	}
	m.active = false
	for i, other := range r.members {
		if other == m {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	r.count.Add(-1)
	if r.opts.Limiter != nil {
		r.opts.Limiter.Forget(m.conn.ID())
	}
	m.conn.Close()
}

func (r *Room) tryClose() bool {
	if len(r.members) > 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) > 0 {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) shutdown() {
	r.mu.Lock()
	r.closed = true
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, m := range append([]*member(nil), r.members...) {
		r.remove(m)
	}
	for _, c := range pending {
		c.Close()
	}
}

// readPump feeds one member's frames into the loop.
func (r *Room) readPump(m *member) {
	for {
		text, err := m.conn.ReadText()
		select {
		case r.inbound <- event{m: m, text: text, err: err}:
		case <-r.done:
			return
		}
		if err != nil {
			return
		}
	}
}
