package app

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/wschat/internal/core"
	"github.com/dkeye/wschat/internal/domain"
)

const maxJoinAttempts = 3

var ErrShuttingDown = errors.New("registry shutting down")

type RegistryOptions struct {
	Room core.RoomOptions
	// NewLimiter builds the limiter of each new room. Nil disables limiting.
	NewLimiter func() core.Limiter
}

// Registry maps room names to live rooms. Rooms are created on first join
// and evicted when their loop ends.
type Registry struct {
	ctx   context.Context
	store core.Store
	opts  RegistryOptions

	mu    sync.RWMutex
	rooms map[domain.RoomName]*core.Room

	creating singleflight.Group
	loops    conc.WaitGroup
}

// NewRegistry returns a registry whose room loops live until ctx is done.
func NewRegistry(ctx context.Context, store core.Store, opts RegistryOptions) *Registry {
	return &Registry{
		ctx:   ctx,
		store: store,
		opts:  opts,
		rooms: make(map[domain.RoomName]*core.Room),
	}
}

func (r *Registry) lookup(name domain.RoomName) (*core.Room, bool) {
	r.mu.RLock()
	room, ok := r.rooms[name]
	r.mu.RUnlock()
	if !ok || room.Closed() {
		return nil, false
	}
	return room, true
}

// getOrCreate returns the active room called name, constructing it when there
// is none. Concurrent first callers share a single construction. A new room
// only checks for emptiness after a join wakes it, so callers must follow up
// with AddConnection; Join is the only caller.
func (r *Registry) getOrCreate(name domain.RoomName) (*core.Room, error) {
	if room, ok := r.lookup(name); ok {
		return room, nil
	}
	if r.ctx.Err() != nil {
		return nil, ErrShuttingDown
	}

	v, err, _ := r.creating.Do(string(name), func() (any, error) {
		if room, ok := r.lookup(name); ok {
			return room, nil
		}

		opts := r.opts.Room
		if r.opts.NewLimiter != nil {
			opts.Limiter = r.opts.NewLimiter()
		}
		room, err := core.NewRoom(r.ctx, name, r.store, opts)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.rooms[name] = room
		r.mu.Unlock()

		r.loops.Go(func() {
			room.Run(r.ctx)
			r.EvictIfClosed(name, room)
		})
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.Room), nil
}

// Join hands conn to the room called name. A room that terminated between
// lookup and admission is evicted and the join retried on a fresh one.
func (r *Registry) Join(ctx context.Context, name domain.RoomName, conn core.MemberConnection) error {
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		room, err := r.getOrCreate(name)
		if err != nil {
			return err
		}
		err = room.AddConnection(conn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, core.ErrRoomClosed) {
			return err
		}
		log.Debug().Str("module", "app.registry").Str("room", string(name)).Int("attempt", attempt).Msg("room closed during join, retrying")
		r.EvictIfClosed(name, room)
	}
	return core.ErrRoomClosed
}

// EvictIfClosed drops the mapping if it still points at room and room is
// terminal. Redundant calls are no-ops.
func (r *Registry) EvictIfClosed(name domain.RoomName, room *core.Room) {
	if !room.Closed() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rooms[name]; ok && cur == room {
		delete(r.rooms, name)
		log.Info().Str("module", "app.registry").Str("room", string(name)).Msg("room evicted")
	}
}

// Room returns the active room called name.
func (r *Registry) Room(name domain.RoomName) (*core.Room, bool) {
	return r.lookup(name)
}

// List returns the active rooms sorted by name.
func (r *Registry) List() []domain.RoomInfo {
	r.mu.RLock()
	out := make([]domain.RoomInfo, 0, len(r.rooms))
	for name, room := range r.rooms {
		if room.Closed() {
			continue
		}
		out = append(out, domain.RoomInfo{Name: name, Members: room.MemberCount()})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Wait blocks until every room loop has returned.
func (r *Registry) Wait() {
	r.loops.Wait()
}
