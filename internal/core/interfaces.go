package core

import (
	"context"
	"errors"

	"github.com/dkeye/wschat/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// MemberConnection is a websocket endpoint as a room sees it.
// The adapter owns transport resources and releases them in Close.
type MemberConnection interface {
	ID() domain.ClientID
	// ReadText blocks until the next text payload. A peer close is
	// reported as wsproto.ErrClosed.
	ReadText() (string, error)
	// TrySend queues frames for writing in order without blocking.
	TrySend(frames [][]byte) error
	Close()
}

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/dkeye/wschat/internal/core Store

// Store is the durable chat log. Implementations serialize their own writes;
// rooms call it concurrently.
type Store interface {
	AppendMessage(ctx context.Context, room domain.RoomName, user, text string) error
	LoadHistory(ctx context.Context, room domain.RoomName) ([]domain.Record, error)
}

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case NoAction:
		return "none"
	case MarkSlow:
		return "mark_slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	default:
		return "unknown"
	}
}

// Policy decides what happens to a member whose send queue is full.
// slow reports whether the member was already marked slow.
type Policy interface {
	OnBackPressure(room domain.RoomName, id domain.ClientID, slow bool) BackpressureAction
}

// Limiter throttles chat lines per connection.
type Limiter interface {
	Allow(id domain.ClientID) bool
	Forget(id domain.ClientID)
}

type kickAll struct{}

func (kickAll) OnBackPressure(domain.RoomName, domain.ClientID, bool) BackpressureAction {
	return KickMember
}
