// Package memory keeps chat history in process memory. It backs tests and
// servers started without a database path.
package memory

import (
	"context"
	"sync"

	"github.com/dkeye/wschat/internal/domain"
)

type Store struct {
	mu    sync.RWMutex
	rooms map[domain.RoomName][]domain.Record
}

func NewStore() *Store {
	return &Store{rooms: make(map[domain.RoomName][]domain.Record)}
}

func (s *Store) AppendMessage(_ context.Context, room domain.RoomName, user, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room] = append(s.rooms[room], domain.Record{User: user, Text: text})
	return nil
}

func (s *Store) LoadHistory(_ context.Context, room domain.RoomName) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Record(nil), s.rooms[room]...), nil
}
