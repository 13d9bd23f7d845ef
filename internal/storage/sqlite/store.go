// Package sqlite persists chat history in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/dkeye/wschat/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	room       TEXT NOT NULL,
	user       TEXT NOT NULL,
	msg        TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS chat_history_room ON chat_history (room, id);
`

// Store implements core.Store on a single SQLite connection, which also
// serializes writes coming from different rooms.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Info().Str("module", "storage.sqlite").Str("path", path).Msg("database ready")
	return &Store{db: db}, nil
}

func (s *Store) AppendMessage(ctx context.Context, room domain.RoomName, user, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history (room, user, msg) VALUES (?, ?, ?)`,
		string(room), user, text,
	)
	if err != nil {
		return fmt.Errorf("append message to %q: %w", room, err)
	}
	return nil
}

func (s *Store) LoadHistory(ctx context.Context, room domain.RoomName) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user, msg FROM chat_history WHERE room = ? ORDER BY id`,
		string(room),
	)
	if err != nil {
		return nil, fmt.Errorf("load history of %q: %w", room, err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var rec domain.Record
		if err := rows.Scan(&rec.User, &rec.Text); err != nil {
			return nil, fmt.Errorf("scan history of %q: %w", room, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history of %q: %w", room, err)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
