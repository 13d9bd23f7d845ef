package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/wschat/internal/domain"
)

func TestHistoryPerRoom(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.AppendMessage(ctx, "lobby", "alice", "hi"))
	require.NoError(t, s.AppendMessage(ctx, "lobby", "bob", "hey"))
	require.NoError(t, s.AppendMessage(ctx, "games", "carol", "gg"))

	got, err := s.LoadHistory(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []domain.Record{{User: "alice", Text: "hi"}, {User: "bob", Text: "hey"}}, got)

	got, err = s.LoadHistory(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadHistoryReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.AppendMessage(ctx, "lobby", "alice", "hi"))

	got, err := s.LoadHistory(ctx, "lobby")
	require.NoError(t, err)
	got[0].Text = "changed"

	again, err := s.LoadHistory(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, "hi", again[0].Text)
}
