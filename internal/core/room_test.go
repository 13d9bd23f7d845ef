package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/wschat/internal/core/mocks"
	"github.com/dkeye/wschat/internal/domain"
	"github.com/dkeye/wschat/internal/storage/memory"
	"github.com/dkeye/wschat/internal/wsproto"
)

const waitFor = 2 * time.Second

type fakeConn struct {
	id domain.ClientID
	in chan string

	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool

	done chan struct{}
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{
		id:   domain.ClientID(id),
		in:   make(chan string, 16),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) ID() domain.ClientID { return c.id }

func (c *fakeConn) ReadText() (string, error) {
	select {
	case s, ok := <-c.in:
		if !ok {
			return "", wsproto.ErrClosed
		}
		return s, nil
	case <-c.done:
		return "", ErrConnClosed
	}
}

func (c *fakeConn) TrySend(frames [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.full {
		return ErrBackpressure
	}
	c.frames = append(c.frames, frames...)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

// received decodes every frame queued to the connection.
func (c *fakeConn) received(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		fr, err := wsproto.Reader{}.Decode(bytes.NewReader(f))
		require.NoError(t, err)
		out = append(out, string(fr.Payload))
	}
	return out
}

func payload(user, text string) string {
	return string(FormatRecord(domain.Record{User: user, Text: text}))
}

func startRoom(t *testing.T, store Store, opts RoomOptions) (*Room, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	room, err := NewRoom(ctx, "lobby", store, opts)
	require.NoError(t, err)
	go room.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-room.Done()
	})
	return room, cancel
}

func join(t *testing.T, room *Room, c *fakeConn, members int) {
	t.Helper()
	require.NoError(t, room.AddConnection(c))
	require.Eventually(t, func() bool { return room.MemberCount() == members }, waitFor, time.Millisecond)
}

func TestRoomBroadcastIncludesSender(t *testing.T) {
	store := memory.NewStore()
	room, _ := startRoom(t, store, RoomOptions{})
	a, b := newFakeConn("a"), newFakeConn("b")
	join(t, room, a, 1)
	join(t, room, b, 2)

	a.in <- "alice hello there"

	exp := []string{payload("alice", "hello there")}
	require.Eventually(t, func() bool { return len(a.received(t)) == 1 && len(b.received(t)) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, exp, a.received(t))
	assert.Equal(t, exp, b.received(t))

	records, err := store.LoadHistory(context.Background(), "lobby")
	require.NoError(t, err)
	assert.Equal(t, []domain.Record{{User: "alice", Text: "hello there"}}, records)
}

func TestRoomOrdering(t *testing.T) {
	room, _ := startRoom(t, memory.NewStore(), RoomOptions{})
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	join(t, room, a, 1)
	join(t, room, b, 2)
	join(t, room, c, 3)

	const n = 20
	var wg sync.WaitGroup
	for _, src := range []*fakeConn{a, b} {
		wg.Add(1)
		go func(src *fakeConn) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				src.in <- fmt.Sprintf("%s m%d", src.id, i)
			}
		}(src)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(c.received(t)) == 2*n }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return len(a.received(t)) == 2*n && len(b.received(t)) == 2*n }, waitFor, time.Millisecond)

	seq := c.received(t)
	assert.Equal(t, seq, a.received(t))
	assert.Equal(t, seq, b.received(t))

	// Per-sender order survives interleaving.
	var fromA []string
	for _, p := range seq {
		if bytes.Contains([]byte(p), []byte(`"user" : "a"`)) {
			fromA = append(fromA, p)
		}
	}
	require.Len(t, fromA, n)
	for i, p := range fromA {
		assert.Equal(t, payload("a", fmt.Sprintf("m%d", i)), p)
	}
}

func TestRoomHistoryReplay(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.AppendMessage(ctx, "lobby", "alice", "m1"))
	require.NoError(t, store.AppendMessage(ctx, "other", "mallory", "elsewhere"))
	require.NoError(t, store.AppendMessage(ctx, "lobby", "bob", "m2"))

	room, _ := startRoom(t, store, RoomOptions{})
	a := newFakeConn("a")
	join(t, room, a, 1)

	require.Eventually(t, func() bool { return len(a.received(t)) == 2 }, waitFor, time.Millisecond)

	a.in <- "alice m3"
	late := newFakeConn("late")
	join(t, room, late, 2)
	a.in <- "alice m4"

	exp := []string{payload("alice", "m1"), payload("bob", "m2"), payload("alice", "m3"), payload("alice", "m4")}
	require.Eventually(t, func() bool { return len(late.received(t)) == 4 }, waitFor, time.Millisecond)
	assert.Equal(t, exp, late.received(t))
	require.Eventually(t, func() bool { return len(a.received(t)) == 4 }, waitFor, time.Millisecond)
	assert.Equal(t, exp, a.received(t))
}

func TestRoomLifecycle(t *testing.T) {
	room, _ := startRoom(t, memory.NewStore(), RoomOptions{})
	a := newFakeConn("a")
	join(t, room, a, 1)
	assert.False(t, room.Closed())

	close(a.in)

	select {
	case <-room.Done():
	case <-time.After(waitFor):
		t.Fatal("room did not close after last member left")
	}
	assert.True(t, room.Closed())
	assert.True(t, a.isClosed())
	assert.Zero(t, room.MemberCount())
	assert.ErrorIs(t, room.AddConnection(newFakeConn("b")), ErrRoomClosed)
}

func TestRoomStaysOpenWhileMembersRemain(t *testing.T) {
	room, _ := startRoom(t, memory.NewStore(), RoomOptions{})
	a, b := newFakeConn("a"), newFakeConn("b")
	join(t, room, a, 1)
	join(t, room, b, 2)

	close(a.in)
	require.Eventually(t, func() bool { return room.MemberCount() == 1 }, waitFor, time.Millisecond)
	assert.False(t, room.Closed())

	b.in <- "bob still here"
	require.Eventually(t, func() bool { return len(b.received(t)) == 1 }, waitFor, time.Millisecond)
}

func TestRoomPersistFailureStillBroadcasts(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().LoadHistory(gomock.Any(), domain.RoomName("lobby")).Return(nil, nil)
	store.EXPECT().AppendMessage(gomock.Any(), domain.RoomName("lobby"), "alice", "hi").
		Return(errors.New("disk full"))

	room, _ := startRoom(t, store, RoomOptions{})
	a := newFakeConn("a")
	join(t, room, a, 1)

	a.in <- "alice hi"
	require.Eventually(t, func() bool { return len(a.received(t)) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{payload("alice", "hi")}, a.received(t))
}

func TestRoomDropsMalformedLines(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().LoadHistory(gomock.Any(), gomock.Any()).Return(nil, nil)
	store.EXPECT().AppendMessage(gomock.Any(), gomock.Any(), "bob", "valid").Return(nil)

	room, _ := startRoom(t, store, RoomOptions{})
	a := newFakeConn("a")
	join(t, room, a, 1)

	a.in <- "alice"
	a.in <- ""
	a.in <- "bob valid"
	require.Eventually(t, func() bool { return len(a.received(t)) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{payload("bob", "valid")}, a.received(t))
}

func TestRoomLoadHistoryError(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().LoadHistory(gomock.Any(), domain.RoomName("lobby")).Return(nil, errors.New("db down"))

	_, err := NewRoom(context.Background(), "lobby", store, RoomOptions{})
	assert.ErrorContains(t, err, "db down")
}

type fixedPolicy BackpressureAction

func (p fixedPolicy) OnBackPressure(domain.RoomName, domain.ClientID, bool) BackpressureAction {
	return BackpressureAction(p)
}

func TestRoomBackpressure(t *testing.T) {
	t.Run("kick", func(t *testing.T) {
		room, _ := startRoom(t, memory.NewStore(), RoomOptions{})
		a, slow := newFakeConn("a"), newFakeConn("slow")
		join(t, room, a, 1)
		join(t, room, slow, 2)
		slow.setFull(true)

		a.in <- "alice hi"
		require.Eventually(t, slow.isClosed, waitFor, time.Millisecond)
		require.Eventually(t, func() bool { return room.MemberCount() == 1 }, waitFor, time.Millisecond)
		require.Eventually(t, func() bool { return len(a.received(t)) == 1 }, waitFor, time.Millisecond)
	})

	t.Run("drop", func(t *testing.T) {
		room, _ := startRoom(t, memory.NewStore(), RoomOptions{Policy: fixedPolicy(DropFrame)})
		a, slow := newFakeConn("a"), newFakeConn("slow")
		join(t, room, a, 1)
		join(t, room, slow, 2)
		slow.setFull(true)

		a.in <- "alice one"
		require.Eventually(t, func() bool { return len(a.received(t)) == 1 }, waitFor, time.Millisecond)
		slow.setFull(false)
		a.in <- "alice two"
		require.Eventually(t, func() bool { return len(slow.received(t)) == 1 }, waitFor, time.Millisecond)

		assert.False(t, slow.isClosed())
		assert.Equal(t, []string{payload("alice", "two")}, slow.received(t))
	})
}

type countLimiter struct {
	mu      sync.Mutex
	max     int
	seen    map[domain.ClientID]int
	forgets int
}

func (l *countLimiter) Allow(id domain.ClientID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[id]++
	return l.seen[id] <= l.max
}

func (l *countLimiter) Forget(id domain.ClientID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, id)
	l.forgets++
}

func TestRoomLimiter(t *testing.T) {
	lim := &countLimiter{max: 1, seen: map[domain.ClientID]int{}}
	room, _ := startRoom(t, memory.NewStore(), RoomOptions{Limiter: lim})
	a := newFakeConn("a")
	join(t, room, a, 1)

	a.in <- "alice one"
	a.in <- "alice two"
	a.in <- "alice three"
	close(a.in)

	<-room.Done()
	assert.Equal(t, []string{payload("alice", "one")}, a.received(t))
	lim.mu.Lock()
	assert.Equal(t, 1, lim.forgets)
	lim.mu.Unlock()
}

func TestRoomShutdown(t *testing.T) {
	room, cancel := startRoom(t, memory.NewStore(), RoomOptions{})
	a, b := newFakeConn("a"), newFakeConn("b")
	join(t, room, a, 1)
	join(t, room, b, 2)

	cancel()
	select {
	case <-room.Done():
	case <-time.After(waitFor):
		t.Fatal("room ignored cancellation")
	}
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.True(t, room.Closed())
}
