package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codecollab-server/awareness"
	"codecollab-server/crdt"
	"codecollab-server/domain"
	"codecollab-server/frame"
	"codecollab-server/persistence"
)

type mockConn struct {
	id       string
	received [][]byte
	closed   bool
	mu       sync.Mutex
	sendErr  error
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) frames(t *testing.T, typ frame.Type) []frame.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []frame.Frame
	for _, data := range m.received {
		f, err := frame.Decode(data)
		require.NoError(t, err)
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (m *mockConn) events(t *testing.T, eventType string) []domain.Event {
	var out []domain.Event
	for _, f := range m.frames(t, frame.Event) {
		if f.Event.Type == eventType {
			out = append(out, f.Event)
		}
	}
	return out
}

// blockingStore holds snapshot loads until release is closed.
type blockingStore struct {
	*persistence.MemoryStore
	release chan struct{}
}

func (b *blockingStore) Latest(ctx context.Context, roomID string) (persistence.Snapshot, error) {
	<-b.release
	return b.MemoryStore.Latest(ctx, roomID)
}

// flakyStore fails appends while down is set.
type flakyStore struct {
	*persistence.MemoryStore
	mu   sync.Mutex
	down bool
}

func (f *flakyStore) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyStore) Append(ctx context.Context, s persistence.Snapshot) error {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return errors.New("storage unavailable")
	}
	return f.MemoryStore.Append(ctx, s)
}

func testConfig() Config {
	return Config{
		SnapshotInterval: time.Hour,
		EvictionGrace:    time.Hour,
		AwarenessTimeout: time.Hour,
	}
}

func waitLoaded(t *testing.T, r *Room) {
	t.Helper()
	select {
	case <-r.Loaded():
	case <-time.After(time.Second):
		t.Fatal("room did not load")
	}
}

func join(t *testing.T, h *Hub, conn *mockConn, roomID string) *Room {
	t.Helper()
	r, joined, err := h.Join(conn, roomID, "user-"+conn.id)
	require.NoError(t, err)
	require.True(t, joined)
	waitLoaded(t, r)
	return r
}

func TestHub_Broadcast(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(*testing.T, *Hub) ([]*mockConn, *mockConn)
		wantReceived map[string]int
	}{
		{
			name: "broadcast to room members",
			setup: func(t *testing.T, h *Hub) ([]*mockConn, *mockConn) {
				sender := &mockConn{id: "sender"}
				receiver1 := &mockConn{id: "recv1"}
				receiver2 := &mockConn{id: "recv2"}
				join(t, h, sender, "room1")
				join(t, h, receiver1, "room1")
				join(t, h, receiver2, "room1")
				return []*mockConn{receiver1, receiver2, sender}, sender
			},
			wantReceived: map[string]int{"recv1": 1, "recv2": 1, "sender": 0},
		},
		{
			name: "no cross-room broadcast",
			setup: func(t *testing.T, h *Hub) ([]*mockConn, *mockConn) {
				sender := &mockConn{id: "sender"}
				receiver := &mockConn{id: "recv1"}
				join(t, h, sender, "room1")
				join(t, h, receiver, "room2")
				return []*mockConn{receiver}, sender
			},
			wantReceived: map[string]int{"recv1": 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(nil, testConfig())
			receivers, sender := tt.setup(t, h)

			r, err := h.RoomOf(sender.ID())
			require.NoError(t, err)
			r.Broadcast(sender.ID(), frame.EncodeError("test message"))

			for _, recv := range receivers {
				assert.Len(t, recv.frames(t, frame.Error), tt.wantReceived[recv.ID()], "receiver %s", recv.ID())
			}
		})
	}
}

func TestHub_Stats(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*testing.T, *Hub)
		wantRooms   int
		wantClients int
	}{
		{
			name:        "empty hub",
			setup:       func(*testing.T, *Hub) {},
			wantRooms:   0,
			wantClients: 0,
		},
		{
			name: "one room two clients",
			setup: func(t *testing.T, h *Hub) {
				join(t, h, &mockConn{id: "c1"}, "r1")
				join(t, h, &mockConn{id: "c2"}, "r1")
			},
			wantRooms:   1,
			wantClients: 2,
		},
		{
			name: "empty room stays until evicted",
			setup: func(t *testing.T, h *Hub) {
				join(t, h, &mockConn{id: "c1"}, "r1")
				h.Leave("c1")
			},
			wantRooms:   1,
			wantClients: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(nil, testConfig())
			tt.setup(t, h)

			rooms, clients := h.Stats()
			assert.Equal(t, tt.wantRooms, rooms)
			assert.Equal(t, tt.wantClients, clients)
		})
	}
}

func TestHub_JoinLeaveIdempotent(t *testing.T) {
	h := New(nil, testConfig())
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}

	r := join(t, h, a, "r1")
	join(t, h, b, "r1")
	assert.Len(t, a.events(t, domain.EventUserJoined), 1)

	again, joined, err := h.Join(a, "r1", "user-a")
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Same(t, r, again)
	assert.Equal(t, 2, r.Len())

	assert.True(t, h.Leave("a"))
	assert.False(t, h.Leave("a"))
	assert.Len(t, b.events(t, domain.EventUserLeft), 1)

	_, err = h.RoomOf("a")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, _, err = h.Join(a, "", "user-a")
	assert.Error(t, err)
}

func TestHub_JoinOtherRoomLeavesCurrent(t *testing.T) {
	h := New(nil, testConfig())
	a := &mockConn{id: "a"}

	r1 := join(t, h, a, "r1")
	r2 := join(t, h, a, "r2")

	assert.Equal(t, 0, r1.Len())
	assert.Equal(t, 1, r2.Len())
	got, err := h.RoomOf("a")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.ID())
}

func TestHub_FailedSendDropsClient(t *testing.T) {
	h := New(nil, testConfig())
	sender := &mockConn{id: "sender"}
	broken := &mockConn{id: "broken"}

	r := join(t, h, sender, "r1")
	join(t, h, broken, "r1")
	broken.mu.Lock()
	broken.sendErr = errors.New("buffer full")
	broken.mu.Unlock()

	r.Broadcast(sender.ID(), []byte("x"))

	assert.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)
	_, err := h.RoomOf("broken")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestHub_QueuesUntilSnapshotLoaded(t *testing.T) {
	seed := crdt.NewDocument(1)
	_, err := seed.LocalInsert(0, "hello")
	require.NoError(t, err)

	store := &blockingStore{MemoryStore: persistence.NewMemoryStore(), release: make(chan struct{})}
	require.NoError(t, store.MemoryStore.Append(context.Background(), persistence.Snapshot{
		ID: "s1", RoomID: "r1", State: seed.EncodeFullState(), CreatedAt: time.Now(),
	}))
	h := New(persistence.NewService(store, persistence.Config{Keep: 5}), testConfig())

	r, _, err := h.Join(&mockConn{id: "a"}, "r1", "u")
	require.NoError(t, err)

	// "!" typed after "hello" on the replica the snapshot came from
	edit := crdt.NewDocument(1)
	_, err = edit.ApplyUpdate(seed.EncodeFullState())
	require.NoError(t, err)
	update, err := edit.LocalInsert(5, "!")
	require.NoError(t, err)

	var applied []string
	var mu sync.Mutex
	r.Do(func() {
		assert.NoError(t, r.ApplyUpdate("a", update))
		mu.Lock()
		applied = append(applied, r.Text())
		mu.Unlock()
	})

	mu.Lock()
	assert.Empty(t, applied)
	mu.Unlock()
	assert.Equal(t, "", r.Text())

	close(store.release)
	waitLoaded(t, r)

	mu.Lock()
	assert.Equal(t, []string{"hello!"}, applied)
	mu.Unlock()
	assert.Equal(t, "hello!", r.Text())
}

func TestHub_EvictsAfterGrace(t *testing.T) {
	store := persistence.NewMemoryStore()
	cfg := testConfig()
	cfg.EvictionGrace = 20 * time.Millisecond
	h := New(persistence.NewService(store, persistence.Config{Keep: 5}), cfg)

	r := join(t, h, &mockConn{id: "a"}, "r1")
	require.NoError(t, r.Insert(0, "saved"))
	h.Leave("a")

	assert.Eventually(t, func() bool {
		_, err := h.Room("r1")
		return errors.Is(err, ErrRoomNotFound)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, store.Count("r1"))

	r = join(t, h, &mockConn{id: "b"}, "r1")
	assert.Equal(t, "saved", r.Text())
}

func TestHub_KeepsRoomWhenFinalSaveFails(t *testing.T) {
	store := &flakyStore{MemoryStore: persistence.NewMemoryStore(), down: true}
	cfg := testConfig()
	cfg.EvictionGrace = 20 * time.Millisecond
	cfg.StoreTimeout = 50 * time.Millisecond
	h := New(persistence.NewService(store, persistence.Config{Keep: 5, Retries: 1}), cfg)

	r := join(t, h, &mockConn{id: "a"}, "r1")
	require.NoError(t, r.Insert(0, "precious"))
	h.Leave("a")

	time.Sleep(300 * time.Millisecond)
	kept, err := h.Room("r1")
	require.NoError(t, err, "room with unsaved edits was evicted")
	assert.Same(t, r, kept)
	assert.Equal(t, 0, store.Count("r1"))

	store.setDown(false)
	assert.Eventually(t, func() bool {
		_, err := h.Room("r1")
		return errors.Is(err, ErrRoomNotFound)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, store.Count("r1"))

	r = join(t, h, &mockConn{id: "b"}, "r1")
	assert.Equal(t, "precious", r.Text())
}

func TestHub_RejoinCancelsEviction(t *testing.T) {
	cfg := testConfig()
	cfg.EvictionGrace = 30 * time.Millisecond
	h := New(nil, cfg)

	r := join(t, h, &mockConn{id: "a"}, "r1")
	require.NoError(t, r.Insert(0, "keep"))
	h.Leave("a")

	again, joined, err := h.Join(&mockConn{id: "b"}, "r1", "u")
	require.NoError(t, err)
	require.True(t, joined)
	assert.Same(t, r, again)

	time.Sleep(100 * time.Millisecond)
	got, err := h.Room("r1")
	require.NoError(t, err)
	assert.Same(t, r, got)
	assert.Equal(t, "keep", got.Text())
}

func TestHub_LeaveRemovesAwareness(t *testing.T) {
	h := New(nil, testConfig())
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	r := join(t, h, a, "r1")
	join(t, h, b, "r1")

	client := awareness.New(time.Hour)
	update := client.SetLocalState(7, json.RawMessage(`{"cursor":3}`))
	require.NoError(t, r.ApplyAwareness("a", update))

	assert.Len(t, b.frames(t, frame.Awareness), 1)
	assert.Empty(t, a.frames(t, frame.Awareness))
	assert.Equal(t, 1, r.Awareness().Len())

	h.Leave("a")

	assert.Equal(t, 0, r.Awareness().Len())
	frames := b.frames(t, frame.Awareness)
	require.Len(t, frames, 2)
	peer := awareness.New(time.Hour)
	_, err := peer.ApplyUpdate(update)
	require.NoError(t, err)
	change, err := peer.ApplyUpdate(frames[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, change.Removed)
}

func TestHub_SweepsIdleAwareness(t *testing.T) {
	cfg := testConfig()
	cfg.AwarenessTimeout = 20 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	h := New(nil, cfg)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	r := join(t, h, a, "r1")
	join(t, h, b, "r1")

	require.NoError(t, r.ApplyAwareness("a", awareness.New(time.Hour).SetLocalState(9, json.RawMessage(`{}`))))

	assert.Eventually(t, func() bool { return r.Awareness().Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(a.frames(t, frame.Awareness)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRoom_ApplyUpdateFansOutNewOps(t *testing.T) {
	h := New(nil, testConfig())
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	r := join(t, h, a, "r1")
	join(t, h, b, "r1")

	update, err := crdt.NewDocument(5).LocalInsert(0, "hi")
	require.NoError(t, err)

	require.NoError(t, r.ApplyUpdate("a", update))
	require.NoError(t, r.ApplyUpdate("a", update))

	assert.Empty(t, a.frames(t, frame.Sync))
	frames := b.frames(t, frame.Sync)
	require.Len(t, frames, 1)
	assert.Equal(t, frame.SyncUpdate, frames[0].SyncType)
	assert.Equal(t, "hi", r.Text())

	assert.ErrorIs(t, r.ApplyUpdate("a", []byte{9, 9}), crdt.ErrMalformedUpdate)
	assert.Equal(t, "hi", r.Text())
}

func TestRoom_LocalEditsAndObserve(t *testing.T) {
	h := New(nil, testConfig())
	a := &mockConn{id: "a"}
	r := join(t, h, a, "r1")

	var seen []string
	cancel := r.Observe(func(text string) { seen = append(seen, text) })

	require.NoError(t, r.Insert(0, "hello"))
	require.NoError(t, r.Delete(0, 1))
	assert.Equal(t, []string{"hello", "ello"}, seen)
	assert.ErrorIs(t, r.Insert(42, "x"), crdt.ErrOutOfRange)

	frames := a.frames(t, frame.Sync)
	require.Len(t, frames, 2)
	replica := crdt.NewDocument(99)
	for _, f := range frames {
		_, err := replica.ApplyUpdate(f.Payload)
		require.NoError(t, err)
	}
	assert.Equal(t, "ello", replica.Text())

	cancel()
	require.NoError(t, r.Insert(0, "h"))
	assert.Len(t, seen, 2)
}

func TestRoom_SaveSkipsUnchangedAndRecent(t *testing.T) {
	store := persistence.NewMemoryStore()
	h := New(persistence.NewService(store, persistence.Config{Keep: 10}), testConfig())
	r := join(t, h, &mockConn{id: "a"}, "r1")
	ctx := context.Background()

	require.NoError(t, r.Save(ctx, true))
	assert.Equal(t, 0, store.Count("r1"), "empty document is unchanged")

	require.NoError(t, r.Insert(0, "a"))
	require.NoError(t, r.Save(ctx, true))
	assert.Equal(t, 1, store.Count("r1"))

	require.NoError(t, r.Save(ctx, false))
	assert.Equal(t, 1, store.Count("r1"), "unchanged since last save")

	require.NoError(t, r.Insert(1, "b"))
	require.NoError(t, r.Save(ctx, true))
	assert.Equal(t, 1, store.Count("r1"), "periodic save inside the interval")

	require.NoError(t, r.Save(ctx, false))
	assert.Equal(t, 2, store.Count("r1"))
}

func TestHub_ShutdownSavesRooms(t *testing.T) {
	store := persistence.NewMemoryStore()
	h := New(persistence.NewService(store, persistence.Config{Keep: 10}), testConfig())
	r := join(t, h, &mockConn{id: "a"}, "r1")
	require.NoError(t, r.Insert(0, "bye"))

	require.NoError(t, h.Shutdown(context.Background()))
	assert.Equal(t, 1, store.Count("r1"))
	rooms, _ := h.Stats()
	assert.Equal(t, 0, rooms)
}
