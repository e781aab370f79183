package persistence

import (
	"bytes"
	"context"
	"sync"
)

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string][]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string][]Snapshot)}
}

func (m *MemoryStore) Append(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.State = bytes.Clone(s.State)
	m.rooms[s.RoomID] = append(m.rooms[s.RoomID], s)
	return nil
}

func (m *MemoryStore) Latest(_ context.Context, roomID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := m.rooms[roomID]
	if len(snaps) == 0 {
		return Snapshot{}, ErrNoSnapshot
	}
	return snaps[len(snaps)-1], nil
}

func (m *MemoryStore) Prune(_ context.Context, roomID string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := m.rooms[roomID]
	if len(snaps) > keep {
		m.rooms[roomID] = append([]Snapshot(nil), snaps[len(snaps)-keep:]...)
	}
	return nil
}

func (m *MemoryStore) Count(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[roomID])
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }
