// Package hub is the room registry. It creates rooms on first join, loads
// their last snapshot, fans traffic out to members and evicts rooms that
// stay empty past a grace period.
package hub

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"codecollab-server/domain"
	"codecollab-server/frame"
	"codecollab-server/persistence"
)

var ErrRoomNotFound = errors.New("hub: room not found")

type Config struct {
	// SnapshotInterval is the period of snapshots while a room is active.
	SnapshotInterval time.Duration
	// EvictionGrace is how long an empty room stays in memory.
	EvictionGrace time.Duration
	// AwarenessTimeout expires presence entries that stop updating.
	AwarenessTimeout time.Duration
	// SweepInterval is how often expired presence is collected.
	SweepInterval time.Duration
	// StoreTimeout bounds snapshot loads and saves.
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	if c.AwarenessTimeout <= 0 {
		c.AwarenessTimeout = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.AwarenessTimeout / 2
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	return c
}

type Hub struct {
	rooms map[string]*Room
	conns map[string]*Room
	mu    sync.RWMutex

	persist *persistence.Service
	cfg     Config
	now     func() time.Time
}

// New returns an empty registry. A nil persist keeps rooms in memory only.
func New(persist *persistence.Service, cfg Config) *Hub {
	return &Hub{
		rooms:   make(map[string]*Room),
		conns:   make(map[string]*Room),
		persist: persist,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// replicaID stamps the server's own edits; it stays below 2^53 so browser
// clients can hold it in a number.
func (h *Hub) replicaID() uint64 {
	for {
		u := uuid.New()
		if id := binary.BigEndian.Uint64(u[:8]) & (1<<53 - 1); id != 0 {
			return id
		}
	}
}

// Join adds conn to room roomID, creating the room and loading its snapshot
// when it is not active. Joining the room conn is already in changes nothing
// and reports joined false. Joining another room leaves the current one.
func (h *Hub) Join(conn domain.Connection, roomID, userID string) (room *Room, joined bool, err error) {
	if roomID == "" {
		return nil, false, fmt.Errorf("join: empty room id")
	}

	h.mu.Lock()
	if cur, ok := h.conns[conn.ID()]; ok {
		if cur.id == roomID {
			h.mu.Unlock()
			return cur, false, nil
		}
		h.mu.Unlock()
		h.Leave(conn.ID())
		h.mu.Lock()
	}

	r, exists := h.rooms[roomID]
	if !exists {
		r = newRoom(h, roomID)
		h.rooms[roomID] = r
	}
	r.mu.Lock()
	if r.evict != nil {
		r.evict.Stop()
		r.evict = nil
		r.evictGen++
		slog.Info("room eviction cancelled", "room", roomID)
	}
	r.members[conn.ID()] = &member{conn: conn, userID: userID, clients: mapset.NewSet[uint64]()}
	count := len(r.members)
	r.mu.Unlock()
	h.conns[conn.ID()] = r
	h.mu.Unlock()

	if !exists {
		slog.Info("room created", "room", roomID)
		go r.load()
		go r.run()
	}
	slog.Info("client joined", "room", roomID, "clientId", conn.ID(), "userId", userID, "clients", count)

	user, _ := json.Marshal(domain.User{ConnectionID: conn.ID(), UserID: userID})
	r.broadcastEvent(conn.ID(), domain.Event{Type: domain.EventUserJoined, From: conn.ID(), Payload: user})
	return r, true, nil
}

// Leave removes connection connID from its room, drops the presence it
// announced and, when the room becomes empty, saves it and schedules its
// eviction. It reports false when connID was in no room.
func (h *Hub) Leave(connID string) bool {
	h.mu.Lock()
	r, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.conns, connID)

	r.mu.Lock()
	m := r.members[connID]
	delete(r.members, connID)
	count := len(r.members)
	if count == 0 {
		if r.evict != nil {
			r.evict.Stop()
		}
		r.evictGen++
		gen := r.evictGen
		r.evict = time.AfterFunc(h.cfg.EvictionGrace, func() { h.evict(r, gen) })
	}
	r.mu.Unlock()
	h.mu.Unlock()

	slog.Info("client left", "room", r.id, "clientId", connID, "clients", count)

	if m != nil {
		if update := r.awareness.RemoveClients(m.clients.ToSlice()); update != nil {
			r.Broadcast("", frame.EncodeAwareness(update))
		}
		user, _ := json.Marshal(domain.User{ConnectionID: connID, UserID: m.userID})
		r.broadcastEvent("", domain.Event{Type: domain.EventUserLeft, From: connID, Payload: user})
	}
	if count == 0 {
		go r.save(false)
	}
	return true
}

func (h *Hub) evict(r *Room, gen int) {
	err := r.save(false)

	h.mu.Lock()
	r.mu.Lock()
	if r.evictGen != gen || len(r.members) > 0 || h.rooms[r.id] != r {
		r.mu.Unlock()
		h.mu.Unlock()
		return
	}
	if err != nil {
		// unsaved edits would be lost; keep the room and try again later
		r.evictGen++
		next := r.evictGen
		r.evict = time.AfterFunc(h.cfg.EvictionGrace, func() { h.evict(r, next) })
		r.mu.Unlock()
		h.mu.Unlock()
		slog.Warn("room eviction postponed", "room", r.id, "error", err)
		return
	}
	delete(h.rooms, r.id)
	r.evict = nil
	r.mu.Unlock()
	h.mu.Unlock()

	close(r.stop)
	slog.Info("room evicted", "room", r.id)
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		slog.Debug("evicted room document", "room", r.id, "document", r.doc.Dump())
	}
}

// RoomOf returns the room connection connID has joined.
func (h *Hub) RoomOf(connID string) (*Room, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.conns[connID]
	if !ok {
		return nil, fmt.Errorf("%w: client %s has not joined", ErrRoomNotFound, connID)
	}
	return r, nil
}

func (h *Hub) Room(roomID string) (*Room, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return r, nil
}

// Touch refreshes the presence liveness of connection connID.
func (h *Hub) Touch(connID string) {
	if r, err := h.RoomOf(connID); err == nil {
		r.Touch(connID)
	}
}

func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms), len(h.conns)
}

// Shutdown stops every room's background work and saves what changed.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for id, r := range h.rooms {
		r.mu.Lock()
		if r.evict != nil {
			r.evict.Stop()
			r.evict = nil
		}
		r.evictGen++
		r.mu.Unlock()
		rooms = append(rooms, r)
		delete(h.rooms, id)
	}
	h.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		close(r.stop)
		if err := r.Save(ctx, false); err != nil {
			errs = append(errs, err)
		}
	}
	slog.Info("hub stopped", "rooms", len(rooms))
	return errors.Join(errs...)
}
