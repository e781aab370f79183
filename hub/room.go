package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"codecollab-server/awareness"
	"codecollab-server/crdt"
	"codecollab-server/domain"
	"codecollab-server/frame"
)

type member struct {
	conn   domain.Connection
	userID string
	// awareness client ids announced over this connection
	clients mapset.Set[uint64]
}

// Room is one shared document with its presence table and the connections
// editing it.
type Room struct {
	id        string
	hub       *Hub
	doc       *crdt.Document
	awareness *awareness.Table

	mu        sync.RWMutex
	members   map[string]*member
	ready     bool
	queue     []func()
	evict     *time.Timer
	evictGen  int
	observers map[int]func(text string)
	nextObs   int

	loaded chan struct{}
	stop   chan struct{}

	saveMu       sync.Mutex
	lastSave     time.Time
	savedVersion uint64
	saving       atomic.Bool // an interval save is in flight
}

func newRoom(h *Hub, id string) *Room {
	return &Room{
		id:        id,
		hub:       h,
		doc:       crdt.NewDocument(h.replicaID()),
		awareness: awareness.New(h.cfg.AwarenessTimeout),
		members:   make(map[string]*member),
		observers: make(map[int]func(string)),
		loaded:    make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) Document() *crdt.Document {
	return r.doc
}

func (r *Room) Awareness() *awareness.Table {
	return r.awareness
}

// Loaded is closed once the room's snapshot has been applied and the updates
// queued meanwhile have run.
func (r *Room) Loaded() <-chan struct{} {
	return r.loaded
}

// Do runs fn once the snapshot has loaded. Calls made while loading queue up
// and run in order right after the load.
func (r *Room) Do(fn func()) {
	r.mu.Lock()
	if !r.ready {
		r.queue = append(r.queue, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn()
}

func (r *Room) load() {
	if r.hub.persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.hub.cfg.StoreTimeout)
		state := r.hub.persist.LoadLatestSnapshot(ctx, r.id)
		cancel()
		if state != nil {
			if _, err := r.doc.ApplyUpdate(state); err != nil {
				slog.Error("snapshot rejected, starting empty", "room", r.id, "error", err)
			}
		}
	}
	r.saveMu.Lock()
	r.savedVersion = r.doc.Version()
	r.saveMu.Unlock()

	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.ready = true
			r.mu.Unlock()
			break
		}
		fn := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		fn()
	}
	close(r.loaded)
	slog.Debug("room loaded", "room", r.id, "length", r.doc.Len())
}

func (r *Room) isReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

func (r *Room) Users() []domain.User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]domain.User, 0, len(r.members))
	for id, m := range r.members {
		users = append(users, domain.User{ConnectionID: id, UserID: m.userID})
	}
	return users
}

func (r *Room) Member(connID string) (domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[connID]
	if !ok {
		return domain.User{}, false
	}
	return domain.User{ConnectionID: connID, UserID: m.userID}, true
}

func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast sends data to every member except the one with connection id
// except. A member whose send fails is removed from the room.
func (r *Room) Broadcast(except string, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if id == except {
			continue
		}
		if err := m.conn.Send(data); err != nil {
			slog.Warn("send failed, dropping client", "room", r.id, "clientId", id, "error", err)
			go r.hub.Leave(id)
		}
	}
}

// SendTo sends data to one member. It reports false when connID is not in
// the room or the send failed.
func (r *Room) SendTo(connID string, data []byte) bool {
	r.mu.RLock()
	m, ok := r.members[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := m.conn.Send(data); err != nil {
		slog.Warn("send failed, dropping client", "room", r.id, "clientId", connID, "error", err)
		go r.hub.Leave(connID)
		return false
	}
	return true
}

func (r *Room) broadcastEvent(except string, ev domain.Event) {
	ev.RoomID = r.id
	ev.Timestamp = r.hub.now().UnixMilli()
	data, err := frame.EncodeEvent(ev)
	if err != nil {
		slog.Error("encode event failed", "room", r.id, "event", ev.Type, "error", err)
		return
	}
	r.Broadcast(except, data)
}

// ApplyUpdate merges a delta received from connection from and fans the
// operations that were new out to every other member.
func (r *Room) ApplyUpdate(from string, update []byte) error {
	fresh, err := r.doc.ApplyUpdate(update)
	if err != nil {
		return err
	}
	if fresh == nil {
		return nil
	}
	r.Broadcast(from, frame.EncodeSync(frame.SyncUpdate, fresh))
	r.notify()
	return nil
}

// ApplyAwareness merges a presence update from connection from, records the
// client ids it announces for that connection and fans it out.
func (r *Room) ApplyAwareness(from string, update []byte) error {
	change, err := r.awareness.ApplyUpdate(update)
	if err != nil {
		return err
	}

	r.mu.RLock()
	if m, ok := r.members[from]; ok {
		for _, id := range change.Added {
			m.clients.Add(id)
		}
		for _, id := range change.Updated {
			m.clients.Add(id)
		}
		for _, id := range change.Removed {
			m.clients.Remove(id)
		}
	}
	r.mu.RUnlock()

	if change.Empty() {
		return nil
	}
	r.Broadcast(from, frame.EncodeAwareness(update))
	return nil
}

func (r *Room) Touch(connID string) {
	r.mu.RLock()
	m, ok := r.members[connID]
	r.mu.RUnlock()
	if ok {
		r.awareness.Touch(m.clients.ToSlice())
	}
}

func (r *Room) Text() string {
	return r.doc.Text()
}

// Insert edits the document in process, as if a member had typed text at
// pos, and sends the change to every member. It waits for the snapshot load.
func (r *Room) Insert(pos int, text string) error {
	<-r.loaded
	update, err := r.doc.LocalInsert(pos, text)
	if err != nil {
		return err
	}
	r.Broadcast("", frame.EncodeSync(frame.SyncUpdate, update))
	r.notify()
	return nil
}

// Delete removes length visible characters starting at pos.
func (r *Room) Delete(pos, length int) error {
	<-r.loaded
	update, err := r.doc.LocalDelete(pos, length)
	if err != nil {
		return err
	}
	if length > 0 {
		r.Broadcast("", frame.EncodeSync(frame.SyncUpdate, update))
		r.notify()
	}
	return nil
}

// Observe calls fn with the visible text after every change to the document.
// The returned func stops the notifications.
func (r *Room) Observe(fn func(text string)) (cancel func()) {
	r.mu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

func (r *Room) notify() {
	r.mu.RLock()
	if len(r.observers) == 0 {
		r.mu.RUnlock()
		return
	}
	fns := make([]func(string), 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	text := r.doc.Text()
	for _, fn := range fns {
		fn(text)
	}
}

// Save snapshots the document unless it is unchanged since the last save.
// Periodic saves also skip when the last save is younger than the interval.
func (r *Room) Save(ctx context.Context, periodic bool) error {
	if r.hub.persist == nil || !r.isReady() {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	version := r.doc.Version()
	if version == r.savedVersion {
		return nil
	}
	if periodic && r.hub.now().Sub(r.lastSave) < r.hub.cfg.SnapshotInterval {
		return nil
	}
	if err := r.hub.persist.SaveSnapshot(ctx, r.id, r.doc); err != nil {
		slog.Error("snapshot save failed", "room", r.id, "error", err)
		return err
	}
	r.lastSave = r.hub.now()
	r.savedVersion = version
	return nil
}

func (r *Room) save(periodic bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.hub.cfg.StoreTimeout)
	defer cancel()
	return r.Save(ctx, periodic)
}

// sweep drops awareness entries that went quiet and tells the room.
func (r *Room) sweep() {
	stale, update := r.awareness.Expire()
	if update == nil {
		return
	}
	r.mu.RLock()
	for _, m := range r.members {
		for _, id := range stale {
			m.clients.Remove(id)
		}
	}
	r.mu.RUnlock()

	slog.Info("awareness expired", "room", r.id, "clients", stale)
	r.Broadcast("", frame.EncodeAwareness(update))
}

func (r *Room) run() {
	snapshots := time.NewTicker(r.hub.cfg.SnapshotInterval)
	defer snapshots.Stop()
	sweeps := time.NewTicker(r.hub.cfg.SweepInterval)
	defer sweeps.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-snapshots.C:
			if r.saving.CompareAndSwap(false, true) {
				go func() {
					defer r.saving.Store(false)
					r.save(true)
				}()
			}
		case <-sweeps.C:
			r.sweep()
		}
	}
}
