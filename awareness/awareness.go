// Package awareness keeps the ephemeral presence state (cursor, selection,
// user metadata) of every client in a room.
//
// Each client's state carries a clock; an update only replaces what is held
// when its clock is newer, so the whole field set is last-writer-wins. A
// removal is an update with a null state and a bumped clock.
package awareness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"codecollab-server/wire"
)

var ErrMalformedUpdate = errors.New("awareness: malformed update")

var null = []byte("null")

type meta struct {
	clock    uint64
	lastSeen time.Time
}

// Change lists the client ids an update touched.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Table is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	states  map[uint64]json.RawMessage
	meta    map[uint64]meta
	timeout time.Duration
	now     func() time.Time
}

// New returns a table whose entries expire after timeout without an update.
func New(timeout time.Duration) *Table {
	return &Table{
		states:  make(map[uint64]json.RawMessage),
		meta:    make(map[uint64]meta),
		timeout: timeout,
		now:     time.Now,
	}
}

// SetLocalState stamps a new clock on clientID's fields and returns the
// update announcing them. A nil state removes the client.
func (t *Table) SetLocalState(clientID uint64, state json.RawMessage) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	clock := t.meta[clientID].clock + 1
	if state == nil || bytes.Equal(state, null) {
		delete(t.states, clientID)
	} else {
		t.states[clientID] = state
	}
	t.meta[clientID] = meta{clock: clock, lastSeen: t.now()}
	return t.encodeLocked([]uint64{clientID})
}

// ApplyUpdate merges a remote update. Entries whose clock is not newer than
// the one held are ignored, except that a null state at the same clock still
// removes the client. The update is validated as a whole before anything
// changes.
func (t *Table) ApplyUpdate(update []byte) (Change, error) {
	entries, err := decode(update)
	if err != nil {
		return Change{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var change Change
	now := t.now()
	for _, e := range entries {
		cur, known := t.meta[e.clientID]
		_, present := t.states[e.clientID]
		removal := bytes.Equal(e.state, null)
		if known && !(cur.clock < e.clock || (cur.clock == e.clock && removal && present)) {
			continue
		}

		t.meta[e.clientID] = meta{clock: e.clock, lastSeen: now}
		switch {
		case removal && present:
			delete(t.states, e.clientID)
			change.Removed = append(change.Removed, e.clientID)
		case removal:
		case present:
			t.states[e.clientID] = e.state
			change.Updated = append(change.Updated, e.clientID)
		default:
			t.states[e.clientID] = e.state
			change.Added = append(change.Added, e.clientID)
		}
	}
	return change, nil
}

// RemoveClients drops the given clients and returns the update telling peers
// to drop them too, or nil when none of them had a state.
func (t *Table) RemoveClients(ids []uint64) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(ids)
}

func (t *Table) removeLocked(ids []uint64) []byte {
	var removed []uint64
	for _, id := range ids {
		if _, ok := t.states[id]; !ok {
			continue
		}
		delete(t.states, id)
		t.meta[id] = meta{clock: t.meta[id].clock + 1, lastSeen: t.now()}
		removed = append(removed, id)
	}
	if len(removed) == 0 {
		return nil
	}
	return t.encodeLocked(removed)
}

// Expire removes every client that has not been updated or touched within
// the timeout.
func (t *Table) Expire() ([]uint64, []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var stale []uint64
	for id := range t.states {
		if now.Sub(t.meta[id].lastSeen) >= t.timeout {
			stale = append(stale, id)
		}
	}
	slices.Sort(stale)
	return stale, t.removeLocked(stale)
}

// Touch refreshes the liveness of the given clients without changing their
// state.
func (t *Table) Touch(ids []uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, id := range ids {
		if m, ok := t.meta[id]; ok {
			m.lastSeen = now
			t.meta[id] = m
		}
	}
}

// EncodeAll encodes every present client, or returns nil when there are none.
func (t *Table) EncodeAll() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.states) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return t.encodeLocked(ids)
}

func (t *Table) States() map[uint64]json.RawMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[uint64]json.RawMessage, len(t.states))
	for id, s := range t.states {
		out[id] = s
	}
	return out
}

func (t *Table) Clock(clientID uint64) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta[clientID].clock
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

func (t *Table) encodeLocked(ids []uint64) []byte {
	e := wire.NewEncoder()
	e.WriteUvarint(uint64(len(ids)))
	for _, id := range ids {
		state, ok := t.states[id]
		if !ok {
			state = null
		}
		e.WriteUvarint(id)
		e.WriteUvarint(t.meta[id].clock)
		e.WriteBytes(state)
	}
	return e.Bytes()
}

type entry struct {
	clientID uint64
	clock    uint64
	state    json.RawMessage
}

func decode(update []byte) ([]entry, error) {
	d := wire.NewDecoder(update)
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: count: %v", ErrMalformedUpdate, err)
	}
	// client id, clock and a one byte length at least
	if n > uint64(d.Len()/3) {
		return nil, fmt.Errorf("%w: update claims %d entries", ErrMalformedUpdate, n)
	}

	entries := make([]entry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e entry
		if e.clientID, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedUpdate, i, err)
		}
		if e.clock, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedUpdate, i, err)
		}
		state, err := d.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedUpdate, i, err)
		}
		if !json.Valid(state) {
			return nil, fmt.Errorf("%w: entry %d: state is not json", ErrMalformedUpdate, i)
		}
		e.state = bytes.Clone(state)
		entries = append(entries, e)
	}
	if d.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, d.Len())
	}
	return entries, nil
}
