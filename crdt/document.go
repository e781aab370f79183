// Package crdt implements the replicated text document shared by a room.
//
// The document is a set of operations. Inserts carry the ids of the
// neighbours they were typed between and are placed with the YATA rules, so
// concurrent inserts at the same spot order by replica id (lower first) on
// every replica. Deletes are tombstone operations with ids of their own; the
// deleted character stays in the sequence so later inserts can still
// reference it. Operations of one replica integrate in counter order, and an
// operation whose dependencies have not arrived waits in a pending buffer.
package crdt

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sanity-io/litter"
)

var ErrOutOfRange = errors.New("crdt: position out of range")

type item struct {
	op      Op
	deleted bool
	// neighbours in document order, arena indexes; none at the edges
	prev, next int
}

const none = -1

// Document is safe for concurrent use. The lock only serializes map access;
// merges commute, so the order in which callers win it never changes the
// converged text.
type Document struct {
	mu      sync.RWMutex
	replica uint64
	arena   []item      // integrated ops in integration order
	index   map[ID]int  // op id -> arena index
	head    int         // first insert in document order
	clock   StateVector // highest contiguous counter integrated per replica
	pending map[ID]Op
	waiting map[ID][]ID // missing dependency -> pending ops parked on it
	version uint64
}

// NewDocument returns an empty document whose local edits are stamped with
// the given replica id.
func NewDocument(replica uint64) *Document {
	return &Document{
		replica: replica,
		index:   make(map[ID]int),
		head:    none,
		clock:   make(StateVector),
		pending: make(map[ID]Op),
		waiting: make(map[ID][]ID),
	}
}

// ApplyUpdate merges a delta produced by EncodeUpdate, GenerateUpdate or a
// local edit on any replica. It returns the subset of the delta that was new
// to this document, encoded as a delta, or nil when nothing was new. A
// malformed delta is rejected before any state changes.
func (d *Document) ApplyUpdate(update []byte) ([]byte, error) {
	ops, err := DecodeUpdate(update)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	fresh := d.merge(ops)
	d.mu.Unlock()

	if len(fresh) == 0 {
		return nil, nil
	}
	return EncodeUpdate(fresh), nil
}

// GenerateUpdate encodes every op the holder of sv has not seen: those whose
// counter exceeds sv's entry for their replica. Pending ops are included.
func (d *Document) GenerateUpdate(sv StateVector) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ops []Op
	for _, it := range d.arena {
		if it.op.ID.Counter > sv[it.op.ID.Replica] {
			ops = append(ops, it.op)
		}
	}
	for _, op := range d.sortedPending() {
		if op.ID.Counter > sv[op.ID.Replica] {
			ops = append(ops, op)
		}
	}
	return EncodeUpdate(ops)
}

// EncodeFullState encodes the whole operation set.
func (d *Document) EncodeFullState() []byte {
	return d.GenerateUpdate(nil)
}

func (d *Document) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sv := make(StateVector, len(d.clock))
	for r, c := range d.clock {
		sv[r] = c
	}
	return sv
}

// LocalInsert inserts text before the visible character at pos and returns
// the delta to send to other replicas.
func (d *Document) LocalInsert(pos int, text string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	after, err := d.insertionPoint(pos)
	if err != nil {
		return nil, err
	}

	var left, right ID
	next := d.head
	if after != none {
		left = d.arena[after].op.ID
		next = d.arena[after].next
	}
	if next != none {
		right = d.arena[next].op.ID
	}

	ops := make([]Op, 0, len(text))
	for _, r := range text {
		op := Op{Kind: KindInsert, ID: d.nextID(), Left: left, Right: right, Value: r}
		d.integrate(op)
		ops = append(ops, op)
		left = op.ID
	}
	return EncodeUpdate(ops), nil
}

// LocalDelete deletes length visible characters starting at pos and returns
// the delta to send to other replicas.
func (d *Document) LocalDelete(pos, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pos < 0 || length < 0 {
		return nil, fmt.Errorf("%w: delete %d+%d", ErrOutOfRange, pos, length)
	}

	var targets []ID
	visible := 0
	for idx := d.head; idx != none; idx = d.arena[idx].next {
		if d.arena[idx].deleted {
			continue
		}
		if visible >= pos && visible < pos+length {
			targets = append(targets, d.arena[idx].op.ID)
		}
		visible++
	}
	if pos+length > visible {
		return nil, fmt.Errorf("%w: delete %d+%d of %d", ErrOutOfRange, pos, length, visible)
	}

	ops := make([]Op, 0, len(targets))
	for _, target := range targets {
		op := Op{Kind: KindTombstone, ID: d.nextID(), Target: target}
		d.integrate(op)
		ops = append(ops, op)
	}
	return EncodeUpdate(ops), nil
}

func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var b strings.Builder
	for idx := d.head; idx != none; idx = d.arena[idx].next {
		if it := d.arena[idx]; !it.deleted {
			b.WriteRune(it.op.Value)
		}
	}
	return b.String()
}

func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for idx := d.head; idx != none; idx = d.arena[idx].next {
		if !d.arena[idx].deleted {
			n++
		}
	}
	return n
}

// Version increases every time an operation is integrated.
func (d *Document) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

func (d *Document) PendingLen() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// Dump renders the internal structure for debug logs.
func (d *Document) Dump() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	type entry struct {
		ID      string
		Left    string
		Right   string
		Value   string
		Deleted bool
	}
	view := struct {
		Replica uint64
		Clock   StateVector
		Pending int
		Items   []entry
	}{Replica: d.replica, Clock: d.clock, Pending: len(d.pending)}
	for idx := d.head; idx != none; idx = d.arena[idx].next {
		it := d.arena[idx]
		view.Items = append(view.Items, entry{
			ID:      it.op.ID.String(),
			Left:    it.op.Left.String(),
			Right:   it.op.Right.String(),
			Value:   string(it.op.Value),
			Deleted: it.deleted,
		})
	}
	return litter.Sdump(view)
}

func (d *Document) nextID() ID {
	return ID{Replica: d.replica, Counter: d.clock[d.replica] + 1}
}

// insertionPoint returns the arena index of the item a character typed at
// visible position pos goes after, or none for the start of the document.
func (d *Document) insertionPoint(pos int) (int, error) {
	if pos < 0 {
		return none, fmt.Errorf("%w: insert at %d", ErrOutOfRange, pos)
	}
	if pos == 0 {
		return none, nil
	}
	visible := 0
	for idx := d.head; idx != none; idx = d.arena[idx].next {
		if d.arena[idx].deleted {
			continue
		}
		visible++
		if visible == pos {
			return idx, nil
		}
	}
	return none, fmt.Errorf("%w: insert at %d of %d", ErrOutOfRange, pos, visible)
}

func (d *Document) known(id ID) bool {
	if _, ok := d.index[id]; ok {
		return true
	}
	_, ok := d.pending[id]
	return ok
}

// merge integrates the unknown ops of a delta in the order they arrive,
// parking the ones whose dependencies are missing. It returns the ops that
// were new.
func (d *Document) merge(ops []Op) []Op {
	var fresh []Op
	for _, op := range ops {
		if d.known(op.ID) {
			continue
		}
		fresh = append(fresh, op)
		d.tryIntegrate(op)
	}
	return fresh
}

// tryIntegrate integrates op if it is ready, then every parked op that was
// waiting on something integrated along the way.
func (d *Document) tryIntegrate(op Op) {
	stack := []Op{op}
	for len(stack) > 0 {
		op := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if missing, ok := d.missing(op); ok {
			d.pending[op.ID] = op
			d.waiting[missing] = append(d.waiting[missing], op.ID)
			continue
		}
		delete(d.pending, op.ID)
		d.integrate(op)

		for _, id := range d.waiting[op.ID] {
			stack = append(stack, d.pending[id])
		}
		delete(d.waiting, op.ID)
	}
}

// missing returns a dependency of op that is not integrated yet: the
// previous op of the same replica, an origin or a delete target.
func (d *Document) missing(op Op) (ID, bool) {
	if c := d.clock[op.ID.Replica]; op.ID.Counter != c+1 {
		return ID{Replica: op.ID.Replica, Counter: op.ID.Counter - 1}, true
	}
	deps := [2]ID{op.Left, op.Right}
	if op.Kind == KindTombstone {
		deps = [2]ID{op.Target}
	}
	for _, id := range deps {
		if id.IsZero() {
			continue
		}
		if _, ok := d.index[id]; !ok {
			return id, true
		}
	}
	return ID{}, false
}

func (d *Document) sortedPending() []Op {
	ops := make([]Op, 0, len(d.pending))
	for _, op := range d.pending {
		ops = append(ops, op)
	}
	slices.SortFunc(ops, func(a, b Op) int {
		switch {
		case a.ID.less(b.ID):
			return -1
		case b.ID.less(a.ID):
			return 1
		}
		return 0
	})
	return ops
}

func (d *Document) integrate(op Op) {
	switch op.Kind {
	case KindInsert:
		d.integrateInsert(op)
	case KindTombstone:
		d.arena = append(d.arena, item{op: op, prev: none, next: none})
		d.index[op.ID] = len(d.arena) - 1
		if idx := d.index[op.Target]; d.arena[idx].op.Kind == KindInsert {
			d.arena[idx].deleted = true
		}
	}
	d.clock[op.ID.Replica] = op.ID.Counter
	d.version++
}

// insertAt returns the arena index of the insert with the given id, or none
// when id is zero or not an insert.
func (d *Document) insertAt(id ID) int {
	if id.IsZero() {
		return none
	}
	idx, ok := d.index[id]
	if !ok || d.arena[idx].op.Kind != KindInsert {
		return none
	}
	return idx
}

// integrateInsert places op between its origins. Items found between the
// origins are skipped while they were concurrently inserted at the same spot
// by a lower replica, or belong to the subtree of such an item.
func (d *Document) integrateInsert(op Op) {
	left := d.insertAt(op.Left)
	right := d.insertAt(op.Right)

	first := d.head
	if left != none {
		first = d.arena[left].next
	}

	dest := left
	before := mapset.NewThreadUnsafeSet[ID]()
	conflicting := mapset.NewThreadUnsafeSet[ID]()
	for o := first; o != none && o != right; o = d.arena[o].next {
		other := d.arena[o].op
		before.Add(other.ID)
		conflicting.Add(other.ID)
		if other.Left == op.Left {
			if other.ID.Replica < op.ID.Replica {
				dest = o
				conflicting.Clear()
			} else if other.Right == op.Right {
				break
			}
		} else if !other.Left.IsZero() && before.Contains(other.Left) {
			if !conflicting.Contains(other.Left) {
				dest = o
				conflicting.Clear()
			}
		} else {
			break
		}
	}

	d.arena = append(d.arena, item{op: op, prev: dest, next: none})
	idx := len(d.arena) - 1
	d.index[op.ID] = idx
	if dest == none {
		d.arena[idx].next = d.head
		d.head = idx
	} else {
		d.arena[idx].next = d.arena[dest].next
		d.arena[dest].next = idx
	}
	if n := d.arena[idx].next; n != none {
		d.arena[n].prev = idx
	}
}
