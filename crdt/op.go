package crdt

import (
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"

	"codecollab-server/wire"
)

// updateFormat leads every encoded update so the blob stays self-describing.
const updateFormat = 1

var ErrMalformedUpdate = errors.New("crdt: malformed update")

// ID is a globally unique operation id. Counters start at 1, so the zero ID
// never names an operation and stands for the document edge in origins.
type ID struct {
	Replica uint64
	Counter uint64
}

func (id ID) IsZero() bool {
	return id.Counter == 0
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Replica, id.Counter)
}

func (id ID) less(other ID) bool {
	if id.Replica != other.Replica {
		return id.Replica < other.Replica
	}
	return id.Counter < other.Counter
}

type Kind uint8

const (
	KindInsert Kind = iota
	KindTombstone
)

// Op is either an Insert (Value placed between the Left and Right origins it
// saw when it was created) or a Tombstone marking Target as deleted.
type Op struct {
	Kind   Kind
	ID     ID
	Left   ID
	Right  ID
	Value  rune
	Target ID
}

// StateVector maps a replica to the highest counter integrated from it.
type StateVector map[uint64]uint64

func EncodeStateVector(sv StateVector) []byte {
	replicas := make([]uint64, 0, len(sv))
	for r := range sv {
		replicas = append(replicas, r)
	}
	slices.Sort(replicas)

	e := wire.NewEncoder()
	e.WriteUvarint(uint64(len(replicas)))
	for _, r := range replicas {
		e.WriteUvarint(r)
		e.WriteUvarint(sv[r])
	}
	return e.Bytes()
}

func DecodeStateVector(b []byte) (StateVector, error) {
	d := wire.NewDecoder(b)
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: state vector length: %v", ErrMalformedUpdate, err)
	}
	// every entry takes at least two bytes
	if n > uint64(d.Len()/2) {
		return nil, fmt.Errorf("%w: state vector claims %d entries", ErrMalformedUpdate, n)
	}
	sv := make(StateVector, n)
	for i := uint64(0); i < n; i++ {
		r, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector replica: %v", ErrMalformedUpdate, err)
		}
		c, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector counter: %v", ErrMalformedUpdate, err)
		}
		sv[r] = c
	}
	return sv, nil
}

func writeID(e *wire.Encoder, id ID) {
	e.WriteUvarint(id.Replica)
	e.WriteUvarint(id.Counter)
}

func readID(d *wire.Decoder) (ID, error) {
	r, err := d.ReadUvarint()
	if err != nil {
		return ID{}, err
	}
	c, err := d.ReadUvarint()
	if err != nil {
		return ID{}, err
	}
	if c == 0 {
		return ID{}, nil
	}
	return ID{Replica: r, Counter: c}, nil
}

// EncodeUpdate serializes ops as a delta that any replica can apply.
func EncodeUpdate(ops []Op) []byte {
	e := wire.NewEncoder()
	e.WriteUvarint(updateFormat)
	e.WriteUvarint(uint64(len(ops)))
	for _, op := range ops {
		e.WriteUvarint(uint64(op.Kind))
		writeID(e, op.ID)
		switch op.Kind {
		case KindInsert:
			writeID(e, op.Left)
			writeID(e, op.Right)
			e.WriteUvarint(uint64(op.Value))
		case KindTombstone:
			writeID(e, op.Target)
		}
	}
	return e.Bytes()
}

// DecodeUpdate parses and validates a delta. It fails as a whole: either every
// op is well formed or none is returned.
func DecodeUpdate(b []byte) ([]Op, error) {
	d := wire.NewDecoder(b)
	format, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: format: %v", ErrMalformedUpdate, err)
	}
	if format != updateFormat {
		return nil, fmt.Errorf("%w: unsupported format %d", ErrMalformedUpdate, format)
	}
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: op count: %v", ErrMalformedUpdate, err)
	}
	// a tombstone, the shortest op, takes five bytes
	if n > uint64(d.Len()/5) {
		return nil, fmt.Errorf("%w: update claims %d ops in %d bytes", ErrMalformedUpdate, n, d.Len())
	}

	ops := make([]Op, 0, n)
	for i := uint64(0); i < n; i++ {
		op, err := readOp(d)
		if err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedUpdate, i, err)
		}
		ops = append(ops, op)
	}
	if d.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, d.Len())
	}
	return ops, nil
}

func readOp(d *wire.Decoder) (Op, error) {
	kind, err := d.ReadUvarint()
	if err != nil {
		return Op{}, err
	}
	id, err := readID(d)
	if err != nil {
		return Op{}, err
	}
	if id.IsZero() {
		return Op{}, errors.New("zero operation id")
	}

	op := Op{Kind: Kind(kind), ID: id}
	switch op.Kind {
	case KindInsert:
		if op.Left, err = readID(d); err != nil {
			return Op{}, err
		}
		if op.Right, err = readID(d); err != nil {
			return Op{}, err
		}
		v, err := d.ReadUvarint()
		if err != nil {
			return Op{}, err
		}
		if v > utf8.MaxRune || !utf8.ValidRune(rune(v)) {
			return Op{}, fmt.Errorf("invalid rune %d", v)
		}
		op.Value = rune(v)
		if op.Left == id || op.Right == id {
			return Op{}, fmt.Errorf("insert %s references itself", id)
		}
		if op.Left.Replica == id.Replica && op.Left.Counter > id.Counter {
			return Op{}, fmt.Errorf("insert %s has a later left origin %s", id, op.Left)
		}
	case KindTombstone:
		if op.Target, err = readID(d); err != nil {
			return Op{}, err
		}
		if op.Target.IsZero() || op.Target == id {
			return Op{}, fmt.Errorf("tombstone %s has an invalid target", id)
		}
	default:
		return Op{}, fmt.Errorf("unknown op kind %d", kind)
	}
	return op, nil
}
