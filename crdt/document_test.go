package crdt

import (
	"math/rand"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustInsert(t *testing.T, d *Document, pos int, text string) []byte {
	t.Helper()
	u, err := d.LocalInsert(pos, text)
	require.NoError(t, err)
	return u
}

func mustDelete(t *testing.T, d *Document, pos, n int) []byte {
	t.Helper()
	u, err := d.LocalDelete(pos, n)
	require.NoError(t, err)
	return u
}

func mustApply(t *testing.T, d *Document, u []byte) []byte {
	t.Helper()
	fresh, err := d.ApplyUpdate(u)
	require.NoError(t, err)
	return fresh
}

func TestDocument_LocalEdits(t *testing.T) {
	tests := []struct {
		name string
		edit func(*testing.T, *Document)
		want string
	}{
		{
			name: "append",
			edit: func(t *testing.T, d *Document) {
				mustInsert(t, d, 0, "hello")
				mustInsert(t, d, 5, " world")
			},
			want: "hello world",
		},
		{
			name: "insert in the middle",
			edit: func(t *testing.T, d *Document) {
				mustInsert(t, d, 0, "fun main")
				mustInsert(t, d, 3, "c")
			},
			want: "func main",
		},
		{
			name: "delete range",
			edit: func(t *testing.T, d *Document) {
				mustInsert(t, d, 0, "abcdef")
				mustDelete(t, d, 1, 3)
			},
			want: "aef",
		},
		{
			name: "insert next to tombstones",
			edit: func(t *testing.T, d *Document) {
				mustInsert(t, d, 0, "abc")
				mustDelete(t, d, 1, 1)
				mustInsert(t, d, 1, "X")
			},
			want: "aXc",
		},
		{
			name: "multibyte runes",
			edit: func(t *testing.T, d *Document) {
				mustInsert(t, d, 0, "héllo 世界")
				mustDelete(t, d, 1, 1)
			},
			want: "hllo 世界",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDocument(1)
			tt.edit(t, d)
			assert.Equal(t, tt.want, d.Text())
			assert.Equal(t, len([]rune(tt.want)), d.Len())
		})
	}
}

func TestDocument_OutOfRange(t *testing.T) {
	d := NewDocument(1)
	mustInsert(t, d, 0, "abc")

	_, err := d.LocalInsert(4, "x")
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = d.LocalInsert(-1, "x")
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = d.LocalDelete(2, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)

	assert.Equal(t, "abc", d.Text())
}

func TestDocument_ConcurrentInsertsConverge(t *testing.T) {
	a := NewDocument(1)
	b := NewDocument(2)

	ua := mustInsert(t, a, 0, "foo")
	ub := mustInsert(t, b, 0, "bar")

	mustApply(t, a, ub)
	mustApply(t, b, ua)

	assert.Equal(t, a.Text(), b.Text())
	assert.Contains(t, []string{"foobar", "barfoo"}, a.Text())
	// the lower replica id sorts first
	assert.Equal(t, "foobar", a.Text())
}

func TestDocument_ConcurrentDeleteOfSameCharacter(t *testing.T) {
	a := NewDocument(1)
	b := NewDocument(2)
	mustApply(t, b, mustInsert(t, a, 0, "abc"))

	da := mustDelete(t, a, 1, 1)
	db := mustDelete(t, b, 1, 1)

	_, err := a.ApplyUpdate(db)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(da)
	require.NoError(t, err)

	assert.Equal(t, "ac", a.Text())
	assert.Equal(t, "ac", b.Text())
}

func TestDocument_Idempotent(t *testing.T) {
	a := NewDocument(1)
	u := mustInsert(t, a, 0, "hello")
	u2 := mustDelete(t, a, 0, 1)

	b := NewDocument(2)
	assert.NotNil(t, mustApply(t, b, u))
	assert.Nil(t, mustApply(t, b, u))
	assert.NotNil(t, mustApply(t, b, u2))
	assert.Nil(t, mustApply(t, b, u2))

	assert.Equal(t, "ello", b.Text())
	assert.Equal(t, a.StateVector(), b.StateVector())
}

func TestDocument_Commutative(t *testing.T) {
	base := NewDocument(9)
	seed := mustInsert(t, base, 0, "package main")

	a := NewDocument(1)
	b := NewDocument(2)
	mustApply(t, a, seed)
	mustApply(t, b, seed)
	d1 := mustInsert(t, a, 7, "X")
	d2 := mustDelete(t, b, 0, 8)

	left := NewDocument(3)
	mustApply(t, left, seed)
	mustApply(t, left, d1)
	mustApply(t, left, d2)

	right := NewDocument(4)
	mustApply(t, right, seed)
	mustApply(t, right, d2)
	mustApply(t, right, d1)

	assert.Equal(t, left.Text(), right.Text())
	assert.Equal(t, "Xmain", left.Text())
}

func TestDocument_OutOfOrderDelivery(t *testing.T) {
	a := NewDocument(1)
	ins := mustInsert(t, a, 0, "xyz")
	del := mustDelete(t, a, 1, 1)

	b := NewDocument(2)
	// the tombstone arrives before the insert it targets
	assert.NotNil(t, mustApply(t, b, del))
	assert.Equal(t, "", b.Text())
	assert.Equal(t, 1, b.PendingLen())
	assert.Empty(t, b.StateVector())

	mustApply(t, b, ins)
	assert.Equal(t, "xz", b.Text())
	assert.Equal(t, 0, b.PendingLen())
	assert.Equal(t, a.StateVector(), b.StateVector())
}

func TestDocument_GenerateUpdateSinceStateVector(t *testing.T) {
	a := NewDocument(1)
	b := NewDocument(2)
	mustApply(t, b, mustInsert(t, a, 0, "abc"))

	sv := b.StateVector()
	mustInsert(t, a, 3, "def")

	delta := a.GenerateUpdate(sv)
	ops, err := DecodeUpdate(delta)
	require.NoError(t, err)
	assert.Len(t, ops, 3)
	for _, op := range ops {
		assert.Greater(t, op.ID.Counter, sv[1])
	}

	mustApply(t, b, delta)
	assert.Equal(t, "abcdef", b.Text())

	empty, err := DecodeUpdate(a.GenerateUpdate(a.StateVector()))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDocument_FullStateRoundTrip(t *testing.T) {
	a := NewDocument(1)
	mustInsert(t, a, 0, "func main() {}")
	mustDelete(t, a, 4, 5)
	mustInsert(t, a, 4, " run")

	fresh := NewDocument(7)
	mustApply(t, fresh, a.GenerateUpdate(StateVector{}))
	assert.Equal(t, a.Text(), fresh.Text())
	assert.Equal(t, a.StateVector(), fresh.StateVector())

	again := NewDocument(8)
	mustApply(t, again, fresh.EncodeFullState())
	assert.Equal(t, a.Text(), again.Text())
}

func TestDocument_RejectsMalformedUpdate(t *testing.T) {
	d := NewDocument(1)
	mustInsert(t, d, 0, "keep")
	valid := NewDocument(2)
	good := mustInsert(t, valid, 0, "zz")

	tests := []struct {
		name   string
		update []byte
	}{
		{name: "empty", update: nil},
		{name: "unknown format", update: []byte{9, 0}},
		{name: "truncated", update: good[:len(good)-2]},
		{name: "trailing bytes", update: append(append([]byte{}, good...), 0)},
		{name: "count larger than payload", update: []byte{1, 100, 0}},
		{name: "zero id", update: EncodeUpdate([]Op{{Kind: KindInsert, Value: 'a'}})},
		{name: "unknown kind", update: []byte{1, 1, 7, 1, 1, 0, 0, 0, 0}},
		{name: "self reference", update: EncodeUpdate([]Op{{Kind: KindInsert, ID: ID{3, 1}, Left: ID{3, 1}, Value: 'a'}})},
		{name: "tombstone without target", update: EncodeUpdate([]Op{{Kind: KindTombstone, ID: ID{3, 1}}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.ApplyUpdate(tt.update)
			assert.ErrorIs(t, err, ErrMalformedUpdate)
			assert.Equal(t, "keep", d.Text())
			assert.Equal(t, 0, d.PendingLen())
		})
	}
}

func TestDocument_StateVectorCodec(t *testing.T) {
	sv := StateVector{1: 10, 42: 3, 7: 1}
	got, err := DecodeStateVector(EncodeStateVector(sv))
	require.NoError(t, err)
	assert.Equal(t, sv, got)

	_, err = DecodeStateVector([]byte{5, 1})
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

// Replicas exchange randomly generated edits in shuffled and duplicated
// order; every replica must end with the same text.
func TestDocument_RandomizedConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const replicas = 4

	docs := make([]*Document, replicas)
	for i := range docs {
		docs[i] = NewDocument(uint64(i + 1))
	}

	var updates [][]byte
	for round := 0; round < 30; round++ {
		for _, d := range docs {
			n := d.Len()
			var u []byte
			var err error
			if n > 0 && rng.Intn(3) == 0 {
				pos := rng.Intn(n)
				u, err = d.LocalDelete(pos, 1+rng.Intn(min(3, n-pos)))
			} else {
				u, err = d.LocalInsert(rng.Intn(n+1), string(rune('a'+rng.Intn(26))))
			}
			require.NoError(t, err)
			updates = append(updates, u)
		}
		// deliver a random subset so replicas stay partly concurrent
		for _, d := range docs {
			for k := 0; k < 3; k++ {
				_, err := d.ApplyUpdate(updates[rng.Intn(len(updates))])
				require.NoError(t, err)
			}
		}
	}

	for _, d := range docs {
		order := rng.Perm(len(updates))
		for _, i := range order {
			_, err := d.ApplyUpdate(updates[i])
			require.NoError(t, err)
		}
	}

	want := docs[0].Text()
	for i, d := range docs {
		assert.Equal(t, want, d.Text(), "replica %d\n%s", i+1, d.Dump())
		assert.Equal(t, 0, d.PendingLen())
		assert.Equal(t, docs[0].StateVector(), d.StateVector())
	}
}

func TestDocument_LoadsLargeInterleavedDocument(t *testing.T) {
	a := NewDocument(1)
	b := NewDocument(2)
	for turn := 0; turn < 400; turn++ {
		chunk := strings.Repeat(string(rune('a'+turn%26)), 50)
		src, dst := a, b
		if turn%2 == 1 {
			src, dst = b, a
		}
		mustApply(t, dst, mustInsert(t, src, src.Len(), chunk))
	}
	require.Equal(t, 20000, a.Len())
	require.Equal(t, a.Text(), b.Text())

	ops, err := DecodeUpdate(a.EncodeFullState())
	require.NoError(t, err)
	slices.Reverse(ops)

	tests := []struct {
		name   string
		update []byte
	}{
		{name: "causal order", update: a.EncodeFullState()},
		{name: "reverse order", update: EncodeUpdate(ops)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDocument(3)
			start := time.Now()
			mustApply(t, d, tt.update)

			assert.Less(t, time.Since(start), 5*time.Second)
			assert.Equal(t, a.Text(), d.Text())
			assert.Equal(t, 0, d.PendingLen())
			assert.Equal(t, a.StateVector(), d.StateVector())
		})
	}
}
