package persistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"codecollab-server/wire"
)

var rootBucket = []byte("snapshots")

// BoltStore keeps one bucket per room under a root bucket. Keys are the
// bucket's sequence numbers, big-endian, so cursor order is append order.
type BoltStore struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bolt bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Append(_ context.Context, s Snapshot) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		room, err := tx.Bucket(rootBucket).CreateBucketIfNotExists([]byte(s.RoomID))
		if err != nil {
			return err
		}
		seq, err := room.NextSequence()
		if err != nil {
			return err
		}
		return room.Put(binary.BigEndian.AppendUint64(nil, seq), encodeRecord(s))
	})
}

func (b *BoltStore) Latest(_ context.Context, roomID string) (Snapshot, error) {
	var snap Snapshot
	err := b.db.View(func(tx *bolt.Tx) error {
		room := tx.Bucket(rootBucket).Bucket([]byte(roomID))
		if room == nil {
			return ErrNoSnapshot
		}
		k, v := room.Cursor().Last()
		if k == nil {
			return ErrNoSnapshot
		}
		var err error
		snap, err = decodeRecord(roomID, v)
		return err
	})
	return snap, err
}

func (b *BoltStore) Prune(_ context.Context, roomID string, keep int) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		room := tx.Bucket(rootBucket).Bucket([]byte(roomID))
		if room == nil {
			return nil
		}
		var stale [][]byte
		c := room.Cursor()
		n := 0
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			n++
			if n > keep {
				stale = append(stale, bytes.Clone(k))
			}
		}
		for _, k := range stale {
			if err := room.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStore) Ping(context.Context) error {
	return b.db.View(func(*bolt.Tx) error { return nil })
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

func encodeRecord(s Snapshot) []byte {
	e := wire.NewEncoder()
	e.WriteString(s.ID)
	e.WriteUvarint(uint64(s.CreatedAt.UnixNano()))
	e.WriteBytes(s.State)
	return e.Bytes()
}

func decodeRecord(roomID string, v []byte) (Snapshot, error) {
	d := wire.NewDecoder(v)
	id, err := d.ReadString()
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot id: %w", err)
	}
	ts, err := d.ReadUvarint()
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot time: %w", err)
	}
	state, err := d.ReadBytes()
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot state: %w", err)
	}
	return Snapshot{
		ID:        id,
		RoomID:    roomID,
		State:     bytes.Clone(state),
		CreatedAt: time.Unix(0, int64(ts)).UTC(),
	}, nil
}
