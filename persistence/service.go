// Package persistence snapshots room documents to durable storage and loads
// them back when a room is activated.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/segmentio/ksuid"
)

var ErrNoSnapshot = errors.New("persistence: no snapshot")

// Snapshot is an immutable, encoded copy of a room's full document state.
type Snapshot struct {
	ID        string
	RoomID    string
	State     []byte
	CreatedAt time.Time
}

// Store is an append-only snapshot log keyed by room.
type Store interface {
	Append(ctx context.Context, s Snapshot) error
	// Latest returns ErrNoSnapshot when the room has none.
	Latest(ctx context.Context, roomID string) (Snapshot, error)
	// Prune deletes all but the newest keep snapshots of a room.
	Prune(ctx context.Context, roomID string, keep int) error
	Ping(ctx context.Context) error
	Close() error
}

// StateEncoder is anything that can encode its full replicated state.
type StateEncoder interface {
	EncodeFullState() []byte
}

type Config struct {
	// Keep is the number of snapshots pruning retains per room.
	Keep int
	// Retries bounds the retries of a failed append. Zero means three.
	Retries uint64
	// Timeout bounds background prunes.
	Timeout time.Duration
}

type Service struct {
	store Store
	cfg   Config
	now   func() time.Time
}

func NewService(store Store, cfg Config) *Service {
	if cfg.Keep < 1 {
		cfg.Keep = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	return &Service{store: store, cfg: cfg, now: time.Now}
}

func (s *Service) Store() Store {
	return s.store
}

// SaveSnapshot appends the document's full state as a new snapshot and prunes
// older ones in the background.
func (s *Service) SaveSnapshot(ctx context.Context, roomID string, doc StateEncoder) error {
	snap := Snapshot{
		ID:        ksuid.New().String(),
		RoomID:    roomID,
		State:     doc.EncodeFullState(),
		CreatedAt: s.now().UTC(),
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.Retries), ctx)
	err := backoff.Retry(func() error {
		return s.store.Append(ctx, snap)
	}, policy)
	if err != nil {
		return fmt.Errorf("save snapshot of room %s: %w", roomID, err)
	}
	slog.Info("snapshot saved", "room", roomID, "snapshot", snap.ID, "bytes", len(snap.State))

	go s.PruneOldSnapshots(roomID)
	return nil
}

// LoadLatestSnapshot returns the newest encoded state of a room, or nil when
// there is none or storage failed.
func (s *Service) LoadLatestSnapshot(ctx context.Context, roomID string) []byte {
	snap, err := s.store.Latest(ctx, roomID)
	if errors.Is(err, ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		slog.Error("load snapshot failed, starting empty", "room", roomID, "error", err)
		return nil
	}
	slog.Info("snapshot loaded", "room", roomID, "snapshot", snap.ID, "createdAt", snap.CreatedAt)
	return snap.State
}

// PruneOldSnapshots keeps only the configured number of snapshots of a room.
func (s *Service) PruneOldSnapshots(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	if err := s.store.Prune(ctx, roomID, s.cfg.Keep); err != nil {
		slog.Warn("prune snapshots failed", "room", roomID, "error", err)
	}
}
