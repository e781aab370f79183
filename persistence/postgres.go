package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (
		seq           BIGSERIAL PRIMARY KEY,
		id            TEXT NOT NULL UNIQUE,
		room_id       TEXT NOT NULL,
		encoded_state BYTEA NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS snapshots_room_seq ON snapshots (room_id, seq DESC)`,
}

// PostgresStore keeps snapshots in a single table ordered by a serial column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate snapshots: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) Append(ctx context.Context, s Snapshot) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO snapshots (id, room_id, encoded_state, created_at) VALUES ($1, $2, $3, $4)`,
		s.ID, s.RoomID, s.State, s.CreatedAt)
	return err
}

func (p *PostgresStore) Latest(ctx context.Context, roomID string) (Snapshot, error) {
	s := Snapshot{RoomID: roomID}
	err := p.pool.QueryRow(ctx,
		`SELECT id, encoded_state, created_at FROM snapshots WHERE room_id = $1 ORDER BY seq DESC LIMIT 1`,
		roomID).Scan(&s.ID, &s.State, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

func (p *PostgresStore) Prune(ctx context.Context, roomID string, keep int) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM snapshots WHERE room_id = $1 AND seq NOT IN (
			SELECT seq FROM snapshots WHERE room_id = $1 ORDER BY seq DESC LIMIT $2
		)`,
		roomID, keep)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
