package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Options struct {
	Driver      string
	BoltPath    string
	MongoURI    string
	MongoDB     string
	PostgresURL string
	RedisAddr   string
	// ConnectRetries bounds how often an unreachable store is pinged.
	ConnectRetries uint64
}

// Open builds the configured store and waits, with exponential backoff,
// until it answers a ping. Schema setup runs once the store is reachable.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		store Store
		setup func(context.Context) error
		err   error
	)
	switch opts.Driver {
	case DriverMemory:
		store = NewMemoryStore()
	case DriverBolt:
		store, err = OpenBolt(opts.BoltPath)
	case DriverMongo:
		var m *MongoStore
		m, err = OpenMongo(ctx, opts.MongoURI, opts.MongoDB)
		store, setup = m, func(ctx context.Context) error { return m.EnsureIndexes(ctx) }
	case DriverPostgres:
		var p *PostgresStore
		p, err = OpenPostgres(ctx, opts.PostgresURL)
		store, setup = p, func(ctx context.Context) error { return p.Migrate(ctx) }
	case DriverRedis:
		store = OpenRedis(opts.RedisAddr)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), opts.ConnectRetries), ctx)
	err = backoff.Retry(func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pctx); err != nil {
			slog.Warn("snapshot store not ready", "driver", opts.Driver, "error", err)
			return err
		}
		return nil
	}, policy)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("reach %s store: %w", opts.Driver, err)
	}

	if setup != nil {
		if err := setup(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	slog.Info("snapshot store ready", "driver", opts.Driver)
	return store, nil
}
