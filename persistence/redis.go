package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore indexes a room's snapshots in a sorted set scored by creation
// time and keeps the encoded states in a hash next to it.
type RedisStore struct {
	rdb *redis.Client
}

func OpenRedis(addr string) *RedisStore {
	return &RedisStore{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

func indexKey(roomID string) string { return fmt.Sprintf("snapshots:%s", roomID) }
func dataKey(roomID string) string  { return fmt.Sprintf("snapshots:%s:data", roomID) }

func (r *RedisStore) Append(ctx context.Context, s Snapshot) error {
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, dataKey(s.RoomID), s.ID, s.State)
	pipe.ZAdd(ctx, indexKey(s.RoomID), redis.Z{Score: float64(s.CreatedAt.UnixMicro()), Member: s.ID})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Latest(ctx context.Context, roomID string) (Snapshot, error) {
	newest, err := r.rdb.ZRevRangeWithScores(ctx, indexKey(roomID), 0, 0).Result()
	if err != nil {
		return Snapshot{}, err
	}
	if len(newest) == 0 {
		return Snapshot{}, ErrNoSnapshot
	}
	id, _ := newest[0].Member.(string)
	state, err := r.rdb.HGet(ctx, dataKey(roomID), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ID:        id,
		RoomID:    roomID,
		State:     state,
		CreatedAt: time.UnixMicro(int64(newest[0].Score)).UTC(),
	}, nil
}

func (r *RedisStore) Prune(ctx context.Context, roomID string, keep int) error {
	stale, err := r.rdb.ZRange(ctx, indexKey(roomID), 0, int64(-keep-1)).Result()
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	members := make([]interface{}, len(stale))
	for i, id := range stale {
		members[i] = id
	}
	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, indexKey(roomID), members...)
	pipe.HDel(ctx, dataKey(roomID), stale...)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
