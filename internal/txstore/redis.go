package txstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "relay:tx:"
	// maxWatchRetries bounds optimistic-lock retries when two writers race on a key.
	maxWatchRetries = 5
)

// RedisStore keeps each record as a JSON string. Durability across restarts
// depends on the server running with appendonly enabled.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects using a redis:// URL.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("redis url is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func redisKey(txID string) string {
	return redisKeyPrefix + txID
}

func decodeRedisRecord(blob []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) Get(ctx context.Context, txID string) (*Record, error) {
	blob, err := r.client.Get(ctx, redisKey(txID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRedisRecord(blob)
}

// Put checks the transition against the current value under WATCH and writes
// with MULTI/EXEC, retrying if another writer got there first.
func (r *RedisStore) Put(ctx context.Context, txID string, rec Record) error {
	key := redisKey(txID)
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	txf := func(tx *redis.Tx) error {
		var prev *Record
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if prev, err = decodeRedisRecord(current); err != nil {
				return err
			}
		}
		if err := CheckTransition(prev, rec); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, blob, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("put %s: too much contention", txID)
}
