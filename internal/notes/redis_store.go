package notes

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultRedisKeyPrefix = "vanish:"

var errMissingRedisClient = errors.New("redis client is required")

type redisRecord struct {
	Code      string    `json:"code"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisStore persists notes as JSON values whose key TTL matches the note expiry.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	clock     func() time.Time
}

// RedisStoreConfig describes the dependencies of a RedisStore.
type RedisStoreConfig struct {
	Client    *redis.Client
	KeyPrefix string
	Clock     func() time.Time
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RedisStore{client: cfg.Client, keyPrefix: prefix, clock: clock}, nil
}

func (s *RedisStore) key(code Code) string {
	return s.keyPrefix + "note:" + code.String()
}

func (s *RedisStore) Insert(ctx context.Context, note Note) (InsertResult, error) {
	ttl := note.ExpiresAt.Sub(s.clock())
	if ttl <= 0 {
		return InsertFailed, errors.New("note already expired")
	}
	payload, err := json.Marshal(redisRecord{
		Code:      note.Code,
		Content:   note.Content,
		CreatedAt: note.CreatedAt.UTC(),
		ExpiresAt: note.ExpiresAt.UTC(),
	})
	if err != nil {
		return InsertFailed, err
	}
	stored, err := s.client.SetNX(ctx, s.key(Code(note.Code)), payload, ttl).Result()
	if err != nil {
		return InsertFailed, err
	}
	if !stored {
		return InsertCollision, nil
	}
	return Inserted, nil
}

func (s *RedisStore) SelectOne(ctx context.Context, code Code) (Note, bool, error) {
	payload, err := s.client.Get(ctx, s.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Note{}, false, nil
	}
	if err != nil {
		return Note{}, false, err
	}
	note, err := decodeRedisRecord(payload)
	if err != nil {
		return Note{}, false, err
	}
	return note, true, nil
}

// Delete inspects and removes the key inside a WATCH transaction so the guards
// in filter are evaluated against the value actually removed.
func (s *RedisStore) Delete(ctx context.Context, filter DeleteFilter) (bool, error) {
	key := s.key(filter.Code)
	deleted := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		note, err := decodeRedisRecord(payload)
		if err != nil {
			return err
		}
		if !filter.matches(note) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, key)
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// DeleteExpired is a no-op: Redis evicts keys when their TTL elapses.
func (s *RedisStore) DeleteExpired(_ context.Context, _ time.Time) ([]string, error) {
	return nil, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeRedisRecord(payload []byte) (Note, error) {
	var record redisRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return Note{}, err
	}
	return Note{
		Code:      record.Code,
		Content:   record.Content,
		CreatedAt: record.CreatedAt.UTC(),
		ExpiresAt: record.ExpiresAt.UTC(),
	}, nil
}
