package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the Idempotency Store with Redis, using SET NX for the
// atomic first-reserve-wins semantics and a TTL-bearing key so expired
// reservations clean up without an operator sweep.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore constructs a Store over client. A zero ttl uses
// DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

type redisRecord struct {
	PrincipalID      string    `json:"principal_id"`
	Finalized        bool      `json:"finalized"`
	StatusCode       int       `json:"status_code"`
	ResponseSnapshot []byte    `json:"response_snapshot"`
	CreatedAt        time.Time `json:"created_at"`
}

func (s *RedisStore) Reserve(ctx context.Context, key, principalID string) (ReserveResult, error) {
	fresh := redisRecord{PrincipalID: principalID, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(fresh)
	if err != nil {
		return ReserveResult{}, err
	}

	ok, err := s.client.SetNX(ctx, redisKey(key), data, s.ttl).Result()
	if err != nil {
		return ReserveResult{}, err
	}
	if ok {
		return ReserveResult{Status: StatusNew, Record: toRecord(key, fresh)}, nil
	}

	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			// Key expired between SetNX and Get; treat as fresh.
			return s.Reserve(ctx, key, principalID)
		}
		return ReserveResult{}, err
	}

	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ReserveResult{}, err
	}
	if rec.PrincipalID != principalID {
		return ReserveResult{}, ErrConflict
	}
	if rec.Finalized {
		return ReserveResult{Status: StatusFinalized, Record: toRecord(key, rec)}, nil
	}
	return ReserveResult{Status: StatusPending, Record: toRecord(key, rec)}, nil
}

func (s *RedisStore) Finalize(ctx context.Context, key string, statusCode int, response []byte) error {
	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		return err
	}
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return err
	}
	rec.Finalized = true
	rec.StatusCode = statusCode
	rec.ResponseSnapshot = response

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKey(key), data, redis.KeepTTL).Err()
}

func redisKey(key string) string {
	return "idempotency:" + key
}

func toRecord(key string, rec redisRecord) *Record {
	return &Record{
		Key:              key,
		PrincipalID:      rec.PrincipalID,
		Finalized:        rec.Finalized,
		StatusCode:       rec.StatusCode,
		ResponseSnapshot: rec.ResponseSnapshot,
		CreatedAt:        rec.CreatedAt,
	}
}
