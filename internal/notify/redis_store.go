package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisRecordPrefix = "notify:msg:"
	redisBridgePrefix = "notify:bridge:"
)

// RedisStore externalizes tracker state so several engine instances agree on
// what has already been announced.
type RedisStore struct {
	rdb       *redis.Client
	recordTTL time.Duration
}

func NewRedisStore(rdb *redis.Client, recordTTL time.Duration) *RedisStore {
	if recordTTL <= 0 {
		recordTTL = 4 * time.Hour
	}
	return &RedisStore{rdb: rdb, recordTTL: recordTTL}
}

func redisRecordKey(key, channel string) string {
	return redisRecordPrefix + channel + "|" + key
}

func (s *RedisStore) Get(ctx context.Context, key, channel string) (Record, bool, error) {
	raw, err := s.rdb.Get(ctx, redisRecordKey(key, channel)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, redisRecordKey(rec.GroupingKey, rec.Channel), raw, s.recordTTL).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key, channel string) error {
	return s.rdb.Del(ctx, redisRecordKey(key, channel)).Err()
}

// ClaimBridge relies on SET NX for the at-most-once property under
// concurrent dispatch from multiple instances.
func (s *RedisStore) ClaimBridge(ctx context.Context, bridgeID string, window time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, redisBridgePrefix+bridgeID, time.Now().Unix(), window).Result()
}
