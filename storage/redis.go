package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeNonceScript deletes the hash only while it holds the expected nonce and
// has not expired; ARGV[2] is now in unix milliseconds
var takeNonceScript = redis.NewScript(`
local n = redis.call('HGET', KEYS[1], 'nonce')
if n == ARGV[1] then
  local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
  if exp and exp > tonumber(ARGV[2]) then
    return redis.call('DEL', KEYS[1])
  end
end
return 0
`)

// deleteExpiredScript is the inverse check of takeNonceScript
var deleteExpiredScript = redis.NewScript(`
local n = redis.call('HGET', KEYS[1], 'nonce')
if n == ARGV[1] then
  local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
  if exp and exp <= tonumber(ARGV[2]) then
    return redis.call('DEL', KEYS[1])
  end
end
return 0
`)

// RedisStorage keeps nonces and cached responses in Redis
type RedisStorage struct {
	client *redis.Client
	prefix string
}

func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "tgbot:"
	}
	return &RedisStorage{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStorage) nonceKey(userId int64) string {
	return s.prefix + "nonce:" + strconv.FormatInt(userId, 10)
}

func (s *RedisStorage) cacheKey(key string) string {
	return s.prefix + "cache:" + key
}

func (s *RedisStorage) SaveNonce(ctx context.Context, rec *NonceRecord) error {
	key := s.nonceKey(rec.UserId)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, map[string]interface{}{
			"nonce":      rec.Nonce,
			"wallet":     rec.Wallet,
			"issued_at":  rec.IssuedAt.UnixMilli(),
			"expires_at": rec.ExpiresAt.UnixMilli(),
		})
		pipe.PExpireAt(ctx, key, rec.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving nonce: %w", err)
	}
	return nil
}

func (s *RedisStorage) GetNonce(ctx context.Context, userId int64) (*NonceRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.nonceKey(userId)).Result()
	if err != nil {
		return nil, fmt.Errorf("finding nonce: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	issuedAt, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decoding issued_at: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decoding expires_at: %w", err)
	}
	return &NonceRecord{
		UserId:    userId,
		Nonce:     fields["nonce"],
		Wallet:    fields["wallet"],
		IssuedAt:  time.UnixMilli(issuedAt),
		ExpiresAt: time.UnixMilli(expiresAt),
	}, nil
}

func (s *RedisStorage) DeleteNonce(ctx context.Context, userId int64) error {
	return s.client.Del(ctx, s.nonceKey(userId)).Err()
}

func (s *RedisStorage) DeleteExpiredNonce(ctx context.Context, userId int64, nonce string, now time.Time) error {
	err := deleteExpiredScript.Run(ctx, s.client, []string{s.nonceKey(userId)}, nonce, now.UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("deleting expired nonce: %w", err)
	}
	return nil
}

func (s *RedisStorage) TakeNonce(ctx context.Context, userId int64, nonce string, now time.Time) (bool, error) {
	deleted, err := takeNonceScript.Run(ctx, s.client, []string{s.nonceKey(userId)}, nonce, now.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("taking nonce: %w", err)
	}
	return deleted == 1, nil
}

func (s *RedisStorage) GetCached(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.cacheKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("finding cached: %w", err)
	}
	return value, true, nil
}

func (s *RedisStorage) PutCached(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.cacheKey(key), value, ttl).Err()
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
