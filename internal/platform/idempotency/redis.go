package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "pos:idem:"

// reserveScript creates the record when absent and returns
// {created, fingerprint, status, response, created_at}.
var reserveScript = redis.NewScript(`
local created = 0
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'fingerprint', ARGV[1], 'status', 'pending', 'created_at', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  created = 1
end
local fields = redis.call('HMGET', KEYS[1], 'fingerprint', 'status', 'response', 'created_at')
return {created, fields[1], fields[2], fields[3], fields[4]}
`)

// saveScript stores the response unless another fingerprint owns the key.
var saveScript = redis.NewScript(`
local fp = redis.call('HGET', KEYS[1], 'fingerprint')
if fp and fp ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'fingerprint', ARGV[1], 'status', 'completed', 'response', ARGV[2])
if not fp then
  redis.call('HSET', KEYS[1], 'created_at', ARGV[3])
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'fingerprint') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore shares idempotency records between API replicas. Expiry is delegated to Redis.
type RedisStore struct {
	client redis.Scripter
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.Scripter) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	return &RedisStore{client: client}, nil
}

type storedResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	raw, err := reserveScript.Run(ctx, s.client, []string{redisKey(key)},
		fingerprint, now.UnixMilli(), ttl.Milliseconds()).Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if len(raw) != 5 {
		return Reservation{}, fmt.Errorf("idempotency: reserve: unexpected reply length %d", len(raw))
	}

	record := Record{
		Key:         key,
		Fingerprint: replyString(raw[1]),
		Status:      Status(replyString(raw[2])),
		ExpiresAt:   now.Add(ttl),
	}
	if ms, err := strconv.ParseInt(replyString(raw[4]), 10, 64); err == nil {
		record.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if created, _ := raw[0].(int64); created == 1 {
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}
	if record.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if record.Status != StatusCompleted {
		return Reservation{State: ReservationStatePending, Record: record}, nil
	}

	var resp storedResponse
	if err := json.Unmarshal([]byte(replyString(raw[3])), &resp); err != nil {
		return Reservation{}, fmt.Errorf("idempotency: decode stored response: %w", err)
	}
	record.ResponseStatus = resp.Status
	record.ResponseHeaders = resp.Headers
	record.ResponseBody = resp.Body
	return Reservation{State: ReservationStateCompleted, Record: record}, nil
}

func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	payload, err := json.Marshal(storedResponse{
		Status:  resp.Status,
		Headers: sanitizeHeaders(resp.Headers),
		Body:    resp.Body,
	})
	if err != nil {
		return fmt.Errorf("idempotency: encode response: %w", err)
	}
	ok, err := saveScript.Run(ctx, s.client, []string{redisKey(key)},
		fingerprint, payload, now.UTC().UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("idempotency: save response: %w", err)
	}
	if ok == 0 {
		return ErrFingerprintMismatch
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	if err := releaseScript.Run(ctx, s.client, []string{redisKey(key)}, fingerprint).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

// CleanupExpired is a no-op; keys carry a PEXPIRE.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func redisKey(key string) string {
	return redisKeyPrefix + compositeKey(key)
}

func replyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}
