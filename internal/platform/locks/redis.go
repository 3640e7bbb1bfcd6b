package locks

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisKeyPrefix     = "pos:lock:"
	defaultTTL         = 10 * time.Second
	defaultRetryPeriod = 25 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token, so an expired lock taken
// over by another replica is never released by the previous owner.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisClient is the subset of go-redis used by RedisLocker.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLockerConfig configures RedisLocker.
type RedisLockerConfig struct {
	Client RedisClient
	// TTL bounds how long a crashed holder blocks the order.
	TTL         time.Duration
	Wait        time.Duration
	RetryPeriod time.Duration
	Logger      *zap.Logger
}

// RedisLocker implements a single-instance Redis lock with SET NX PX and a token-checked release.
type RedisLocker struct {
	client      RedisClient
	ttl         time.Duration
	wait        time.Duration
	retryPeriod time.Duration
	logger      *zap.Logger

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

func NewRedisLocker(cfg RedisLockerConfig) (*RedisLocker, error) {
	if cfg.Client == nil {
		return nil, errors.New("locks: redis client is required")
	}
	l := &RedisLocker{
		client:      cfg.Client,
		ttl:         cfg.TTL,
		wait:        cfg.Wait,
		retryPeriod: cfg.RetryPeriod,
		logger:      cfg.Logger,
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
	if l.ttl <= 0 {
		l.ttl = defaultTTL
	}
	if l.wait <= 0 {
		l.wait = defaultWait
	}
	if l.retryPeriod <= 0 {
		l.retryPeriod = defaultRetryPeriod
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l, nil
}

// Acquire polls SET NX until it wins, ctx ends or the wait elapses.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := redisKeyPrefix + key
	token := l.newToken()
	deadline := time.Now().Add(l.wait)

	ticker := time.NewTicker(l.retryPeriod)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("locks: acquire %s: %w", key, err)
		}
		if ok {
			return l.releaser(redisKey, token), nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) releaser(redisKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled; release on a short detached one.
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("locks: release failed", zap.String("key", redisKey), zap.Error(err))
			}
		})
	}
}

func (l *RedisLocker) newToken() string {
	l.entropyMu.Lock()
	defer l.entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), l.entropy).String()
}
