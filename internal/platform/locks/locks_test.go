package locks

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLocalLockerSerialisesHolders(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "order:t:o")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			defer release()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxActive)
	}
}

func TestLocalLockerTimesOut(t *testing.T) {
	locker := NewLocalLocker(20 * time.Millisecond)
	release, err := locker.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	if _, err := locker.Acquire(context.Background(), "k"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	other, err := locker.Acquire(context.Background(), "other")
	if err != nil {
		t.Fatalf("independent keys must not block: %v", err)
	}
	other()
}

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := NewLocalLocker(time.Minute)
	release, _ := locker.Acquire(context.Background(), "k")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := locker.Acquire(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLocalLockerReleaseIsIdempotent(t *testing.T) {
	locker := NewLocalLocker(50 * time.Millisecond)
	first, _ := locker.Acquire(context.Background(), "k")
	first()
	second, err := locker.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	first()
	if _, err := locker.Acquire(context.Background(), "k"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("stale release must not free a newer holder, got %v", err)
	}
	second()
}

func TestNewRedisLockerRequiresClient(t *testing.T) {
	if _, err := NewRedisLocker(RedisLockerConfig{}); err == nil {
		t.Fatal("expected error without client")
	}
}

func TestRedisLockerTokensAreUnique(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	locker, err := NewRedisLocker(RedisLockerConfig{Client: client})
	if err != nil {
		t.Fatalf("NewRedisLocker: %v", err)
	}
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		token := locker.newToken()
		if seen[token] {
			t.Fatalf("duplicate token %s", token)
		}
		seen[token] = true
	}
}

// TestRedisLockerIntegration runs against a real server when POS_TEST_REDIS_ADDR is set.
func TestRedisLockerIntegration(t *testing.T) {
	addr := os.Getenv("POS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POS_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	locker, err := NewRedisLocker(RedisLockerConfig{Client: client, TTL: 2 * time.Second, Wait: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRedisLocker: %v", err)
	}
	ctx := context.Background()
	key := "test:" + locker.newToken()

	release, err := locker.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, key); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout while held, got %v", err)
	}
	release()

	again, err := locker.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	again()
}
