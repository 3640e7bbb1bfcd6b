// Package locks serialises writes to one order. LocalLocker covers a single process; RedisLocker
// extends the guarantee across replicas.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when the lock stays held for longer than the configured wait.
var ErrLockTimeout = errors.New("locks: timed out waiting for lock")

const defaultWait = 2 * time.Second

// LocalLocker hands out in-process mutual exclusion per key.
type LocalLocker struct {
	wait time.Duration

	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewLocalLocker returns a locker that waits at most wait for a busy key. Zero waits the default.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	if wait <= 0 {
		wait = defaultWait
	}
	return &LocalLocker{wait: wait, held: make(map[string]chan struct{})}
}

// Acquire blocks until key is free, ctx ends or the wait elapses. release is idempotent.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	for {
		l.mu.Lock()
		busy, ok := l.held[key]
		if !ok {
			done := make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrLockTimeout
		}
	}
}
