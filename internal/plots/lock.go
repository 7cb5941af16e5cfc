package plots

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix      = "plots:lock:"
	lockRetryInterval  = 25 * time.Millisecond
	defaultLockTTL     = 30 * time.Second
	defaultLockWaitFor = 5 * time.Second
)

// releaseScript deletes the lock only when it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX keys shared by every worker.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker constructs a Redis backed locker. Zero durations fall back to
// defaults.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if wait <= 0 {
		wait = defaultLockWaitFor
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait}
}

// Lock blocks until the plot's lock is held, the wait elapses or ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, plotID int64) (func(context.Context) error, error) {
	key := fmt.Sprintf("%s%d", lockKeyPrefix, plotID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func(ctx context.Context) error {
				return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// LocalLocker implements Locker for a single process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[int64]chan struct{}
	wait  time.Duration
}

// NewLocalLocker constructs an in-process locker.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	if wait <= 0 {
		wait = defaultLockWaitFor
	}
	return &LocalLocker{slots: make(map[int64]chan struct{}), wait: wait}
}

func (l *LocalLocker) slot(plotID int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[plotID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[plotID] = ch
	}
	return ch
}

// Lock blocks until the plot's lock is held, the wait elapses or ctx ends.
func (l *LocalLocker) Lock(ctx context.Context, plotID int64) (func(context.Context) error, error) {
	slot := l.slot(plotID)
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func(context.Context) error {
			once.Do(func() { <-slot })
			return nil
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrLockTimeout
	}
}
