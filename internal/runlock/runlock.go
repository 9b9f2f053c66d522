// Package runlock provides a Redis mutex so that only one instance runs a
// sync at a time.
package runlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrLockNotAcquired is returned when another holder owns the lock.
var ErrLockNotAcquired = errors.New("run lock not acquired")

// ErrLockLost is returned when the lock expired or changed hands while fn
// was running. fn's context is cancelled as soon as that is noticed.
var ErrLockLost = errors.New("run lock lost")

// Locker guards a named critical section.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

type redisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// New returns a Locker whose keys are "<prefix>:lock:<name>". While fn runs
// the lock is extended every ttl/3; it expires after ttl once the holder dies.
func New(client redis.Cmdable, prefix string, ttl time.Duration) Locker {
	if prefix == "" {
		prefix = "ident-sync"
	}
	return &redisLocker{client: client, prefix: prefix, ttl: ttl}
}

func (l *redisLocker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	key := l.prefix + ":lock:" + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return eris.Wrapf(err, "runlock: acquire %s", name)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		lost atomic.Bool
		wg   sync.WaitGroup
	)
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if !l.keepAlive(context.WithoutCancel(ctx), key, token, stop) {
			lost.Store(true)
			cancel()
		}
	}()

	err = fn(runCtx)

	close(stop)
	wg.Wait()
	// Release even when ctx was cancelled mid-run.
	if relErr := l.release(context.WithoutCancel(ctx), key, token); relErr != nil {
		zap.L().Warn("runlock: release failed", zap.String("key", key), zap.Error(relErr))
	}

	if lost.Load() {
		if err != nil && !errors.Is(err, context.Canceled) {
			zap.L().Warn("runlock: holder failed after losing the lock", zap.String("key", key), zap.Error(err))
		}
		return eris.Wrapf(ErrLockLost, "runlock: %s", name)
	}
	return err
}

// keepAlive extends the lock until stop is closed. It returns false once the
// lock is found expired or held by another token.
func (l *redisLocker) keepAlive(ctx context.Context, key, token string, stop <-chan struct{}) bool {
	interval := l.ttl / 3
	if interval <= 0 {
		<-stop
		return true
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return true
		case <-ticker.C:
			n, err := extendScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				// Transient Redis errors leave the current TTL running.
				zap.L().Warn("runlock: extend failed", zap.String("key", key), zap.Error(err))
				continue
			}
			if n == 0 {
				zap.L().Error("runlock: lock lost while running", zap.String("key", key))
				return false
			}
		}
	}
}

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return eris.Wrap(err, "runlock: release")
	}
	return nil
}
