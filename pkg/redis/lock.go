package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/metrics"
)

var (
	// ErrLockNotAcquired is returned when a lock cannot be acquired
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when trying to release a lock not held
	ErrLockNotHeld = errors.New("lock not held")
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Lock is one held lock. The value identifies the holder so only it can release.
type Lock struct {
	rdb    redis.Scripter
	logger ectologger.Logger
	key    string
	value  string
	ttl    time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Locker hands out distributed locks
type Locker struct {
	rdb       redis.Cmdable
	logger    ectologger.Logger
	keyPrefix string
}

// NewLocker creates a Locker on the client's connection
func NewLocker(client *Client, keyPrefix string) *Locker {
	return newLocker(client.rdb, client.logger, keyPrefix)
}

func newLocker(rdb redis.Cmdable, logger ectologger.Logger, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = "fern:lock:"
	}
	return &Locker{rdb: rdb, logger: logger, keyPrefix: keyPrefix}
}

// Key returns the redis key guarding name
func (l *Locker) Key(name string) string {
	return l.keyPrefix + name
}

// Acquire takes the lock with SET NX or fails with ErrLockNotAcquired
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	defer metrics.ObserveRedis("lock_acquire", time.Now())

	key := l.Key(name)
	value := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	l.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)
	return &Lock{rdb: l.rdb, logger: l.logger, key: key, value: value, ttl: ttl}, nil
}

// Hold acquires the lock and keeps extending it until Release. A run can
// outlive any fixed TTL, so the holder refreshes it at a third of the TTL.
func (l *Locker) Hold(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	lock, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return nil, err
	}

	lock.stop = make(chan struct{})
	lock.done = make(chan struct{})
	go lock.keepAlive(context.WithoutCancel(ctx))
	return lock, nil
}

func (lock *Lock) keepAlive(ctx context.Context) {
	defer close(lock.done)

	ticker := time.NewTicker(max(lock.ttl/3, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-lock.stop:
			return
		case <-ticker.C:
			if err := lock.Extend(ctx, lock.ttl); err != nil {
				lock.logger.WithContext(ctx).WithError(err).WithField("key", lock.key).Warn("Failed to extend lock")
				if errors.Is(err, ErrLockNotHeld) {
					return
				}
			}
		}
	}
}

// Key returns the redis key of the lock
func (lock *Lock) Key() string {
	return lock.key
}

// Release stops any keepalive and deletes the lock if this holder still owns it
func (lock *Lock) Release(ctx context.Context) error {
	if lock.stop != nil {
		lock.stopOnce.Do(func() { close(lock.stop) })
		<-lock.done
	}

	defer metrics.ObserveRedis("lock_release", time.Now())
	result, err := releaseScript.Run(ctx, lock.rdb, []string{lock.key}, lock.value).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}

	lock.logger.WithContext(ctx).Debugf("Released lock: %s", lock.key)
	return nil
}

// Extend resets the lock's TTL if this holder still owns it
func (lock *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := extendScript.Run(ctx, lock.rdb, []string{lock.key}, lock.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}
