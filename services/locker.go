package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/yeremiapane/receipt-engine/models"
)

var ErrLockNotObtained = errors.New("could not obtain owner lock")

// Locker serializes mutations of one owner's receipts.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func ownerLockKey(ref models.OwnerRef) string {
	return fmt.Sprintf("receipt:%s:%s", ref.Type, ref.ID)
}

// LocalLocker is an in-process keyed mutex for single-instance deployments.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, lk, false)
		return nil, fmt.Errorf("%w: %v", ErrLockNotObtained, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, lk, true) })
	}, nil
}

func (l *LocalLocker) release(key string, lk *localLock, held bool) {
	if held {
		<-lk.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}

// RedisLocker shares owner locks between instances.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), int(ttl/(50*time.Millisecond))),
	}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := r.client.Obtain(ctx, "lock:"+key, r.ttl, &redislock.Options{RetryStrategy: r.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	} else if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}
	return func() {
		// A fresh context: the caller's may already be cancelled.
		_ = lock.Release(context.Background())
	}, nil
}
