package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"discount-ledger/internal/redis"
)

// ErrLockBusy возвращается, если блокировку не удалось взять за время ожидания.
var ErrLockBusy = errors.New("lock is busy")

// Locker сериализует погашение одной карты.
type Locker interface {
	Lock(ctx context.Context, key string, ttl, wait time.Duration) (func(), error)
}

// RedisLocker берёт распределённую блокировку в Redis.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker создаёт блокировку поверх клиента Redis.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Lock берёт блокировку key в Redis.
func (r *RedisLocker) Lock(ctx context.Context, key string, ttl, wait time.Duration) (func(), error) {
	unlock, err := r.client.Lock(ctx, key, ttl, wait)
	if errors.Is(err, redis.ErrLockNotAcquired) {
		return nil, ErrLockBusy
	}
	return unlock, err
}

// KeyedMutex блокирует по ключу в пределах одного процесса.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewKeyedMutex создаёт пустой набор блокировок.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]chan struct{})}
}

// Lock ждёт освобождения key не дольше wait. ttl игнорируется: блокировка живёт до вызова unlock.
func (k *KeyedMutex) Lock(ctx context.Context, key string, ttl, wait time.Duration) (func(), error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		k.mu.Lock()
		held, busy := k.locks[key]
		if !busy {
			ch := make(chan struct{})
			k.locks[key] = ch
			k.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					k.mu.Lock()
					delete(k.locks, key)
					k.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		k.mu.Unlock()

		select {
		case <-held:
		case <-timer.C:
			return nil, ErrLockBusy
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
