package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrLockNotAcquired возвращается, если блокировку не удалось взять за отведённое время
var ErrLockNotAcquired = errors.New("lock not acquired")

const lockRetryInterval = 25 * time.Millisecond

// releaseScript удаляет ключ только если он всё ещё принадлежит владельцу токена.
var releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Lock берёт распределённую блокировку SET NX PX, повторяя попытки до истечения wait.
// Возвращённая функция снимает блокировку; её безопасно вызывать после истечения TTL.
func (c *Client) Lock(ctx context.Context, key string, ttl, wait time.Duration) (func(), error) {
	lockKey := GenerateKey(KeyPrefixLock, key)
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := c.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%s: %w", lockKey, ErrLockNotAcquired)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}

	release := func() {
		// контекст запроса мог уже отмениться
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.client.Eval(releaseCtx, releaseScript, []string{lockKey}, token).Err(); err != nil {
			c.log.WithError(err).WithField("key", lockKey).Warn("failed to release lock")
		}
	}
	return release, nil
}
