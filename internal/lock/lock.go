package lock

import (
	"context"
	"fmt"
	"time"

	"flashmart/internal/domain"
	"flashmart/internal/log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock key only when it still holds our
// token, so an expired-and-reacquired lock is never released by the
// previous holder.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// Executor serializes read-modify-write sequences on a single
// aggregate via a Redis mutex keyed by entity id. Acquisition waits at
// most wait; a timeout is surfaced as domain.ErrLockTimeout, which
// callers treat as retryable, not as business rejection.
type Executor struct {
	rdb      *redis.Client
	wait     time.Duration
	lease    time.Duration
	pollStep time.Duration
	logger   *log.Logger
}

func NewExecutor(rdb *redis.Client, wait, lease, pollStep time.Duration, logger *log.Logger) *Executor {
	return &Executor{rdb: rdb, wait: wait, lease: lease, pollStep: pollStep, logger: logger}
}

// WithLock runs fn while holding the named lock. fn's error is
// returned as-is; exactly one durable write should happen per
// successful call.
func (e *Executor) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()

	acquired, err := e.acquire(ctx, key, token)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: %s", domain.ErrLockTimeout, key)
	}
	defer e.release(key, token)

	return fn(ctx)
}

func (e *Executor) acquire(ctx context.Context, key, token string) (bool, error) {
	deadline := time.Now().Add(e.wait)
	for {
		ok, err := e.rdb.SetNX(ctx, key, token, e.lease).Result()
		if err != nil {
			return false, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(e.pollStep):
		}
	}
}

func (e *Executor) release(key, token string) {
	// The caller's context may already be cancelled; releasing must
	// still go through or the lock holds until lease expiry.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, e.rdb, []string{key}, token).Err(); err != nil && err != redis.Nil {
		e.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
	}
}

func CouponKey(couponID int64) string {
	return fmt.Sprintf("lock:coupon:%d", couponID)
}

func UserCouponKey(userCouponID int64) string {
	return fmt.Sprintf("lock:usercoupon:%d", userCouponID)
}

func ProductKey(productID int64) string {
	return fmt.Sprintf("lock:product:%d", productID)
}

func OrderKey(orderID int64) string {
	return fmt.Sprintf("lock:order:%d", orderID)
}
