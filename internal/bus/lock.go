package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// PlanLock is a best-effort advisory lock serializing execution of one plan
// across consumers. It reduces duplicate work; correctness still rests on the
// database uniqueness constraints.
type PlanLock struct {
	rdb   *redis.Client
	key   string
	token string
}

// AcquirePlanLock tries SET NX PX on lock:plan:{idempotencyKey}. Returns nil
// when another holder has the lock.
func (b *Broker) AcquirePlanLock(ctx context.Context, idempotencyKey string, ttl time.Duration) (*PlanLock, error) {
	key := fmt.Sprintf("lock:plan:%s", idempotencyKey)
	token := uuid.NewString()
	ok, err := b.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &PlanLock{rdb: b.rdb, key: key, token: token}, nil
}

// Release frees the lock if this holder still owns it. An expired or stolen
// lock releases as a no-op.
func (l *PlanLock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
