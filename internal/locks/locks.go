// Package locks provides the redis leadership lock that keeps a single
// scheduler instance sweeping when several replicas run. A nil Locker means
// single-instance mode; callers treat it as always-leader.
package locks

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/carebridge/carebridge/internal/config"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// SchedulerLeaderKey is the lock key the billing sweep contends on.
const SchedulerLeaderKey = "carebridge:scheduler:leader"

type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

// NewLeaderLocker builds the locker from application config; an empty redis
// address disables leadership election.
func NewLeaderLocker(cfg config.Config) *Locker {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return NewLocker(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	}))
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

var Module = fx.Module("locks",
	fx.Provide(NewLeaderLocker),
)
