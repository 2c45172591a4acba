package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"stockledger/internal/pkg/redis"
)

const (
	claimScriptName               = "checkout_idempotency_claim"
	defaultIdempotencyTTL         = 24 * time.Hour
	defaultIdempotencyInFlightTTL = 30 * time.Second
)

// IdempotencyRedisAdapter 是 port.IdempotencyStore 接口的 Redis 实现。
// Claim 写入的进行中标记在 inFlightTTL 后失效，Confirm 之后的绑定在 ttl 后失效。
type IdempotencyRedisAdapter struct {
	redisClient *redis.Client
	inFlightTTL time.Duration
	ttl         time.Duration
}

// NewIdempotencyRedisAdapter 创建适配器并注册 Lua 脚本。ttl 不大于 0 时使用默认值。
func NewIdempotencyRedisAdapter(redisClient *redis.Client, inFlightTTL, ttl time.Duration) (*IdempotencyRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(claimScriptName, claimScript); err != nil {
		return nil, errors.Wrap(err, "failed to load idempotency script")
	}
	if inFlightTTL <= 0 {
		inFlightTTL = defaultIdempotencyInFlightTTL
	}
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &IdempotencyRedisAdapter{redisClient: redisClient, inFlightTTL: inFlightTTL, ttl: ttl}, nil
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("inventory:checkout:idem:{%s}", key)
}

// Claim 原子地读取或建立 key 的绑定
func (a *IdempotencyRedisAdapter) Claim(ctx context.Context, key, orderID string) (string, bool, error) {
	result, err := a.redisClient.RunScript(ctx, claimScriptName, []string{idempotencyKey(key)}, orderID, a.inFlightTTL.Milliseconds())
	if err != nil {
		return "", false, errors.Wrapf(err, "idempotency claim for key %s", key)
	}
	owner, ok := result.(string)
	if !ok {
		return "", false, errors.Errorf("unexpected result type from idempotency script: %T", result)
	}
	if owner == "" {
		return orderID, true, nil
	}
	return owner, false, nil
}

// Confirm 把绑定改写为长期有效
func (a *IdempotencyRedisAdapter) Confirm(ctx context.Context, key, orderID string) error {
	if err := a.redisClient.GetClient().Set(ctx, idempotencyKey(key), orderID, a.ttl).Err(); err != nil {
		return errors.Wrapf(err, "idempotency confirm for key %s", key)
	}
	return nil
}

// Release 删除绑定
func (a *IdempotencyRedisAdapter) Release(ctx context.Context, key string) error {
	if err := a.redisClient.GetClient().Del(ctx, idempotencyKey(key)).Err(); err != nil {
		return errors.Wrapf(err, "idempotency release for key %s", key)
	}
	return nil
}

// KEYS[1]: 幂等键
// ARGV[1]: 本次请求的 orderID
// ARGV[2]: 进行中标记的过期时间（毫秒）
// 已绑定时返回绑定的 orderID，新绑定返回空串
var claimScript = `
local owner = redis.call('get', KEYS[1])
if owner then
    return owner
end
redis.call('set', KEYS[1], ARGV[1], 'PX', ARGV[2])
return ''
`
