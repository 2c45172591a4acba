package infrastructure

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"stockledger/internal/pkg/logger"
	"stockledger/internal/pkg/metrics"
	"stockledger/internal/service/inventory/domain"
)

// errLostRace 表示条件写入时 version 已被其他写入者推进
var errLostRace = errors.New("inventory record version changed concurrently")

const (
	mysqlErrDupEntry        = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// RetryPolicy 控制冲突重试的次数与退避
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
}

// backoff 返回第 attempt 次失败后的等待时间（full jitter）
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)) + 1)
}

// Guard 把一次台账写入包装成事务，并在输掉并发竞争时有限次重试。
// fn 在每次尝试时都会被重新调用，必须重新加载快照。
type Guard struct {
	db      *gorm.DB
	policy  RetryPolicy
	metrics *metrics.LedgerMetrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewGuard(db *gorm.DB, policy RetryPolicy, m *metrics.LedgerMetrics) *Guard {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	return &Guard{db: db, policy: policy, metrics: m, sleep: sleepCtx}
}

// Run 在事务中执行 fn。领域错误直接返回且事务回滚；
// 版本冲突、死锁、锁等待超时会退避后重试，耗尽后返回 ErrConflict。
func (g *Guard) Run(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	var lastErr error
	for attempt := 1; attempt <= g.policy.MaxAttempts; attempt++ {
		err := g.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		g.metrics.IncRetry(op)
		logger.Ctx(ctx).Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("ledger write lost a race, retrying")

		if attempt == g.policy.MaxAttempts {
			break
		}
		if err := g.sleep(ctx, g.policy.backoff(attempt)); err != nil {
			return errors.Wrapf(err, "%s: interrupted while backing off", op)
		}
	}
	return errors.Wrapf(domain.ErrConflict, "%s: gave up after %d attempts: %v", op, g.policy.MaxAttempts, lastErr)
}

func isRetryable(err error) bool {
	if errors.Is(err, errLostRace) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlErrDeadlock || myErr.Number == mysqlErrLockWaitTimeout
	}
	return false
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDupEntry
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
