package application

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/service/inventory/domain"
	"stockledger/internal/service/inventory/infrastructure"
	"stockledger/internal/service/inventory/infrastructure/rule"
)

func TestAddOrUpdateHold(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "SKU-001", 10)

	hold, err := env.reservation.AddOrUpdateHold(context.Background(), "SKU-001", "cart-1", 3)

	require.NoError(t, err)
	assert.Equal(t, 3, hold.Qty)
	assert.Equal(t, t0.Add(15*time.Minute), hold.ExpiresAt)
	assert.Equal(t, 7, env.available(t, "SKU-001"))

	placed := env.publisher.ofType(domain.EventHoldPlaced)
	require.Len(t, placed, 1)
	assert.Equal(t, 7, placed[0].AvailableQty)
	assert.NotEmpty(t, placed[0].EventID)
}

func TestAddOrUpdateHold_ReplacesAndRefreshes(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "SKU-001", 5)
	env.hold(t, "SKU-001", "cart-1", 5)

	env.clock.Advance(10 * time.Minute)
	hold, err := env.reservation.AddOrUpdateHold(context.Background(), "SKU-001", "cart-1", 2)

	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().Add(15*time.Minute), hold.ExpiresAt)
	assert.Equal(t, 3, env.available(t, "SKU-001"))
}

func TestAddOrUpdateHold_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "SKU-001", 2)
	env.hold(t, "SKU-001", "cart-1", 1)
	ctx := context.Background()

	_, err := env.reservation.AddOrUpdateHold(ctx, "SKU-001", "cart-2", 2)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))

	_, err = env.reservation.AddOrUpdateHold(ctx, "SKU-001", "cart-2", 0)
	assert.True(t, errors.Is(err, domain.ErrInvalidQuantity))

	_, err = env.reservation.AddOrUpdateHold(ctx, "missing", "cart-2", 1)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = env.reservation.AddOrUpdateHold(ctx, "", "cart-2", 1)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	// 失败的加购不能影响已有占用
	assert.Equal(t, 1, env.available(t, "SKU-001"))
}

func TestAddOrUpdateHold_PolicyRejects(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "SKU-001", 10)
	policy, err := rule.NewCELHoldPolicy("qty <= 2")
	require.NoError(t, err)
	env.reservation.policy = policy

	_, err = env.reservation.AddOrUpdateHold(context.Background(), "SKU-001", "cart-1", 3)

	assert.True(t, errors.Is(err, domain.ErrHoldRejected))
	assert.Equal(t, 10, env.available(t, "SKU-001"))
}

// 测试库只有一个连接，并发调用在数据库层被串行化，这里验证的是最后一件不会被超卖；
// version 比较失败后的重试见 infrastructure 包的 TestUpdate_RetriesAfterLostRace。
func TestAddOrUpdateHold_ContentionOnLastUnit(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "SKU-001", 1)

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.reservation.AddOrUpdateHold(context.Background(), "SKU-001", "cart-"+string(rune('A'+i)), 1)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, domain.ErrInsufficientStock), "unexpected error: %v", err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, env.available(t, "SKU-001"))
}

func TestRemoveHold_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "SKU-001", 4)
	ctx := context.Background()
	before := env.available(t, "SKU-001")

	env.hold(t, "SKU-001", "cart-1", 3)
	require.NoError(t, env.reservation.RemoveHold(ctx, "SKU-001", "cart-1"))

	assert.Equal(t, before, env.available(t, "SKU-001"))
	assert.Len(t, env.publisher.ofType(domain.EventHoldRemoved), 1)

	// 幂等：重复删除、未知 SKU 都是成功
	require.NoError(t, env.reservation.RemoveHold(ctx, "SKU-001", "cart-1"))
	require.NoError(t, env.reservation.RemoveHold(ctx, "missing", "cart-1"))
	assert.Len(t, env.publisher.ofType(domain.EventHoldRemoved), 1)
}

func TestGetAvailableQty_LazyExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "SKU-001", 5)
	env.hold(t, "SKU-001", "cart-1", 5)
	assert.Equal(t, 0, env.available(t, "SKU-001"))

	env.clock.Advance(15 * time.Minute)

	// 未经清理，过期的 hold 也不再计入
	assert.Equal(t, 5, env.available(t, "SKU-001"))
	rec, err := env.ledger.FindBySKU(context.Background(), "SKU-001")
	require.NoError(t, err)
	assert.Len(t, rec.Holds, 1)

	// 过期的 hold 不阻止其他购物车加购
	env.hold(t, "SKU-001", "cart-2", 5)
}

func TestGetAvailableQty_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.reservation.GetAvailableQty(context.Background(), "missing")

	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestGetAvailableQty_ConcurrentReads(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "SKU-001", 9)
	env.hold(t, "SKU-001", "cart-1", 4)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := env.reservation.GetAvailableQty(context.Background(), "SKU-001")
			assert.NoError(t, err)
			assert.Equal(t, 5, n)
		}()
	}
	wg.Wait()
}

func TestSetTotalQty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	level, err := env.reservation.SetTotalQty(ctx, "SKU-001", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, level.AvailableQty)

	env.hold(t, "SKU-001", "cart-1", 6)

	_, err = env.reservation.SetTotalQty(ctx, "SKU-001", 5)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))

	level, err = env.reservation.SetTotalQty(ctx, "SKU-001", 6)
	require.NoError(t, err)
	assert.Equal(t, StockLevel{SKU: "SKU-001", TotalQty: 6, ReservedQty: 6, AvailableQty: 0}, *level)

	_, err = env.reservation.SetTotalQty(ctx, "SKU-001", -1)
	assert.True(t, errors.Is(err, domain.ErrInvalidQuantity))
	assert.Len(t, env.publisher.ofType(domain.EventStockAdjusted), 2)
}

func TestGetStockLevel(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "SKU-001", 10)
	env.hold(t, "SKU-001", "cart-1", 2)

	level, err := env.reservation.GetStockLevel(context.Background(), "SKU-001")

	require.NoError(t, err)
	assert.Equal(t, 2, level.ReservedQty)
	assert.Equal(t, 8, level.AvailableQty)
}

// 随机交错加购、删除、结账、释放、时间推进，任何时刻可用量都不能为负
func TestInvariant_RandomOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	skus := []string{"SKU-A", "SKU-B"}
	for _, sku := range skus {
		env.stock(t, sku, 5)
	}
	carts := []string{"cart-1", "cart-2", "cart-3"}
	rng := rand.New(rand.NewPCG(1, 2))
	orderSeq := 0

	for i := 0; i < 200; i++ {
		sku := skus[rng.IntN(len(skus))]
		cart := carts[rng.IntN(len(carts))]
		switch rng.IntN(6) {
		case 0, 1:
			_, _ = env.reservation.AddOrUpdateHold(ctx, sku, cart, rng.IntN(4)+1)
		case 2:
			_ = env.reservation.RemoveHold(ctx, sku, cart)
		case 3:
			orderSeq++
			orderID := "order-" + string(rune('a'+orderSeq%26)) + string(rune('a'+orderSeq/26))
			_, _ = env.commitment.CommitCartToOrder(ctx, cart, orderID, []domain.LineItem{{SKU: sku, Qty: 1}})
		case 4:
			rec, err := env.ledger.FindBySKU(ctx, sku)
			require.NoError(t, err)
			for orderID := range rec.Commitments {
				_ = env.commitment.ReleaseCommitment(ctx, orderID, sku)
				break
			}
		case 5:
			env.clock.Advance(time.Duration(rng.IntN(10)) * time.Minute)
			_, _ = env.reaper.Sweep(ctx)
		}
		for _, s := range skus {
			assert.GreaterOrEqual(t, env.available(t, s), 0, "step %d", i)
		}
	}
}

// blockingLedger 让 FindBySKU 停在 release 关闭之前，并在返回前检查调用方 ctx
type blockingLedger struct {
	*infrastructure.GormLedgerRepository
	entered chan struct{}
	release chan struct{}
}

func (l *blockingLedger) FindBySKU(ctx context.Context, sku string) (*domain.Record, error) {
	l.entered <- struct{}{}
	<-l.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.GormLedgerRepository.FindBySKU(ctx, sku)
}

func TestGetAvailableQty_CoalescedReadSurvivesCallerCancel(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "SKU-001", 7)
	ledger := &blockingLedger{GormLedgerRepository: env.ledger, entered: make(chan struct{}, 2), release: make(chan struct{})}
	env.reservation.ledger = ledger

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := env.reservation.GetAvailableQty(firstCtx, "SKU-001")
		firstErr <- err
	}()
	<-ledger.entered

	type result struct {
		available int
		err       error
	}
	second := make(chan result, 1)
	go func() {
		n, err := env.reservation.GetAvailableQty(context.Background(), "SKU-001")
		second <- result{n, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	close(ledger.release)

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, 7, got.available)
	assert.NoError(t, <-firstErr)
}
