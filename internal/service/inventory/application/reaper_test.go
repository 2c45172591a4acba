package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/service/inventory/domain"
	"stockledger/internal/service/inventory/infrastructure/adapter"
)

func TestReaperSweep_DeletesOnlyExpiredHolds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, sku := range []string{"SKU-A", "SKU-B", "SKU-C"} {
		env.stock(t, sku, 5)
		env.hold(t, sku, "cart-1", 1)
	}
	env.hold(t, "SKU-A", "cart-2", 1)

	env.clock.Advance(10 * time.Minute)
	env.hold(t, "SKU-A", "cart-2", 2) // 刷新，不应被清理
	env.clock.Advance(6 * time.Minute)

	reaped, err := env.reaper.Sweep(ctx)

	require.NoError(t, err)
	assert.Equal(t, 3, reaped)
	recA, err := env.ledger.FindBySKU(ctx, "SKU-A")
	require.NoError(t, err)
	assert.NotContains(t, recA.Holds, "cart-1")
	require.Contains(t, recA.Holds, "cart-2")
	assert.Equal(t, 2, recA.Holds["cart-2"].Qty)

	expired := env.publisher.ofType(domain.EventHoldExpired)
	assert.Len(t, expired, 3)

	reaped, err = env.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

func TestReaperSweep_AvailabilityUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stock(t, "SKU-A", 5)
	env.hold(t, "SKU-A", "cart-1", 5)
	env.clock.Advance(20 * time.Minute)

	before := env.available(t, "SKU-A")
	_, err := env.reaper.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, before, env.available(t, "SKU-A"))
	rec, err := env.ledger.FindBySKU(ctx, "SKU-A")
	require.NoError(t, err)
	assert.Empty(t, rec.Holds)
}

func TestReaperSweep_SkipsWhenLockHeld(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stock(t, "SKU-A", 5)
	env.hold(t, "SKU-A", "cart-1", 1)
	env.clock.Advance(time.Hour)

	locker := &adapter.LocalSweepLocker{}
	env.reaper.locker = locker
	release, ok, err := locker.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	reaped, err := env.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	release()
	reaped, err = env.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
}

func TestReaper_StartStop(t *testing.T) {
	env := newTestEnv(t)
	env.reaper.interval = 10 * time.Millisecond
	env.stock(t, "SKU-A", 5)
	env.hold(t, "SKU-A", "cart-1", 1)
	env.clock.Advance(time.Hour)

	require.NoError(t, env.reaper.Start(context.Background()))
	assert.Eventually(t, func() bool {
		rec, err := env.ledger.FindBySKU(context.Background(), "SKU-A")
		return err == nil && len(rec.Holds) == 0
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, env.reaper.Stop(ctx))
}
