package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stockledger/internal/pkg/metrics"
	"stockledger/internal/service/inventory/domain"
	"stockledger/internal/service/inventory/infrastructure"
)

var t0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.StockEvent
}

func (p *recordingPublisher) Publish(_ context.Context, events ...domain.StockEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) ofType(typ domain.StockEventType) []domain.StockEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.StockEvent
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// mockIdempotencyStore 是 port.IdempotencyStore 的 testify mock
type mockIdempotencyStore struct {
	mock.Mock
}

func (m *mockIdempotencyStore) Claim(ctx context.Context, key, orderID string) (string, bool, error) {
	args := m.Called(ctx, key, orderID)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockIdempotencyStore) Confirm(ctx context.Context, key, orderID string) error {
	return m.Called(ctx, key, orderID).Error(0)
}

func (m *mockIdempotencyStore) Release(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type testEnv struct {
	clock       *fakeClock
	publisher   *recordingPublisher
	ledger      *infrastructure.GormLedgerRepository
	orders      *infrastructure.GormOrderRepository
	reservation *ReservationService
	commitment  *CommitmentService
	reaper      *Reaper
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, infrastructure.AutoMigrate(db))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	m := metrics.NewLedgerMetrics(prometheus.NewRegistry())
	ledger := infrastructure.NewGormLedgerRepository(db, infrastructure.NewGuard(db, infrastructure.DefaultRetryPolicy(), m))
	orders := infrastructure.NewGormOrderRepository(db)
	tracer := noop.NewTracerProvider().Tracer("test")

	env := &testEnv{
		clock:     newFakeClock(),
		publisher: &recordingPublisher{},
		ledger:    ledger,
		orders:    orders,
	}
	env.reservation = NewReservationService(ledger, nil, env.publisher, 15*time.Minute, tracer, m)
	env.reservation.SetClock(env.clock.Now)
	env.commitment = NewCommitmentService(ledger, orders, nil, env.publisher, tracer, m)
	env.commitment.SetClock(env.clock.Now)
	env.reaper = NewReaper(ledger, nil, env.publisher, time.Hour, 2, tracer, m)
	env.reaper.SetClock(env.clock.Now)
	return env
}

func (e *testEnv) stock(t *testing.T, sku string, total int) {
	t.Helper()
	_, err := e.reservation.SetTotalQty(context.Background(), sku, total)
	require.NoError(t, err)
}

func (e *testEnv) hold(t *testing.T, sku, cartID string, qty int) {
	t.Helper()
	_, err := e.reservation.AddOrUpdateHold(context.Background(), sku, cartID, qty)
	require.NoError(t, err)
}

func (e *testEnv) available(t *testing.T, sku string) int {
	t.Helper()
	n, err := e.reservation.GetAvailableQty(context.Background(), sku)
	require.NoError(t, err)
	return n
}
