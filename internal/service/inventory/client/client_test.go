package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stockledger/internal/pkg/httpclient"
	"stockledger/internal/pkg/metrics"
	"stockledger/internal/service/inventory/application"
	"stockledger/internal/service/inventory/domain"
	"stockledger/internal/service/inventory/infrastructure"
	"stockledger/internal/service/inventory/interfaces"
)

// newTestClient 启动一个真实的 inventory HTTP 服务（sqlite 内存库），返回指向它的客户端
func newTestClient(t *testing.T) *Client {
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

	m := metrics.NewLedgerMetrics(prometheus.NewRegistry())
	tracer := noop.NewTracerProvider().Tracer("test")
	ledger := infrastructure.NewGormLedgerRepository(db, infrastructure.NewGuard(db, infrastructure.DefaultRetryPolicy(), m))
	reservation := application.NewReservationService(ledger, nil, nil, 15*time.Minute, tracer, m)
	commitment := application.NewCommitmentService(ledger, infrastructure.NewGormOrderRepository(db), nil, nil, tracer, m)

	mux := http.NewServeMux()
	interfaces.NewInventoryHandler(reservation, commitment, nil, tracer).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return New(tracer, httpclient.StaticResolver(srv.URL))
}

func TestClient_CartToOrderFlow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.SetTotalQty(ctx, "SKU-A", 5)
	require.NoError(t, err)

	hold, err := c.AddOrUpdateHold(ctx, "SKU-A", "cart-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, hold.Qty)

	_, err = c.AddOrUpdateHold(ctx, "SKU-A", "cart-2", 3)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock), "got %v", err)

	out, err := c.Checkout(ctx, "key-1", "cart-1", "order-1", []domain.LineItem{{SKU: "SKU-A", Qty: 3}})
	require.NoError(t, err)
	require.Len(t, out.Commitments, 1)

	available, err := c.GetAvailableQty(ctx, "SKU-A")
	require.NoError(t, err)
	assert.Equal(t, 2, available)

	require.NoError(t, c.AdjustCommitment(ctx, "order-1", "SKU-A", 1))
	err = c.AdjustCommitment(ctx, "order-1", "SKU-A", 4)
	assert.True(t, errors.Is(err, domain.ErrInvalidAdjustment), "got %v", err)

	level, err := c.GetStockLevel(ctx, "SKU-A")
	require.NoError(t, err)
	assert.Equal(t, 1, level.CommittedQty)

	order, err := c.CancelOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateCancelled, order.State)

	order, err = c.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateCancelled, order.State)

	require.NoError(t, c.ReleaseCommitment(ctx, "order-1", "SKU-A"))
	require.NoError(t, c.RemoveHold(ctx, "SKU-A", "cart-1"))

	available, err = c.GetAvailableQty(ctx, "SKU-A")
	require.NoError(t, err)
	assert.Equal(t, 5, available)
}

func TestClient_TranslatesErrors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetAvailableQty(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

	_, err = c.Checkout(ctx, "", "cart-1", "order-1", []domain.LineItem{{SKU: "SKU-A", Qty: 0}})
	assert.True(t, errors.Is(err, domain.ErrInvalidQuantity), "got %v", err)
}

func TestTranslate_UnknownBodyKeepsStatusError(t *testing.T) {
	err := translate(&httpclient.StatusError{StatusCode: http.StatusBadGateway, Body: []byte("upstream down")})

	var statusErr *httpclient.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}
