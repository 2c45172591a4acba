package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func scrape(reg *prometheus.Registry) string {
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestLedgerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLedgerMetrics(reg)

	m.Observe("add_hold", time.Now(), "ok")
	m.Observe("add_hold", time.Now(), "insufficient_stock")
	m.IncRetry("checkout")
	m.AddReaped(3)
	m.AddReaped(0)

	body := scrape(reg)
	assert.Contains(t, body, `stockledger_ledger_operations_total{op="add_hold",outcome="ok"} 1`)
	assert.Contains(t, body, `stockledger_ledger_operations_total{op="add_hold",outcome="insufficient_stock"} 1`)
	assert.Contains(t, body, `stockledger_ledger_conflict_retries_total{op="checkout"} 1`)
	assert.Contains(t, body, "stockledger_reaper_expired_holds_deleted_total 3")
}

func TestLedgerMetrics_NilIsNoop(t *testing.T) {
	var m *LedgerMetrics
	assert.NotPanics(t, func() {
		m.Observe("x", time.Now(), "ok")
		m.IncRetry("x")
		m.AddReaped(1)
	})
}
