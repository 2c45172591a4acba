package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stockledger"

// LedgerMetrics 记录台账写入、冲突重试与过期清理的指标。
// 所有方法在 nil 接收者上都是空操作，测试与工具进程可以不注册指标。
type LedgerMetrics struct {
	Operations  *prometheus.CounterVec
	Retries     *prometheus.CounterVec
	ReapedHolds prometheus.Counter
	LatencyMS   *prometheus.HistogramVec
}

func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Total number of ledger operations by outcome.",
		}, []string{"op", "outcome"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "conflict_retries_total",
			Help:      "Conditional writes retried after losing a race.",
		}, []string{"op"}),
		ReapedHolds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "expired_holds_deleted_total",
			Help:      "Expired holds physically deleted by the reaper.",
		}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_duration_ms",
			Help:      "Ledger operation latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"op"}),
	}
	reg.MustRegister(m.Operations, m.Retries, m.ReapedHolds, m.LatencyMS)
	return m
}

// Observe 记录一次操作的结果与耗时
func (m *LedgerMetrics) Observe(op string, start time.Time, outcome string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.LatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Microseconds()) / 1000)
}

func (m *LedgerMetrics) IncRetry(op string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(op).Inc()
}

func (m *LedgerMetrics) AddReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReapedHolds.Add(float64(n))
}

// Handler 暴露 reg 中的指标
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
