package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"stockledger/internal/pkg/logger"
	"stockledger/internal/pkg/metrics"
	"stockledger/internal/service/inventory/application"
	"stockledger/internal/service/inventory/domain"
)

// IdempotencyKeyHeader 携带结账幂等键
const IdempotencyKeyHeader = "Idempotency-Key"

// InventoryHandler 封装了 inventory 服务的 HTTP 处理器
type InventoryHandler struct {
	reservation *application.ReservationService
	commitment  *application.CommitmentService
	gatherer    prometheus.Gatherer
	tracer      trace.Tracer
	stream      *StockStream
}

// NewInventoryHandler 创建一个新的 HTTP 处理器实例
func NewInventoryHandler(reservation *application.ReservationService, commitment *application.CommitmentService, gatherer prometheus.Gatherer, tracer trace.Tracer) *InventoryHandler {
	return &InventoryHandler{
		reservation: reservation,
		commitment:  commitment,
		gatherer:    gatherer,
		tracer:      tracer,
	}
}

// WithStream 启用 GET /stream 库存事件推送
func (h *InventoryHandler) WithStream(stream *StockStream) *InventoryHandler {
	h.stream = stream
	return h
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *InventoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if h.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(h.gatherer))
	}
	if h.stream != nil {
		mux.Handle("GET /stream", h.stream)
	}

	mux.HandleFunc("POST /holds", h.traced("AddOrUpdateHold", h.handleAddHold))
	mux.HandleFunc("DELETE /holds", h.traced("RemoveHold", h.handleRemoveHold))
	mux.HandleFunc("GET /availability", h.traced("GetAvailableQty", h.handleAvailability))
	mux.HandleFunc("GET /stock", h.traced("GetStockLevel", h.handleGetStock))
	mux.HandleFunc("PUT /stock", h.traced("SetTotalQty", h.handleSetStock))
	mux.HandleFunc("POST /checkout", h.traced("Checkout", h.handleCheckout))
	mux.HandleFunc("POST /commitments/release", h.traced("ReleaseCommitment", h.handleReleaseCommitment))
	mux.HandleFunc("POST /commitments/adjust", h.traced("AdjustCommitment", h.handleAdjustCommitment))
	mux.HandleFunc("GET /orders", h.traced("GetOrder", h.handleGetOrder))
	mux.HandleFunc("POST /orders/cancel", h.traced("CancelOrder", h.handleCancelOrder))
}

type handlerFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request)

// traced 从请求头提取上游 trace，开启 server span，并把带 trace 信息的 logger 放入 context
func (h *InventoryHandler) traced(name string, next handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := h.tracer.Start(ctx, "inventory-http."+name, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		span.SetAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		)
		ctx = logger.WithContext(ctx, map[string]string{"route": r.Method + " " + r.URL.Path})

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(ctx, rec, r)

		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		logger.Ctx(ctx).Debug().Int("status", rec.status).Dur("elapsed", time.Since(start)).Msg("request handled")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *InventoryHandler) handleAddHold(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req application.HoldRequest
	if !decode(ctx, w, r, &req) {
		return
	}
	hold, err := h.reservation.AddOrUpdateHold(ctx, req.SKU, req.CartID, req.Qty)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToHoldResponse(hold))
}

func (h *InventoryHandler) handleRemoveHold(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := h.reservation.RemoveHold(ctx, q.Get("sku"), q.Get("cart_id")); err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *InventoryHandler) handleAvailability(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	sku := r.URL.Query().Get("sku")
	available, err := h.reservation.GetAvailableQty(ctx, sku)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, &application.AvailabilityResponse{SKU: sku, AvailableQty: available})
}

func (h *InventoryHandler) handleGetStock(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	level, err := h.reservation.GetStockLevel(ctx, r.URL.Query().Get("sku"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

func (h *InventoryHandler) handleSetStock(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req application.SetStockRequest
	if !decode(ctx, w, r, &req) {
		return
	}
	level, err := h.reservation.SetTotalQty(ctx, req.SKU, req.TotalQty)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

func (h *InventoryHandler) handleCheckout(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req application.CheckoutRequest
	if !decode(ctx, w, r, &req) {
		return
	}
	commitments, err := h.commitment.CheckoutWithKey(ctx, r.Header.Get(IdempotencyKeyHeader), req.CartID, req.OrderID, req.Lines)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, application.ToCheckoutResponse(req.OrderID, commitments))
}

func (h *InventoryHandler) handleReleaseCommitment(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req application.ReleaseCommitmentRequest
	if !decode(ctx, w, r, &req) {
		return
	}
	if err := h.commitment.ReleaseCommitment(ctx, req.OrderID, req.SKU); err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *InventoryHandler) handleAdjustCommitment(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req application.AdjustCommitmentRequest
	if !decode(ctx, w, r, &req) {
		return
	}
	if err := h.commitment.AdjustCommitment(ctx, req.OrderID, req.SKU, req.NewQty); err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *InventoryHandler) handleGetOrder(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	order, err := h.commitment.GetOrder(ctx, r.URL.Query().Get("order_id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToOrderResponse(order))
}

func (h *InventoryHandler) handleCancelOrder(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req application.CancelOrderRequest
	if !decode(ctx, w, r, &req) {
		return
	}
	order, err := h.commitment.CancelOrder(ctx, req.OrderID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToOrderResponse(order))
}

func decode(ctx context.Context, w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(ctx, w, errors.Wrap(domain.ErrInvalidArgument, "invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor 把领域错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrHoldRejected):
		return http.StatusForbidden // 请求有效，但被规则拒绝
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrStaleReservation),
		errors.Is(err, domain.ErrDuplicateOrder):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidAdjustment):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrConflict):
		return http.StatusServiceUnavailable // 重试耗尽，客户端可稍后重试
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Ctx(ctx).Error().Err(err).Msg("request failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, &application.ErrorResponse{Error: domain.ErrorCode(err), Message: err.Error()})
}
