// Package client 是 inventory 服务的 HTTP 客户端，供购物车与订单服务调用。
// 服务端返回的错误编码会被还原为 domain 包中的哨兵错误，调用方可以直接用 errors.Is 判断。
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"

	"stockledger/internal/pkg/httpclient"
	"stockledger/internal/service/inventory/application"
	"stockledger/internal/service/inventory/domain"
	"stockledger/internal/service/inventory/interfaces"
)

// ServiceName 是 inventory 服务在 Nacos 中注册的名字
const ServiceName = "inventory-service"

type Client struct {
	http *httpclient.Client
}

// New 创建客户端，resolver 决定请求发往哪个实例
func New(tracer trace.Tracer, resolver httpclient.Resolver) *Client {
	return &Client{http: httpclient.NewClient(tracer, resolver)}
}

func (c *Client) AddOrUpdateHold(ctx context.Context, sku, cartID string, qty int) (*application.HoldResponse, error) {
	var out application.HoldResponse
	err := c.do(ctx, http.MethodPost, "/holds", nil, nil, application.HoldRequest{SKU: sku, CartID: cartID, Qty: qty}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RemoveHold(ctx context.Context, sku, cartID string) error {
	return c.do(ctx, http.MethodDelete, "/holds", url.Values{"sku": {sku}, "cart_id": {cartID}}, nil, nil, nil)
}

func (c *Client) GetAvailableQty(ctx context.Context, sku string) (int, error) {
	var out application.AvailabilityResponse
	if err := c.do(ctx, http.MethodGet, "/availability", url.Values{"sku": {sku}}, nil, nil, &out); err != nil {
		return 0, err
	}
	return out.AvailableQty, nil
}

func (c *Client) GetStockLevel(ctx context.Context, sku string) (*application.StockLevel, error) {
	var out application.StockLevel
	if err := c.do(ctx, http.MethodGet, "/stock", url.Values{"sku": {sku}}, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetTotalQty(ctx context.Context, sku string, total int) (*application.StockLevel, error) {
	var out application.StockLevel
	if err := c.do(ctx, http.MethodPut, "/stock", nil, nil, application.SetStockRequest{SKU: sku, TotalQty: total}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Checkout 结账。idempotencyKey 为空时不做幂等保护，重试同一订单会得到 ErrDuplicateOrder。
func (c *Client) Checkout(ctx context.Context, idempotencyKey, cartID, orderID string, lines []domain.LineItem) (*application.CheckoutResponse, error) {
	var header http.Header
	if idempotencyKey != "" {
		header = http.Header{interfaces.IdempotencyKeyHeader: {idempotencyKey}}
	}
	var out application.CheckoutResponse
	req := application.CheckoutRequest{CartID: cartID, OrderID: orderID, Lines: lines}
	if err := c.do(ctx, http.MethodPost, "/checkout", nil, header, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReleaseCommitment(ctx context.Context, orderID, sku string) error {
	return c.do(ctx, http.MethodPost, "/commitments/release", nil, nil, application.ReleaseCommitmentRequest{OrderID: orderID, SKU: sku}, nil)
}

func (c *Client) AdjustCommitment(ctx context.Context, orderID, sku string, newQty int) error {
	return c.do(ctx, http.MethodPost, "/commitments/adjust", nil, nil, application.AdjustCommitmentRequest{OrderID: orderID, SKU: sku, NewQty: newQty}, nil)
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*application.OrderResponse, error) {
	var out application.OrderResponse
	if err := c.do(ctx, http.MethodGet, "/orders", url.Values{"order_id": {orderID}}, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (*application.OrderResponse, error) {
	var out application.OrderResponse
	if err := c.do(ctx, http.MethodPost, "/orders/cancel", nil, nil, application.CancelOrderRequest{OrderID: orderID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, header http.Header, in, out any) error {
	return translate(c.http.DoJSON(ctx, method, path, query, header, in, out))
}

// translate 把服务端的错误响应还原为领域错误
func translate(err error) error {
	var statusErr *httpclient.StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	var body application.ErrorResponse
	if json.Unmarshal(statusErr.Body, &body) != nil {
		return err
	}
	if sentinel := domain.ErrorFromCode(body.Error); sentinel != nil {
		return errors.Wrap(sentinel, body.Message)
	}
	return err
}
