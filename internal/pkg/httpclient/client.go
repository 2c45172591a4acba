package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"stockledger/internal/pkg/nacos"
)

// Resolver 返回下游服务的基础地址，例如 http://10.0.0.3:8080
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticResolver 总是返回固定地址
type StaticResolver string

func (r StaticResolver) Resolve(context.Context) (string, error) {
	return string(r), nil
}

// NacosResolver 每次调用都从 Nacos 选出一个健康实例
type NacosResolver struct {
	Nacos   *nacos.Client
	Service string
}

func (r NacosResolver) Resolve(context.Context) (string, error) {
	ip, port, err := r.Nacos.DiscoverServiceInstance(r.Service)
	if err != nil {
		return "", err
	}
	return "http://" + ip + ":" + strconv.Itoa(port), nil
}

// StatusError 表示下游返回了非 2xx 状态码
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, bytes.TrimSpace(e.Body))
}

// Client 是一个可追踪的HTTP客户端
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
	Resolver   Resolver
}

// NewClient 创建一个新的客户端实例。
// http.Client 不设置 Timeout，超时完全由每次请求传入的 context 控制。
func NewClient(tracer trace.Tracer, resolver Resolver) *Client {
	return &Client{
		Tracer: tracer,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		Resolver: resolver,
	}
}

// DoJSON 以 JSON 发送请求并把 2xx 响应解码到 out（out 为 nil 时丢弃响应体）。
// 非 2xx 响应返回 *StatusError。
func (c *Client) DoJSON(ctx context.Context, method, path string, query url.Values, header http.Header, in, out any) error {
	base, err := c.Resolver.Resolve(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to resolve downstream")
	}
	target, err := url.Parse(base + path)
	if err != nil {
		return errors.Wrapf(err, "invalid url %s%s", base, path)
	}
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	ctx, span := c.Tracer.Start(ctx, "call-"+target.Hostname()+" "+method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.full", target.String()),
	)

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		span.RecordError(err)
		return errors.WithStack(err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.WithStack(err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: raw}
		span.RecordError(statusErr)
		if resp.StatusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, statusErr.Error())
		}
		return statusErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response body")
	}
	return nil
}
