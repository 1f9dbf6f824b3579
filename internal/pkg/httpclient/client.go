// internal/pkg/httpclient/client.go

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
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Resolver 根据服务名解析出一个健康实例（由 Nacos 实现）
type Resolver interface {
	DiscoverServiceInstance(serviceName string) (string, int, error)
}

// StatusError 表示下游返回了非 2xx 状态码，Body 保留原始报错信息
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service %s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Client 是一个可追踪的、可注入的HTTP客户端
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
	resolver   Resolver
}

// NewClient 创建一个新的客户端实例。
// http.Client 不设置 Timeout，超时完全由每次请求传入的 context 控制。
func NewClient(tracer trace.Tracer, resolver Resolver) *Client {
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
		},
	}
	return &Client{
		Tracer:     tracer,
		HTTPClient: httpClient,
		resolver:   resolver,
	}
}

// CallService 通过服务发现找到目标实例，并以 query 参数的形式发送 POST 请求
func (c *Client) CallService(ctx context.Context, serviceName, path string, params url.Values) error {
	if c.resolver == nil {
		return errors.Errorf("no resolver configured, cannot discover service %s", serviceName)
	}
	host, port, err := c.resolver.DiscoverServiceInstance(serviceName)
	if err != nil {
		return errors.Wrapf(err, "discover %s", serviceName)
	}
	serviceURL := "http://" + host + ":" + strconv.Itoa(port) + path
	return c.Post(ctx, serviceURL, params)
}

// Post 发送带 query 参数的 POST 请求，只关心是否成功
func (c *Client) Post(ctx context.Context, serviceURL string, params url.Values) error {
	parsedURL, err := url.Parse(serviceURL)
	if err != nil {
		return err
	}
	q := parsedURL.Query()
	for key, values := range params {
		for _, value := range values {
			q.Add(key, value)
		}
	}
	parsedURL.RawQuery = q.Encode()
	return c.DoJSON(ctx, http.MethodPost, parsedURL.String(), nil, nil, nil)
}

// DoJSON 发送 JSON 请求并把响应体解码到 out（out 可以为 nil）
func (c *Client) DoJSON(ctx context.Context, method, target string, header http.Header, in, out any) error {
	parsedURL, err := url.Parse(target)
	if err != nil {
		return err
	}
	// 从 URL 中解析出服务名用于 Span
	spanName := fmt.Sprintf("call-%s", strings.Split(parsedURL.Host, ":")[0])

	ctx, span := c.Tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			span.RecordError(err)
			return errors.Wrap(err, "marshal request body")
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, parsedURL.String(), body)
	if err != nil {
		span.RecordError(err)
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	span.SetAttributes(
		attribute.String("http.url", parsedURL.String()),
		attribute.String("http.method", method),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{URL: parsedURL.String(), StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		span.RecordError(statusErr)
		span.SetStatus(codes.Error, statusErr.Error())
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "decode response body")
	}
	return nil
}
