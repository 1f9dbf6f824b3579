// internal/service/purchase/infrastructure/adapter/gateway_http_adapter.go
package adapter

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"nexus-commerce/internal/pkg/httpclient"
	"nexus-commerce/internal/service/purchase/domain/port"

	"github.com/pkg/errors"
)

type createLinkRequest struct {
	ExternalID  string `json:"externalId"`
	Amount      int64  `json:"amount"`
	PayerName   string `json:"payerName,omitempty"`
	PayerEmail  string `json:"payerEmail,omitempty"`
	Description string `json:"description,omitempty"`
}

type linkResponse struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkoutUrl"`
	Status      string `json:"status"`
}

// GatewayHTTPAdapter 实现了 port.PaymentGateway，调用外部网关的 REST 接口。
// 密钥以 HTTP Basic 的用户名传递，密码为空。
type GatewayHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
	auth    string
}

func NewGatewayHTTPAdapter(client *httpclient.Client, baseURL, secret string) *GatewayHTTPAdapter {
	return &GatewayHTTPAdapter{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(secret+":")),
	}
}

func (a *GatewayHTTPAdapter) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", a.auth)
	return h
}

// CreateCheckoutSession 以订单号作为 externalId，网关据此去重
func (a *GatewayHTTPAdapter) CreateCheckoutSession(ctx context.Context, req port.CheckoutRequest) (port.CheckoutSession, error) {
	h := a.header()
	h.Set("Idempotency-Key", req.OrderReference)

	var resp linkResponse
	err := a.client.DoJSON(ctx, http.MethodPost, a.baseURL+"/v1/payment-links", h, createLinkRequest{
		ExternalID:  req.OrderReference,
		Amount:      req.AmountMinorUnits,
		PayerName:   req.PayerName,
		PayerEmail:  req.PayerEmail,
		Description: req.Description,
	}, &resp)
	if err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && statusErr.Body != "" {
			// 直接把网关的报错展示给调用方
			return port.CheckoutSession{}, errors.New(statusErr.Body)
		}
		return port.CheckoutSession{}, err
	}
	return port.CheckoutSession{CheckoutURL: resp.CheckoutURL, LinkID: resp.ID}, nil
}

func (a *GatewayHTTPAdapter) GetCheckoutStatus(ctx context.Context, linkID string) (string, error) {
	var resp linkResponse
	target := a.baseURL + "/v1/payment-links/" + url.PathEscape(linkID)
	if err := a.client.DoJSON(ctx, http.MethodGet, target, a.header(), nil, &resp); err != nil {
		return "", errors.Wrapf(err, "query payment link %s", linkID)
	}
	return resp.Status, nil
}
