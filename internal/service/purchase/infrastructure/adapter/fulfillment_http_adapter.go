package adapter

import (
	"context"
	"net/url"
	"strconv"

	"nexus-commerce/internal/pkg/httpclient"
)

const (
	InventoryAdjustPath = "/inventory/adjust"
	LicenseIssuePath    = "/licenses/issue"
)

// InventoryHTTPAdapter 实现了 port.InventoryService，通过 Nacos 发现库存服务。
// orderId 作为下游的幂等键。
type InventoryHTTPAdapter struct {
	client      *httpclient.Client
	serviceName string
}

func NewInventoryHTTPAdapter(client *httpclient.Client, serviceName string) *InventoryHTTPAdapter {
	return &InventoryHTTPAdapter{client: client, serviceName: serviceName}
}

func (a *InventoryHTTPAdapter) AdjustStock(ctx context.Context, orderReference, productID string, quantity int) error {
	params := url.Values{}
	params.Set("orderId", orderReference)
	params.Set("itemId", productID)
	params.Set("quantity", strconv.Itoa(quantity))
	return a.client.CallService(ctx, a.serviceName, InventoryAdjustPath, params)
}

// LicenseHTTPAdapter 实现了 port.LicenseIssuer
type LicenseHTTPAdapter struct {
	client      *httpclient.Client
	serviceName string
}

func NewLicenseHTTPAdapter(client *httpclient.Client, serviceName string) *LicenseHTTPAdapter {
	return &LicenseHTTPAdapter{client: client, serviceName: serviceName}
}

func (a *LicenseHTTPAdapter) IssueLicense(ctx context.Context, orderReference, userID, productID string, quantity int) error {
	params := url.Values{}
	params.Set("orderId", orderReference)
	params.Set("userId", userID)
	params.Set("productId", productID)
	params.Set("quantity", strconv.Itoa(quantity))
	return a.client.CallService(ctx, a.serviceName, LicenseIssuePath, params)
}
