package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"nexus-commerce/internal/pkg/httpclient"
	"nexus-commerce/internal/service/purchase/domain/port"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func newTestClient(resolver httpclient.Resolver) *httpclient.Client {
	return httpclient.NewClient(noop.NewTracerProvider().Tracer("test"), resolver)
}

func TestGatewayHTTPAdapter_CreateAndQuery(t *testing.T) {
	var gotCreate createLinkRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "sk_test" || pass != "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment-links":
			assert.Equal(t, "PO-1", r.Header.Get("Idempotency-Key"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotCreate))
			_ = json.NewEncoder(w).Encode(linkResponse{ID: "pl_1", CheckoutURL: "https://pay.example/pl_1", Status: "PENDING"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/payment-links/pl_1":
			_ = json.NewEncoder(w).Encode(linkResponse{ID: "pl_1", Status: "PAID"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	gw := NewGatewayHTTPAdapter(newTestClient(nil), srv.URL+"/", "sk_test")
	ctx := context.Background()

	session, err := gw.CreateCheckoutSession(ctx, port.CheckoutRequest{OrderReference: "PO-1", AmountMinorUnits: 100000, PayerEmail: "a@b.co"})
	require.NoError(t, err)
	assert.Equal(t, "pl_1", session.LinkID)
	assert.Equal(t, "https://pay.example/pl_1", session.CheckoutURL)
	assert.Equal(t, int64(100000), gotCreate.Amount)
	assert.Equal(t, "PO-1", gotCreate.ExternalID)

	status, err := gw.GetCheckoutStatus(ctx, "pl_1")
	require.NoError(t, err)
	assert.Equal(t, "PAID", status)
}

func TestGatewayHTTPAdapter_KeepsRawGatewayMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":"MINIMUM_AMOUNT","message":"amount below minimum"}`))
	}))
	defer srv.Close()

	gw := NewGatewayHTTPAdapter(newTestClient(nil), srv.URL, "sk_test")
	_, err := gw.CreateCheckoutSession(context.Background(), port.CheckoutRequest{OrderReference: "PO-1", AmountMinorUnits: 1})
	require.Error(t, err)
	assert.Equal(t, `{"error_code":"MINIMUM_AMOUNT","message":"amount below minimum"}`, err.Error())
}

func TestGatewayHTTPAdapter_StatusTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	gw := NewGatewayHTTPAdapter(newTestClient(nil), srv.URL, "sk_test")
	_, err := gw.GetCheckoutStatus(context.Background(), "pl_1")
	assert.Error(t, err)
}

type staticResolver struct{ host string }

func (r staticResolver) DiscoverServiceInstance(string) (string, int, error) {
	u, err := url.Parse(r.host)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(u.Port())
	return u.Hostname(), port, err
}

func TestInventoryAndLicenseAdapters(t *testing.T) {
	var paths []string
	var orderIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		orderIDs = append(orderIDs, r.URL.Query().Get("orderId"))
	}))
	defer srv.Close()

	client := newTestClient(staticResolver{host: srv.URL})
	ctx := context.Background()
	require.NoError(t, NewInventoryHTTPAdapter(client, "inventory-service").AdjustStock(ctx, "PO-1", "starter-pack", 2))
	require.NoError(t, NewLicenseHTTPAdapter(client, "license-service").IssueLicense(ctx, "PO-1", "u1", "starter-pack", 2))

	assert.Equal(t, []string{InventoryAdjustPath, LicenseIssuePath}, paths)
	assert.Equal(t, []string{"PO-1", "PO-1"}, orderIDs)
}
