package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"nexus-commerce/internal/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func init() {
	logger.SetOutput(io.Discard)
}

// memoryBackend 按 Lua 脚本的语义在内存中模拟
type memoryBackend struct {
	mu       sync.Mutex
	stock    map[string]int
	applied  map[string]bool
	licenses map[string]string
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{stock: map[string]int{}, applied: map[string]bool{}, licenses: map[string]string{}}
}

func (m *memoryBackend) Adjust(_ context.Context, orderID, productID string, quantity int) (AdjustResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := productID + "/" + orderID
	if m.applied[key] {
		return ResultAlreadyApplied, nil
	}
	if stock, tracked := m.stock[productID]; tracked {
		if stock < quantity {
			return ResultSoldOut, nil
		}
		m.stock[productID] = stock - quantity
	}
	m.applied[key] = true
	return ResultApplied, nil
}

func (m *memoryBackend) SetStock(_ context.Context, productID string, stock int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[productID] = stock
	return nil
}

func (m *memoryBackend) IssueLicense(_ context.Context, orderID, productID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code, ok := m.licenses[orderID]; ok {
		return code, nil
	}
	code := productID + "-" + orderID
	m.licenses[orderID] = code
	return code, nil
}

func newCatalogServer(t *testing.T) (*httptest.Server, *memoryBackend) {
	backend := newMemoryBackend()
	mux := http.NewServeMux()
	NewHandler(backend, noop.NewTracerProvider().Tracer("test")).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, backend
}

func do(t *testing.T, method, url string) *http.Response {
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHandler_AdjustIsIdempotentPerOrder(t *testing.T) {
	srv, backend := newCatalogServer(t)

	resp := do(t, http.MethodPut, srv.URL+"/inventory/starter-pack?stock=3")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	for i := 0; i < 2; i++ {
		resp = do(t, http.MethodPost, srv.URL+"/inventory/adjust?orderId=PO-1&itemId=starter-pack&quantity=2")
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, 1, backend.stock["starter-pack"])

	resp = do(t, http.MethodPost, srv.URL+"/inventory/adjust?orderId=PO-2&itemId=starter-pack&quantity=2")
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandler_AdjustValidatesQuery(t *testing.T) {
	srv, _ := newCatalogServer(t)
	for _, q := range []string{
		"itemId=p&quantity=1",
		"orderId=o&quantity=1",
		"orderId=o&itemId=p&quantity=0",
		"orderId=o&itemId=p&quantity=x",
	} {
		resp := do(t, http.MethodPost, srv.URL+"/inventory/adjust?"+q)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestHandler_IssueLicenseReturnsSameKey(t *testing.T) {
	srv, _ := newCatalogServer(t)

	var keys []string
	for i := 0; i < 2; i++ {
		resp := do(t, http.MethodPost, srv.URL+"/licenses/issue?orderId=PO-1&userId=u1&productId=starter-pack&quantity=1")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		resp.Body.Close()
		keys = append(keys, out["licenseKey"])
	}
	assert.Equal(t, keys[0], keys[1])

	resp := do(t, http.MethodPost, srv.URL+"/licenses/issue?orderId=PO-1")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
