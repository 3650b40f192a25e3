package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vistabridge/vistabridge/internal/config"
)

// brokerStub is a minimal fake of the broker's HTTP surface.
type brokerStub struct {
	t          *testing.T
	tokenCalls atomic.Int32
	rpcCalls   atomic.Int32

	// invoke is called for each RPC request after bookkeeping; when nil a
	// default success payload is returned.
	invoke func(w http.ResponseWriter, r *http.Request)
}

func (b *brokerStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		b.tokenCalls.Add(1)
		tok := fakeBearer(b.t, time.Now().Add(time.Hour))
		writeJSON(w, http.StatusOK, map[string]any{
			"path": "/auth/token",
			"data": map[string]string{"token": tok},
		})
	})
	mux.HandleFunc("POST /sites/", func(w http.ResponseWriter, r *http.Request) {
		b.rpcCalls.Add(1)
		if b.invoke != nil {
			b.invoke(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"path":    r.URL.Path,
			"payload": "1",
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func newTestClient(t *testing.T, stub *brokerStub, cache CacheStore) *GatewayClient {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL:       srv.URL,
		APIKey:        "test-standard-key-123",
		ResponseCache: cache,
		Logger:        zerolog.Nop(),
	})
}

// ---------------------------------------------------------------------------
// Invoke
// ---------------------------------------------------------------------------

func TestInvoke_Success(t *testing.T) {
	stub := &brokerStub{t: t}
	c := newTestClient(t, stub, nil)

	got, err := c.Invoke(context.Background(), "500", "10000000219", "XWB IM HERE", InvokeOptions{
		Context: "XOBV VISTALINK TESTER",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(got) != `"1"` {
		t.Errorf("payload = %s, want %q", got, `"1"`)
	}
	if n := stub.tokenCalls.Load(); n != 1 {
		t.Errorf("token calls = %d, want 1", n)
	}
}

func TestInvoke_UnwrapsNestedResult(t *testing.T) {
	stub := &brokerStub{t: t}
	stub.invoke = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"path":    r.URL.Path,
			"payload": map[string]any{"result": []string{"a", "b"}},
		})
	}
	c := newTestClient(t, stub, nil)

	got, err := c.Invoke(context.Background(), "500", "1", "ORWPT LIST", InvokeOptions{Context: "OR CPRS GUI CHART"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var rows []string
	if err := json.Unmarshal(got, &rows); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(rows) != 2 || rows[0] != "a" {
		t.Errorf("rows = %v", rows)
	}
}

func TestInvoke_CachesResponse(t *testing.T) {
	stub := &brokerStub{t: t}
	cache := NewMemoryCache(0)
	t.Cleanup(func() { cache.Close() })
	c := newTestClient(t, stub, cache)

	opts := InvokeOptions{
		Context:    "OR CPRS GUI CHART",
		Parameters: []Parameter{{String: "CART"}},
		UseCache:   true,
		CacheTTL:   time.Minute,
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Invoke(context.Background(), "500", "1", "ORWPT LIST", opts); err != nil {
			t.Fatalf("Invoke %d: %v", i, err)
		}
	}
	if n := stub.rpcCalls.Load(); n != 1 {
		t.Errorf("rpc calls = %d, want 1", n)
	}
}

func TestInvoke_CacheKeyedByParameters(t *testing.T) {
	stub := &brokerStub{t: t}
	cache := NewMemoryCache(0)
	t.Cleanup(func() { cache.Close() })
	c := newTestClient(t, stub, cache)

	base := InvokeOptions{Context: "OR CPRS GUI CHART", UseCache: true, CacheTTL: time.Minute}
	a := base
	a.Parameters = []Parameter{{String: "CART"}}
	b := base
	b.Parameters = []Parameter{{String: "HARR"}}

	if _, err := c.Invoke(context.Background(), "500", "1", "ORWPT LIST", a); err != nil {
		t.Fatalf("Invoke a: %v", err)
	}
	if _, err := c.Invoke(context.Background(), "500", "1", "ORWPT LIST", b); err != nil {
		t.Fatalf("Invoke b: %v", err)
	}
	if n := stub.rpcCalls.Load(); n != 2 {
		t.Errorf("rpc calls = %d, want 2", n)
	}
}

func TestInvoke_RetriesOnceOn401(t *testing.T) {
	stub := &brokerStub{t: t}
	var rejected atomic.Bool
	stub.invoke = func(w http.ResponseWriter, r *http.Request) {
		if rejected.CompareAndSwap(false, true) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"success":   false,
				"errorCode": "JWT-EXPIRED",
				"errorType": "JwtException",
				"message":   "Token expired",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"path": r.URL.Path, "payload": "ok"})
	}
	c := newTestClient(t, stub, nil)

	got, err := c.Invoke(context.Background(), "500", "1", "XWB IM HERE", InvokeOptions{Context: "XOBV VISTALINK TESTER"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(got) != `"ok"` {
		t.Errorf("payload = %s", got)
	}
	if n := stub.rpcCalls.Load(); n != 2 {
		t.Errorf("rpc calls = %d, want 2", n)
	}
	if n := stub.tokenCalls.Load(); n != 2 {
		t.Errorf("token calls = %d, want 2", n)
	}
}

func TestInvoke_401FailsAfterSingleRetry(t *testing.T) {
	stub := &brokerStub{t: t}
	stub.invoke = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success":   false,
			"errorCode": "JWT-INVALID",
			"errorType": "JwtException",
			"message":   "Invalid token",
		})
	}
	c := newTestClient(t, stub, nil)

	_, err := c.Invoke(context.Background(), "500", "1", "XWB IM HERE", InvokeOptions{Context: "XOBV VISTALINK TESTER"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Kind != KindJwtException || apiErr.Code != "JWT-INVALID" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if n := stub.rpcCalls.Load(); n != 2 {
		t.Errorf("rpc calls = %d, want exactly 2", n)
	}
}

func TestInvoke_SecurityFaultNotRetried(t *testing.T) {
	stub := &brokerStub{t: t}
	stub.invoke = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"success":   false,
			"errorCode": "ACCESS-DENIED-78292",
			"errorType": "SecurityFault",
			"message":   "RPC_NOT_AUTHORIZED",
		})
	}
	c := newTestClient(t, stub, nil)

	_, err := c.Invoke(context.Background(), "500", "1", "DDR LISTER", InvokeOptions{Context: "DDR APPLICATION PROXY"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Kind != KindSecurityFault || apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if n := stub.rpcCalls.Load(); n != 1 {
		t.Errorf("rpc calls = %d, want 1", n)
	}
}

func TestInvoke_ClientJWTMode(t *testing.T) {
	stub := &brokerStub{t: t}
	callerTok := fakeBearer(t, time.Now().Add(time.Hour))
	var gotAuth, gotAPIKey string
	stub.invoke = func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get(clientJWTHeader)
		writeJSON(w, http.StatusOK, map[string]any{"path": r.URL.Path, "payload": "1"})
	}
	c := newTestClient(t, stub, nil)

	_, err := c.Invoke(context.Background(), "500", "1", "XWB IM HERE", InvokeOptions{
		Context:   "XOBV VISTALINK TESTER",
		ClientJWT: callerTok,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if gotAuth != "Bearer "+callerTok {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAPIKey != "test-standard-key-123" {
		t.Errorf("%s = %q", clientJWTHeader, gotAPIKey)
	}
	if n := stub.tokenCalls.Load(); n != 0 {
		t.Errorf("token calls = %d, want 0", n)
	}
}

func TestInvoke_ContextCancelledLeavesNoCacheEntry(t *testing.T) {
	stub := &brokerStub{t: t}
	stub.invoke = func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]any{"path": r.URL.Path, "payload": "1"})
	}
	cache := NewMemoryCache(0)
	t.Cleanup(func() { cache.Close() })
	c := newTestClient(t, stub, cache)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	opts := InvokeOptions{Context: "XOBV VISTALINK TESTER", UseCache: true, CacheTTL: time.Minute}
	if _, err := c.Invoke(ctx, "500", "1", "XWB IM HERE", opts); err == nil {
		t.Fatal("expected error from cancelled context")
	}

	key, err := responseCacheKey("500", "1", "XWB IM HERE", nil)
	if err != nil {
		t.Fatalf("responseCacheKey: %v", err)
	}
	if _, ok, _ := cache.Get(key); ok {
		t.Error("expected no cache entry after cancellation")
	}
}

func TestInvoke_NonEnvelopeErrorBody(t *testing.T) {
	stub := &brokerStub{t: t}
	stub.invoke = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}
	c := newTestClient(t, stub, nil)

	_, err := c.Invoke(context.Background(), "500", "1", "XWB IM HERE", InvokeOptions{Context: "XOBV VISTALINK TESTER"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Kind != KindHTTPError || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if !strings.Contains(apiErr.Message, "upstream unavailable") {
		t.Errorf("message = %q", apiErr.Message)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestResponseCacheKey_Stable(t *testing.T) {
	params := []Parameter{{String: "CART"}, {NamedArray: map[string]string{"a": "1"}}}
	k1, err := responseCacheKey("500", "1", "ORWPT LIST", params)
	if err != nil {
		t.Fatalf("responseCacheKey: %v", err)
	}
	k2, err := responseCacheKey("500", "1", "ORWPT LIST", params)
	if err != nil {
		t.Fatalf("responseCacheKey: %v", err)
	}
	if k1 != k2 {
		t.Errorf("keys differ: %q vs %q", k1, k2)
	}
	if !strings.HasPrefix(k1, "500:1:ORWPT LIST:") {
		t.Errorf("key = %q", k1)
	}

	k3, err := responseCacheKey("500", "1", "ORWPT LIST", []Parameter{{String: "HARR"}})
	if err != nil {
		t.Fatalf("responseCacheKey: %v", err)
	}
	if k1 == k3 {
		t.Error("different parameters produced the same key")
	}
}

func TestInvoke_TokenCacheDisabled(t *testing.T) {
	stub := &brokerStub{t: t}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	c := New(Options{
		BaseURL:           srv.URL,
		APIKey:            "test-standard-key-123",
		DisableTokenCache: true,
		Logger:            zerolog.Nop(),
	})

	opts := InvokeOptions{Context: "XOBV VISTALINK TESTER"}
	for i := 0; i < 3; i++ {
		if _, err := c.Invoke(context.Background(), "500", "1", "XWB IM HERE", opts); err != nil {
			t.Fatalf("Invoke %d: %v", i, err)
		}
	}
	if n := stub.tokenCalls.Load(); n != 3 {
		t.Errorf("token calls = %d, want 3", n)
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{
		ResponseCacheBackend:      "memory",
		ResponseCacheTTLSeconds:   60,
		TokenCacheEnabled:         true,
		TokenRefreshBufferSeconds: 45,
	}
	c, err := NewFromConfig(cfg, "http://localhost:8080", "test-standard-key-123", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	defer c.Close()
	if c.defaultTTL != time.Minute {
		t.Errorf("defaultTTL = %v", c.defaultTTL)
	}
	if !c.cacheToken {
		t.Error("expected token caching to be enabled")
	}
	if c.tokens.buffer != 45*time.Second {
		t.Errorf("refresh buffer = %v", c.tokens.buffer)
	}

	if _, err := NewFromConfig(&config.Config{ResponseCacheBackend: "bolt"}, "", "", zerolog.Nop()); err == nil {
		t.Error("expected cache backend error to propagate")
	}
}
