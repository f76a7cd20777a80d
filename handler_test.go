package dohgw

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func testHandler(t *testing.T, resolver Resolver) *Handler {
	t.Helper()
	metrics := NewMetrics()
	rl := NewRateLimiter(RateLimiterOptions{PerIPRate: 1000, PerIPConcurrent: 1000}, metrics)
	t.Cleanup(rl.Close)
	return NewHandler("test-doh", resolver, rl, metrics, HandlerOptions{}, nil)
}

func TestHandlerDNSQueryGET(t *testing.T) {
	upstream := new(TestResolver)
	h := testHandler(t, upstream)
	mux := h.Mux()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	wire, err := q.Pack()
	require.NoError(t, err)
	b64 := base64.RawURLEncoding.EncodeToString(wire)

	req := httptest.NewRequest(http.MethodGet, "/dns-query?dns="+b64, nil)
	req.RemoteAddr = "10.0.0.5:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/dns-message", rec.Header().Get("Content-Type"))
	require.Equal(t, 1, upstream.HitCount())

	a := new(dns.Msg)
	require.NoError(t, a.Unpack(rec.Body.Bytes()))
	require.Equal(t, q.Id, a.Id)
}

func TestHandlerDNSQueryPOST(t *testing.T) {
	upstream := new(TestResolver)
	h := testHandler(t, upstream)
	mux := h.Mux()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	wire, err := q.Pack()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(wire))
	req.Header.Set("Content-Type", "application/dns-message")
	req.RemoteAddr = "10.0.0.5:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, upstream.HitCount())
}

func TestHandlerDNSQueryPOSTWrongContentType(t *testing.T) {
	h := testHandler(t, new(TestResolver))
	mux := h.Mux()

	req := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader([]byte("junk")))
	req.Header.Set("Content-Type", "text/plain")
	req.RemoteAddr = "10.0.0.5:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestHandlerDNSQueryPOSTTooLarge(t *testing.T) {
	h := testHandler(t, new(TestResolver))
	mux := h.Mux()

	req := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(make([]byte, MaxRequestSize+1)))
	req.Header.Set("Content-Type", "application/dns-message")
	req.RemoteAddr = "10.0.0.5:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandlerResolveJSON(t *testing.T) {
	upstream := new(TestResolver)
	h := testHandler(t, upstream)
	mux := h.Mux()

	req := httptest.NewRequest(http.MethodGet, "/resolve?name=example.com&type=A", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/dns-json", rec.Header().Get("Content-Type"))
	require.Equal(t, 1, upstream.HitCount())
}

func TestHandlerResolveMissingName(t *testing.T) {
	h := testHandler(t, new(TestResolver))
	mux := h.Mux()

	req := httptest.NewRequest(http.MethodGet, "/resolve", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerHealth(t *testing.T) {
	metrics := NewMetrics()
	h := NewHandler("test-doh", new(TestResolver), nil, metrics, HandlerOptions{}, func() bool { return false })
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlerClientIPFromForwardedFor(t *testing.T) {
	h := testHandler(t, new(TestResolver))
	req := httptest.NewRequest(http.MethodGet, "/dns-query", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")
	ip := h.extractClientIP(req)
	require.Equal(t, "203.0.113.9", ip.String())
}

func TestHandlerClientIPFallsBackToRemoteAddr(t *testing.T) {
	h := testHandler(t, new(TestResolver))
	req := httptest.NewRequest(http.MethodGet, "/dns-query", nil)
	req.RemoteAddr = "192.168.1.2:4321"
	ip := h.extractClientIP(req)
	require.Equal(t, "192.168.1.2", ip.String())
}
