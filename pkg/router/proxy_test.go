package router

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nebula/pkg/types"
)

func TestClassifyUpstream5xx(t *testing.T) {
	assert.Equal(t, kindUpstream5xx, classify(errUpstream5xx(502)))
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	assert.Equal(t, kindTimeout, classify(context.DeadlineExceeded))
}

func TestClassifyConnectRefused(t *testing.T) {
	err := &net.OpError{Op: "dial", Err: net.UnknownNetworkError("refused")}
	assert.Equal(t, kindConnect, classify(err))
}

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, kindConnect.retryable())
	assert.True(t, kindTimeout.retryable())
	assert.True(t, kindUpstream5xx.retryable())
	assert.False(t, kindOther.retryable())
}

func TestJitteredBackoffWithinBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := jitteredBackoff(50*time.Millisecond, 100*time.Millisecond)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
	}
}

func TestJitteredBackoffEqualBoundsReturnsMin(t *testing.T) {
	d := jitteredBackoff(50*time.Millisecond, 50*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, d)
}

func newRouterWithBackend(t *testing.T, modelUID, backendURL string) *Router {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RetryMax = 1
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	r := &Router{
		cfg:       cfg,
		transport: http.DefaultTransport,
	}
	r.index.Store(&Index{
		endpointsByUID: map[string][]types.EndpointInfo{
			modelUID: {healthyEndpoint("r1", modelUID, backendURL)},
		},
	})
	return r
}

func TestProxyHappyPath(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	r := newRouterWithBackend(t, "m1", backend.URL)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	err := r.Proxy(rec, req, "m1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
}

func TestProxyRetriesOnUpstream5xxToDifferentReplica(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer healthy.Close()

	cfg := DefaultConfig()
	cfg.RetryMax = 1
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	r := &Router{cfg: cfg, transport: http.DefaultTransport}
	r.index.Store(&Index{
		endpointsByUID: map[string][]types.EndpointInfo{
			"m1": {
				healthyEndpoint("bad", "m1", failing.URL),
				healthyEndpoint("good", "m1", healthy.URL),
			},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	err := r.Proxy(rec, req, "m1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestProxyDoesNotRetryOn4xx(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad request"))
	}))
	defer backend.Close()

	r := newRouterWithBackend(t, "m1", backend.URL)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	err := r.Proxy(rec, req, "m1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProxyRejectsOversizedBody(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestBodyBytes = 4
	r := &Router{cfg: cfg, transport: http.DefaultTransport}
	r.index.Store(&Index{
		endpointsByUID: map[string][]types.EndpointInfo{
			"m1": {healthyEndpoint("r1", "m1", "http://127.0.0.1:1")},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"too":"big"}`))
	rec := httptest.NewRecorder()

	err := r.Proxy(rec, req, "m1")
	assert.Error(t, err)
}

func TestStreamSSEFlushesChunks(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: chunk1\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		w.Write([]byte("data: chunk2\n\n"))
	}))
	defer backend.Close()

	r := newRouterWithBackend(t, "m1", backend.URL)
	req := httptest.NewRequest(http.MethodGet, "/v1/responses", nil)
	rec := httptest.NewRecorder()

	err := r.Proxy(rec, req, "m1")
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), "data: chunk1")
	assert.Contains(t, rec.Body.String(), "data: chunk2")
}
