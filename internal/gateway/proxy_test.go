package gateway

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/GriffinCanCode/backbone/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/tracing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type seenRequest struct {
	method string
	path   string
	query  string
	body   string
	header http.Header
}

func newBackend(t *testing.T, status int, body string) (*httptest.Server, chan seenRequest) {
	t.Helper()
	seen := make(chan seenRequest, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		seen <- seenRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			body:   string(data),
			header: r.Header.Clone(),
		}
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func newRouter(t *testing.T, routes []Route, opts Options) (*gin.Engine, *Proxy) {
	t.Helper()
	routes, err := normalize(routes)
	require.NoError(t, err)
	proxy, err := New(routes, opts)
	require.NoError(t, err)

	router := gin.New()
	proxy.Register(router)
	return router, proxy
}

func serve(router http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, target, body))
	return w
}

func TestProxyForwardsRequest(t *testing.T) {
	payments, seen := newBackend(t, http.StatusCreated, `{"id":"p1"}`)
	router, _ := newRouter(t, []Route{{Prefix: "/api/payments", Target: payments.URL}}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/payments/charges?currency=usd", strings.NewReader(`{"amount":100}`))
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"id":"p1"}`, w.Body.String())
	assert.Equal(t, "yes", w.Header().Get("X-Backend"))

	got := <-seen
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/charges", got.path)
	assert.Equal(t, "currency=usd", got.query)
	assert.Equal(t, `{"amount":100}`, got.body)
	assert.Equal(t, "Bearer token", got.header.Get("Authorization"))
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, "/api/payments", got.header.Get("X-Forwarded-Prefix"))
	assert.NotEmpty(t, got.header.Get("X-Forwarded-For"))
}

func TestProxyLongestPrefixWins(t *testing.T) {
	payments, paymentsSeen := newBackend(t, http.StatusOK, "payments")
	refunds, refundsSeen := newBackend(t, http.StatusOK, "refunds")

	router, proxy := newRouter(t, []Route{
		{Prefix: "/api/payments", Target: payments.URL},
		{Prefix: "/api/payments/refunds", Target: refunds.URL + "/v2"},
	}, Options{})

	w := serve(router, http.MethodGet, "/api/payments/refunds/r1", nil)
	assert.Equal(t, "refunds", w.Body.String())
	assert.Equal(t, "/v2/r1", (<-refundsSeen).path)

	w = serve(router, http.MethodGet, "/api/payments", nil)
	assert.Equal(t, "payments", w.Body.String())
	assert.Equal(t, "/", (<-paymentsSeen).path)

	route, ok := proxy.Match("/api/payments/refunds")
	require.True(t, ok)
	assert.Equal(t, "/api/payments/refunds", route.Prefix)
	assert.Equal(t, "/api/payments/refunds", proxy.Routes()[0].Prefix)
}

func TestProxyNoRoute(t *testing.T) {
	payments, _ := newBackend(t, http.StatusOK, "")
	router, proxy := newRouter(t, []Route{{Prefix: "/api/payments", Target: payments.URL}}, Options{})

	w := serve(router, http.MethodGet, "/api/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, ok := proxy.Match("/api/paymentsx")
	assert.False(t, ok)
}

func TestProxyInjectsTraceContext(t *testing.T) {
	payments, seen := newBackend(t, http.StatusOK, "")

	tp := trace.NewTracerProvider(trace.WithSpanProcessor(tracetest.NewSpanRecorder()))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })

	routes, err := ParseRoutes("/api/payments=" + payments.URL)
	require.NoError(t, err)
	proxy, err := New(routes, Options{})
	require.NoError(t, err)

	router := gin.New()
	router.Use(tracing.Middleware(nil, tp, "gateway"))
	proxy.Register(router)

	w := serve(router, http.MethodGet, "/api/payments/p1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	traceID := w.Header().Get(tracing.TraceIDHeader)
	traceparent := (<-seen).header.Get(tracing.TraceParentKey)
	require.NotEmpty(t, traceparent)
	assert.Contains(t, traceparent, traceID)
}

func TestProxyUnreachableBackend(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	addr := dead.URL
	dead.Close()

	router, _ := newRouter(t, []Route{{Prefix: "/api/payments", Target: addr}}, Options{})

	w := serve(router, http.MethodGet, "/api/payments", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "Bad Gateway")
}

func TestProxyTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	on := true
	router, _ := newRouter(t, []Route{{Prefix: "/api/payments", Target: slow.URL, Breaker: &on}}, Options{
		Breaker: resilience.Settings{CallTimeout: 50 * time.Millisecond, VolumeThreshold: 10},
	})

	w := serve(router, http.MethodGet, "/api/payments", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestProxyBreakerOpensAndRecovers(t *testing.T) {
	var (
		calls   atomic.Int32
		healthy atomic.Bool
	)
	payments := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if healthy.Load() {
			_, _ = io.WriteString(w, "ok")
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(payments.Close)

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	var transitions []string
	router, proxy := newRouter(t, []Route{{Prefix: "/api/payments", Target: payments.URL}}, Options{
		BreakerByDefault: true,
		Metrics:          metrics,
		Breaker: resilience.Settings{
			ErrorThresholdPercentage: 50,
			VolumeThreshold:          4,
			ResetTimeout:             100 * time.Millisecond,
			OnStateChange: func(_ string, from, to resilience.State) {
				transitions = append(transitions, from.String()+"->"+to.String())
			},
		},
	})

	// upstream 5xx responses reach the caller and count as failures
	for i := 0; i < 4; i++ {
		w := serve(router, http.MethodGet, "/api/payments", nil)
		require.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "boom")
	}
	require.EqualValues(t, 4, calls.Load())
	assert.Equal(t, resilience.StateOpen, proxy.Breaker("/api/payments").State())
	assert.Equal(t, map[string]string{"/api/payments": "open"}, proxy.BreakerStates())

	// open: fallback without contacting the backend
	w := serve(router, http.MethodGet, "/api/payments", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"service unavailable","fallback":true}`, w.Body.String())
	assert.EqualValues(t, 4, calls.Load())

	// after the reset timeout one probe goes through and closes the breaker
	healthy.Store(true)
	time.Sleep(150 * time.Millisecond)

	w = serve(router, http.MethodGet, "/api/payments", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.EqualValues(t, 5, calls.Load())
	assert.Equal(t, resilience.StateClosed, proxy.Breaker("/api/payments").State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BreakerTransitions.WithLabelValues("/api/payments", "closed", "open")))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.ProxyRequests.WithLabelValues("/api/payments", "500")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProxyRequests.WithLabelValues("/api/payments", "503")))
}

func TestProxyCustomFallback(t *testing.T) {
	payments, _ := newBackend(t, http.StatusBadGateway, "")
	router, _ := newRouter(t, []Route{{Prefix: "/api/payments", Target: payments.URL}}, Options{
		BreakerByDefault: true,
		Breaker:          resilience.Settings{VolumeThreshold: 1, ResetTimeout: time.Minute},
		Fallback:         Fallback{Status: http.StatusOK, Body: map[string]interface{}{"payments": []string{}, "cached": true}},
	})

	assert.Equal(t, http.StatusBadGateway, serve(router, http.MethodGet, "/api/payments", nil).Code)

	w := serve(router, http.MethodGet, "/api/payments", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"payments":[],"cached":true}`, w.Body.String())
}

func TestProxyRouteOptsOutOfBreaker(t *testing.T) {
	payments, _ := newBackend(t, http.StatusInternalServerError, "")
	off := false
	router, proxy := newRouter(t, []Route{{Prefix: "/api/payments", Target: payments.URL, Breaker: &off}}, Options{
		BreakerByDefault: true,
		Breaker:          resilience.Settings{VolumeThreshold: 1},
	})

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusInternalServerError, serve(router, http.MethodGet, "/api/payments", nil).Code)
	}
	assert.Nil(t, proxy.Breaker("/api/payments"))
	assert.Empty(t, proxy.BreakerStates())
}

func TestNewRequiresRoutes(t *testing.T) {
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, ErrNoRoutes)
}
