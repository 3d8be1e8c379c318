package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/backbone/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/tracing"
)

// Fallback is written when a route's breaker rejects a call
type Fallback struct {
	Status int
	Body   interface{}
}

// DefaultFallback answers 503 with a JSON body marked as a fallback
func DefaultFallback() Fallback {
	return Fallback{
		Status: http.StatusServiceUnavailable,
		Body:   gin.H{"error": "service unavailable", "fallback": true},
	}
}

// Options configures the proxy
type Options struct {
	// Breaker is the template for per-route breakers
	Breaker resilience.Settings
	// BreakerByDefault guards routes that do not say otherwise
	BreakerByDefault bool
	Fallback         Fallback
	// Transport defaults to a clone of http.DefaultTransport
	Transport http.RoundTripper
	// Timeout bounds the wait for response headers on the default transport
	Timeout time.Duration
	Logger    *zap.Logger
	Metrics   *monitoring.Metrics
}

type backend struct {
	Route
	target  *url.URL
	proxy   *httputil.ReverseProxy
	breaker *resilience.Breaker
}

// Proxy forwards requests to the backend owning the longest matching prefix
type Proxy struct {
	backends []*backend
	fallback Fallback
	logger   *zap.Logger
	metrics  *monitoring.Metrics
}

// New builds a proxy over routes, which must already be normalized
func New(routes []Route, opts Options) (*Proxy, error) {
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Fallback.Status == 0 {
		opts.Fallback = DefaultFallback()
	}
	base := opts.Transport
	if base == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = opts.Timeout
		base = t
	}

	p := &Proxy{
		fallback: opts.Fallback,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}

	for _, r := range routes {
		target, err := url.Parse(r.Target)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", r.Prefix, err)
		}

		b := &backend{Route: r, target: target}

		transport := base
		guarded := opts.BreakerByDefault
		if r.Breaker != nil {
			guarded = *r.Breaker
		}
		if guarded {
			settings := opts.Breaker
			settings.Fallback = nil
			settings.OnStateChange = p.onStateChange(opts.Breaker.OnStateChange)
			b.breaker = resilience.New(r.Prefix, settings)
			transport = &breakerTransport{base: base, breaker: b.breaker}
		}

		b.proxy = &httputil.ReverseProxy{
			Rewrite:      p.rewrite(b),
			Transport:    transport,
			ErrorHandler: p.errorHandler(b),
		}
		p.backends = append(p.backends, b)
	}
	return p, nil
}

// Match returns the route owning path
func (p *Proxy) Match(path string) (Route, bool) {
	if b := p.match(path); b != nil {
		return b.Route, true
	}
	return Route{}, false
}

// Breaker returns the breaker guarding prefix, nil when unguarded
func (p *Proxy) Breaker(prefix string) *resilience.Breaker {
	for _, b := range p.backends {
		if b.Prefix == prefix {
			return b.breaker
		}
	}
	return nil
}

// Routes lists the configured routes, longest prefix first
func (p *Proxy) Routes() []Route {
	routes := make([]Route, len(p.backends))
	for i, b := range p.backends {
		routes[i] = b.Route
	}
	return routes
}

// BreakerStates reports the state of every guarded route
func (p *Proxy) BreakerStates() map[string]string {
	states := make(map[string]string)
	for _, b := range p.backends {
		if b.breaker != nil {
			states[b.Prefix] = b.breaker.State().String()
		}
	}
	return states
}

// Handle proxies the request or answers 404 when no route matches
func (p *Proxy) Handle(c *gin.Context) {
	b := p.match(c.Request.URL.Path)
	if b == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no route for path"})
		return
	}

	start := time.Now()
	b.proxy.ServeHTTP(c.Writer, c.Request)
	p.metrics.RecordProxy(b.Prefix, strconv.Itoa(c.Writer.Status()), time.Since(start))
}

// Register mounts the proxy under /api behind guards, which run in order
func (p *Proxy) Register(r gin.IRouter, guards ...gin.HandlerFunc) {
	api := r.Group("/api", guards...)
	api.Any("/*path", p.Handle)
}

func (p *Proxy) match(path string) *backend {
	for _, b := range p.backends {
		if matches(b.Prefix, path) {
			return b
		}
	}
	return nil
}

// rewrite strips the route prefix, joins the rest onto the target and
// forwards the caller's trace context
func (p *Proxy) rewrite(b *backend) func(*httputil.ProxyRequest) {
	return func(pr *httputil.ProxyRequest) {
		rest := strings.TrimPrefix(pr.In.URL.Path, b.Prefix)
		if b.Prefix == "/" {
			rest = pr.In.URL.Path
		}
		if !strings.HasPrefix(rest, "/") {
			rest = "/" + rest
		}
		pr.Out.URL.Path = rest
		pr.Out.URL.RawPath = ""

		pr.SetURL(b.target)
		pr.SetXForwarded()
		pr.Out.Header.Set("X-Forwarded-Prefix", b.Prefix)

		tracing.Propagator().Inject(pr.In.Context(), propagation.HeaderCarrier(pr.Out.Header))
	}
}

func (p *Proxy) errorHandler(b *backend) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
			p.logger.Debug("breaker rejected request",
				zap.String("route", b.Prefix),
				zap.String("path", r.URL.Path))
			writeJSON(w, p.fallback.Status, p.fallback.Body)
			return
		case errors.Is(err, context.Canceled):
			// client went away; nothing useful to write
			w.WriteHeader(499)
			return
		case isTimeout(err):
			status = http.StatusGatewayTimeout
		}

		p.logger.Warn("proxy request failed",
			zap.String("route", b.Prefix),
			zap.String("target", b.Target),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
		writeJSON(w, status, gin.H{"error": http.StatusText(status)})
	}
}

func (p *Proxy) onStateChange(next func(string, resilience.State, resilience.State)) func(string, resilience.State, resilience.State) {
	return func(name string, from, to resilience.State) {
		p.logger.Warn("circuit breaker state changed",
			zap.String("route", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		p.metrics.SetBreakerState(name, from.String(), to.String(), int(to))
		if next != nil {
			next(name, from, to)
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, resilience.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	data, err := sonic.Marshal(body)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}

// breakerTransport runs each round trip through a breaker. Upstream 5xx
// responses count as failures but still reach the caller.
type breakerTransport struct {
	base    http.RoundTripper
	breaker *resilience.Breaker
}

type upstreamError struct {
	resp *http.Response
}

func (e *upstreamError) Error() string {
	return "upstream responded " + e.resp.Status
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out, err := t.breaker.Execute(req.Context(), func(ctx context.Context) (interface{}, error) {
		resp, err := t.base.RoundTrip(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		// the body is read inside the call so the breaker timeout covers it
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		resp.TransferEncoding = nil
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))

		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &upstreamError{resp: resp}
		}
		return resp, nil
	})

	var ue *upstreamError
	if errors.As(err, &ue) {
		return ue.resp, nil
	}
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}
