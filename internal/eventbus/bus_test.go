package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/backbone/internal/infrastructure/monitoring"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type fixture struct {
	mr       *miniredis.Miniredis
	pub      *redis.Client
	sub      *redis.Client
	bus      *Bus
	recorder *tracetest.SpanRecorder
	tp       *sdktrace.TracerProvider
	metrics  *monitoring.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	bus := New(pub, sub, WithTracerProvider(tp), WithMetrics(metrics))
	require.NoError(t, bus.Connect(context.Background()))

	t.Cleanup(func() {
		_ = bus.Close()
		_ = pub.Close()
		_ = sub.Close()
		_ = tp.Shutdown(context.Background())
	})

	return &fixture{mr: mr, pub: pub, sub: sub, bus: bus, recorder: recorder, tp: tp, metrics: metrics}
}

type received struct {
	ctx     context.Context
	payload map[string]any
}

func collector() (Handler, <-chan received) {
	ch := make(chan received, 16)
	return HandlerFunc(func(ctx context.Context, payload map[string]any) error {
		ch <- received{ctx: ctx, payload: payload}
		return nil
	}), ch
}

func waitFor(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return received{}
	}
}

func consumeSpans(recorder *tracetest.SpanRecorder, name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == name {
			out = append(out, span)
		}
	}
	return out
}

// A payment.completed event published under an active trace reaches the
// subscriber without envelope fields, inside a consume span parented by the
// publisher's span.
func TestPublishSubscribeCarriesTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handler, got := collector()
	require.NoError(t, f.bus.Subscribe(ctx, DefaultChannel, handler))

	pubCtx, pubSpan := f.tp.Tracer("test").Start(ctx, "payment webhook")
	require.NoError(t, f.bus.Publish(pubCtx, DefaultChannel, map[string]any{
		"type":    "payment.completed",
		"traceId": "t1",
	}))
	pubSpan.End()

	r := waitFor(t, got)
	assert.Equal(t, map[string]any{"type": "payment.completed", "traceId": "t1"}, r.payload)
	assert.NotContains(t, r.payload, "_traceContext")
	assert.NotContains(t, r.payload, "_timestamp")

	handlerSpan := trace.SpanContextFromContext(r.ctx)
	assert.Equal(t, pubSpan.SpanContext().TraceID(), handlerSpan.TraceID())

	require.Eventually(t, func() bool {
		return len(consumeSpans(f.recorder, "consume: events")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	span := consumeSpans(f.recorder, "consume: events")[0]
	assert.Equal(t, codes.Ok, span.Status().Code)
	assert.Equal(t, trace.SpanKindConsumer, span.SpanKind())
	assert.Equal(t, pubSpan.SpanContext().TraceID(), span.SpanContext().TraceID())
	assert.Equal(t, pubSpan.SpanContext().SpanID(), span.Parent().SpanID())
	assert.Equal(t, handlerSpan.SpanID(), span.SpanContext().SpanID())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsPublished.WithLabelValues(DefaultChannel)))
}

func TestSubscribeWithoutTraceContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handler, got := collector()
	require.NoError(t, f.bus.Subscribe(ctx, "analytics", handler))

	// a publisher outside the bus sends a bare payload
	require.NoError(t, f.pub.Publish(ctx, "analytics", `{"type":"page.view"}`).Err())

	r := waitFor(t, got)
	assert.Equal(t, map[string]any{"type": "page.view"}, r.payload)
	assert.False(t, trace.SpanContextFromContext(r.ctx).IsValid())
	assert.Empty(t, consumeSpans(f.recorder, "consume: analytics"))
}

func TestPublishWithoutActiveSpan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handler, got := collector()
	require.NoError(t, f.bus.Subscribe(ctx, DefaultChannel, handler))
	require.NoError(t, f.bus.Publish(ctx, DefaultChannel, map[string]any{"type": "refund.issued"}))

	r := waitFor(t, got)
	assert.Equal(t, map[string]any{"type": "refund.issued"}, r.payload)
	assert.Empty(t, consumeSpans(f.recorder, "consume: events"))
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handler, got := collector()
	require.NoError(t, f.bus.Subscribe(ctx, DefaultChannel, handler))

	require.NoError(t, f.pub.Publish(ctx, DefaultChannel, "{broken").Err())
	require.NoError(t, f.bus.Publish(ctx, DefaultChannel, map[string]any{"type": "after"}))

	r := waitFor(t, got)
	assert.Equal(t, "after", r.payload["type"])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsRejected.WithLabelValues(DefaultChannel)))
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failing := HandlerFunc(func(ctx context.Context, payload map[string]any) error {
		return errors.New("downstream unavailable")
	})
	panicking := HandlerFunc(func(ctx context.Context, payload map[string]any) error {
		panic("handler bug")
	})
	handler, got := collector()

	require.NoError(t, f.bus.Subscribe(ctx, DefaultChannel, failing))
	require.NoError(t, f.bus.Subscribe(ctx, DefaultChannel, panicking))
	require.NoError(t, f.bus.Subscribe(ctx, DefaultChannel, handler))
	assert.Equal(t, []string{DefaultChannel}, f.bus.Channels())

	pubCtx, pubSpan := f.tp.Tracer("test").Start(ctx, "publish")
	for i := 0; i < 2; i++ {
		require.NoError(t, f.bus.Publish(pubCtx, DefaultChannel, map[string]any{"n": float64(i)}))
	}
	pubSpan.End()

	assert.Equal(t, float64(0), waitFor(t, got).payload["n"])
	assert.Equal(t, float64(1), waitFor(t, got).payload["n"])

	require.Eventually(t, func() bool {
		return len(consumeSpans(f.recorder, "consume: events")) == 6
	}, 2*time.Second, 10*time.Millisecond)

	var failed int
	for _, span := range consumeSpans(f.recorder, "consume: events") {
		if span.Status().Code == codes.Error {
			failed++
		}
	}
	assert.Equal(t, 4, failed)
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.EventsConsumed.WithLabelValues(DefaultChannel, "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.EventsConsumed.WithLabelValues(DefaultChannel, "ok")))
}

func TestHandlersGetTheirOwnPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mutating := HandlerFunc(func(ctx context.Context, payload map[string]any) error {
		payload["type"] = "changed"
		return nil
	})
	handler, got := collector()

	require.NoError(t, f.bus.Subscribe(ctx, DefaultChannel, mutating))
	require.NoError(t, f.bus.Subscribe(ctx, DefaultChannel, handler))
	require.NoError(t, f.bus.Publish(ctx, DefaultChannel, map[string]any{"type": "original"}))

	assert.Equal(t, "original", waitFor(t, got).payload["type"])
}

func TestChannelsAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payments, gotPayments := collector()
	analytics, gotAnalytics := collector()
	require.NoError(t, f.bus.Subscribe(ctx, "payments", payments))
	require.NoError(t, f.bus.Subscribe(ctx, "analytics", analytics))

	receivers, err := f.bus.PublishCount(ctx, "analytics", map[string]any{"type": "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), receivers)

	assert.Equal(t, "a", waitFor(t, gotAnalytics).payload["type"])
	select {
	case r := <-gotPayments:
		t.Fatalf("unexpected delivery on payments: %v", r.payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	f := newFixture(t)

	receivers, err := f.bus.PublishCount(context.Background(), "nobody", map[string]any{"type": "lost"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), receivers)
}

func TestConnectLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer pub.Close()
	defer sub.Close()

	bus := New(pub, sub)
	ctx := context.Background()

	assert.ErrorIs(t, bus.Publish(ctx, DefaultChannel, nil), ErrNotConnected)
	assert.ErrorIs(t, bus.Subscribe(ctx, DefaultChannel, HandlerFunc(func(context.Context, map[string]any) error { return nil })), ErrNotConnected)

	require.NoError(t, bus.Connect(ctx))
	require.NoError(t, bus.Connect(ctx))
	require.NoError(t, bus.Publish(ctx, DefaultChannel, map[string]any{"ok": true}))

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(ctx, DefaultChannel, nil), ErrClosed)
	assert.ErrorIs(t, bus.Connect(ctx), ErrClosed)
}

func TestConnectFailsWhenBrokerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer pub.Close()
	defer sub.Close()
	mr.Close()

	bus := New(pub, sub)
	err := bus.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect publisher")

	// not marked connected
	assert.ErrorIs(t, bus.Publish(context.Background(), DefaultChannel, nil), ErrNotConnected)
}

func TestCloseStopsDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	require.NoError(t, f.bus.Subscribe(ctx, DefaultChannel, HandlerFunc(func(context.Context, map[string]any) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})))

	require.NoError(t, f.bus.Close())
	assert.Empty(t, f.bus.Channels())

	// the server drops the subscription once it sees the connection close
	require.Eventually(t, func() bool {
		receivers, err := f.pub.Publish(ctx, DefaultChannel, `{"type":"late"}`).Result()
		return err == nil && receivers == 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}
