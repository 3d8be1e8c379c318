package eventbus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/GriffinCanCode/backbone/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/tracing"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultChannel is the channel services publish domain events on
const DefaultChannel = "events"

var (
	ErrNotConnected = errors.New("event bus not connected")
	ErrClosed       = errors.New("event bus closed")
)

// Handler consumes the payload of one message
type Handler interface {
	Handle(ctx context.Context, payload map[string]any) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, payload map[string]any) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, payload map[string]any) error {
	return f(ctx, payload)
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(b *Bus) {
		b.metrics = metrics
	}
}

// WithTracerProvider sets the provider consumer spans are created with
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Bus) {
		if tp != nil {
			b.tracer = tp.Tracer(instrumentationName)
		}
	}
}

const instrumentationName = "github.com/GriffinCanCode/backbone/eventbus"

// Bus is a publish/subscribe layer over Redis. Publishing and subscribing
// use separate connections. Delivery is at most once per connected
// subscriber and nothing is retried.
type Bus struct {
	pub     redis.UniversalClient
	sub     redis.UniversalClient
	logger  *zap.Logger
	metrics *monitoring.Metrics
	tracer  trace.Tracer

	mu        sync.RWMutex
	connected bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	handlers  map[string][]Handler
	pubsubs   map[string]*redis.PubSub

	// serializes channel subscription setup
	subscribeMu sync.Mutex
	wg          sync.WaitGroup
}

// New creates a bus over the given publish and subscribe connections
func New(pub, sub redis.UniversalClient, opts ...Option) *Bus {
	b := &Bus{
		pub:      pub,
		sub:      sub,
		logger:   zap.NewNop(),
		tracer:   otel.GetTracerProvider().Tracer(instrumentationName),
		handlers: make(map[string][]Handler),
		pubsubs:  make(map[string]*redis.PubSub),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect checks both connections. Calling it again once connected does
// nothing.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.connected {
		return nil
	}

	if err := b.pub.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect publisher: %w", err)
	}
	if err := b.sub.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect subscriber: %w", err)
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.connected = true
	b.logger.Info("event bus connected")
	return nil
}

func (b *Bus) ready() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	if !b.connected {
		return ErrNotConnected
	}
	return nil
}

// Publish sends payload on channel with the trace context of ctx attached.
// It does not wait for subscribers.
func (b *Bus) Publish(ctx context.Context, channel string, payload map[string]any) error {
	_, err := b.PublishCount(ctx, channel, payload)
	return err
}

// PublishCount is Publish returning the number of subscribers that received
// the message
func (b *Bus) PublishCount(ctx context.Context, channel string, payload map[string]any) (int64, error) {
	if err := b.ready(); err != nil {
		return 0, err
	}

	data, err := Encode(Envelope{
		Payload:      payload,
		TraceContext: tracing.InjectTraceContext(ctx),
		Timestamp:    time.Now().UnixMilli(),
	})
	if err != nil {
		return 0, err
	}

	receivers, err := b.pub.Publish(ctx, channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", channel, err)
	}

	b.metrics.RecordEventPublished(channel)
	b.logger.Debug("event published",
		zap.String("channel", channel),
		zap.Int64("receivers", receivers),
		zap.String("trace_id", tracing.GetTraceID(ctx)),
	)
	return receivers, nil
}

// Subscribe registers handler for every message on channel. The first
// handler of a channel opens its Redis subscription; Subscribe returns once
// the subscription is confirmed.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if handler == nil {
		return errors.New("nil handler")
	}
	if err := b.ready(); err != nil {
		return err
	}

	b.subscribeMu.Lock()
	defer b.subscribeMu.Unlock()

	b.mu.Lock()
	_, subscribed := b.pubsubs[channel]
	b.handlers[channel] = append(b.handlers[channel], handler)
	b.mu.Unlock()

	if subscribed {
		return nil
	}

	pubsub := b.sub.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		b.removeHandlers(channel)
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = pubsub.Close()
		return ErrClosed
	}
	b.pubsubs[channel] = pubsub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(channel, pubsub)

	b.logger.Info("subscribed", zap.String("channel", channel))
	return nil
}

func (b *Bus) removeHandlers(channel string) {
	b.mu.Lock()
	delete(b.handlers, channel)
	b.mu.Unlock()
}

func (b *Bus) listen(channel string, pubsub *redis.PubSub) {
	defer b.wg.Done()

	for msg := range pubsub.Channel() {
		b.dispatch(channel, []byte(msg.Payload))
	}
}

func (b *Bus) dispatch(channel string, data []byte) {
	env, err := Decode(data)
	if err != nil {
		b.metrics.RecordEventRejected(channel)
		b.logger.Warn("dropping malformed event",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[channel]...)
	base := b.ctx
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(base, channel, env, h)
	}
}

// deliver runs one handler. With a trace context the handler runs inside a
// consumer span parented by the publisher's span.
func (b *Bus) deliver(ctx context.Context, channel string, env Envelope, h Handler) {
	var span trace.Span
	if tracing.HasTraceContext(env.TraceContext) {
		ctx = tracing.ExtractTraceContext(ctx, env.TraceContext)
		ctx, span = b.tracer.Start(ctx, "consume: "+channel,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "redis"),
				attribute.String("messaging.destination.name", channel),
				attribute.Int64("messaging.published_at", env.Timestamp),
			),
		)
	}

	start := time.Now()
	err := b.safeHandle(ctx, h, maps.Clone(env.Payload))
	duration := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		b.logger.Error("event handler failed",
			zap.String("channel", channel),
			zap.Duration("duration", duration),
			zap.String("trace_id", tracing.GetTraceID(ctx)),
			zap.Error(err),
		)
	}
	b.metrics.RecordEventConsumed(channel, status, duration)

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (b *Bus) safeHandle(ctx context.Context, h Handler, payload map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, payload)
}

// Channels returns the channels with an open subscription
func (b *Bus) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	channels := make([]string, 0, len(b.pubsubs))
	for channel := range b.pubsubs {
		channels = append(channels, channel)
	}
	return channels
}

// Close ends every subscription and waits for in-progress handlers. The
// underlying connections are left open for their owner to close.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	pubsubs := b.pubsubs
	b.pubsubs = make(map[string]*redis.PubSub)
	b.mu.Unlock()

	var errs []error
	for channel, pubsub := range pubsubs {
		if err := pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscription %s: %w", channel, err))
		}
	}
	b.wg.Wait()

	b.logger.Info("event bus closed")
	return errors.Join(errs...)
}
