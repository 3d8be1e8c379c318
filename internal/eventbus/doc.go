/*
Package eventbus carries domain events between services over Redis pub/sub.

Every published payload is wrapped in an envelope holding the publisher's
W3C trace context and a millisecond timestamp:

	{"type": "payment.completed", "_traceContext": {"traceparent": "00-..."}, "_timestamp": 1700000000000}

Subscribers never see the envelope fields. When a trace context is present the
handler runs inside a "consume: <channel>" span whose parent is the
publisher's span, so a request traced at the gateway stays one trace across
the hop.

	bus := eventbus.New(conns.Publisher(), conns.Subscriber(), eventbus.WithLogger(logger))
	if err := bus.Connect(ctx); err != nil {
		return err
	}
	defer bus.Close()

	bus.Subscribe(ctx, eventbus.DefaultChannel, eventbus.HandlerFunc(func(ctx context.Context, p map[string]any) error {
		return nil
	}))
	bus.Publish(ctx, eventbus.DefaultChannel, map[string]any{"type": "payment.completed"})

Handler errors and panics are logged and counted; they never stop delivery.
Malformed messages are dropped.
*/
package eventbus
