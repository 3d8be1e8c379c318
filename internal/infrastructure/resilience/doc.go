/*
Package resilience provides the circuit breaker guarding synchronous calls to
downstream services.

# Overview

A Breaker tracks the error rate of the calls it wraps over a rolling window.
When the rate crosses a threshold it opens and fails fast, serving a fallback
instead of calling the failing dependency. After a cool-down it admits a probe
to find out whether the dependency recovered.

# Usage

	breaker := resilience.New("payments", resilience.Settings{
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          10,
		RollingWindow:            10 * time.Second,
		ResetTimeout:             30 * time.Second,
		CallTimeout:              5 * time.Second,
		Fallback: func(ctx context.Context, err error) (interface{}, error) {
			return cachedQuote, nil
		},
	})

	result, err := breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return client.Quote(ctx)
	})

# States

	Closed --[error rate >= threshold]-> Open --[reset timeout]-> Half-Open --[probe ok]-> Closed
	                                                                 |
	                                                          [probe fails]
	                                                                 |
	                                                                 v
	                                                                Open

Counts in the closed state come from a bucketed rolling window, so old
failures age out instead of being cleared all at once.
*/
package resilience
