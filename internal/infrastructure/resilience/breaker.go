package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
	ErrTimeout         = errors.New("circuit breaker call timed out")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures the circuit breaker behavior
type Settings struct {
	// ErrorThresholdPercentage trips the breaker once this share of calls in
	// the rolling window failed
	ErrorThresholdPercentage float64
	// VolumeThreshold is the minimum number of calls in the window before the
	// breaker may trip
	VolumeThreshold uint32
	// RollingWindow is the trailing period failures are counted over
	RollingWindow time.Duration
	// WindowBuckets is the number of buckets the rolling window is split into
	WindowBuckets int
	// ResetTimeout is how long the breaker stays open before admitting a probe
	ResetTimeout time.Duration
	// CallTimeout bounds every admitted call; negative disables it
	CallTimeout time.Duration
	// MaxRequests is the number of probes admitted while half-open
	MaxRequests uint32
	// ReadyToTrip overrides the threshold check
	ReadyToTrip func(counts Counts) bool
	// IsFailure decides whether an error counts against the breaker
	IsFailure func(err error) bool
	// Fallback produces the result for rejected or failed calls
	Fallback func(ctx context.Context, err error) (interface{}, error)
	// OnStateChange is called whenever the state changes
	OnStateChange func(name string, from State, to State)
}

// Counts holds the statistics for the circuit breaker. Requests and the
// totals cover the rolling window in the closed state and the probes in the
// half-open state.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// ErrorPercentage returns the failed share of requests, 0 when there were none
func (c Counts) ErrorPercentage() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests) * 100
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name     string
	settings Settings

	mu          sync.Mutex
	state       State
	generation  uint64
	window      *rollingWindow
	counts      Counts
	inFlight    uint32
	expiry      time.Time
	lastChanged time.Time
}

// New creates a new circuit breaker with the given settings
func New(name string, settings Settings) *Breaker {
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 1
	}
	if settings.RollingWindow <= 0 {
		settings.RollingWindow = 10 * time.Second
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = 30 * time.Second
	}
	if settings.CallTimeout == 0 {
		settings.CallTimeout = 5 * time.Second
	}
	if settings.ErrorThresholdPercentage <= 0 {
		settings.ErrorThresholdPercentage = 50
	}
	if settings.VolumeThreshold == 0 {
		settings.VolumeThreshold = 1
	}
	if settings.ReadyToTrip == nil {
		threshold := settings.ErrorThresholdPercentage
		volume := settings.VolumeThreshold
		settings.ReadyToTrip = func(counts Counts) bool {
			return counts.Requests >= volume && counts.ErrorPercentage() >= threshold
		}
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}

	return &Breaker{
		name:        name,
		settings:    settings,
		state:       StateClosed,
		window:      newRollingWindow(settings.RollingWindow, settings.WindowBuckets),
		lastChanged: time.Now(),
	}
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, _ := b.currentState(time.Now())
	return state
}

// LastTransition returns when the breaker last changed state
func (b *Breaker) LastTransition() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lastChanged
}

// Counts returns a snapshot of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.currentState(now)
	return b.snapshot(now)
}

// Execute runs req if the breaker admits it. Rejected and failed calls are
// answered by the fallback when one is configured.
func (b *Breaker) Execute(ctx context.Context, req func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	generation, err := b.beforeRequest()
	if err != nil {
		return b.fallback(ctx, err)
	}

	o := b.call(ctx, req)
	if o.panicked != nil {
		b.afterRequest(generation, false)
		panic(o.panicked)
	}

	failed := b.settings.IsFailure(o.err)
	b.afterRequest(generation, !failed)
	if o.err != nil {
		if failed {
			return b.fallback(ctx, o.err)
		}
		return nil, o.err
	}
	return o.result, nil
}

type outcome struct {
	result   interface{}
	err      error
	panicked interface{}
}

// call runs req bounded by CallTimeout. The request keeps its goroutine
// after a timeout; only the caller is released.
func (b *Breaker) call(ctx context.Context, req func(ctx context.Context) (interface{}, error)) (o outcome) {
	if b.settings.CallTimeout < 0 {
		defer func() {
			o.panicked = recover()
		}()
		o.result, o.err = req(ctx)
		return o
	}

	callCtx, cancel := context.WithTimeout(ctx, b.settings.CallTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{panicked: p}
			}
		}()
		r, e := req(callCtx)
		done <- outcome{result: r, err: e}
	}()

	select {
	case o = <-done:
		return o
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return outcome{err: ctx.Err()}
		}
		return outcome{err: ErrTimeout}
	}
}

func (b *Breaker) fallback(ctx context.Context, err error) (interface{}, error) {
	if b.settings.Fallback == nil {
		return nil, err
	}
	return b.settings.Fallback(ctx, err)
}

// beforeRequest is called before a request is executed
func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, generation := b.currentState(time.Now())

	switch state {
	case StateOpen:
		return generation, ErrCircuitOpen
	case StateHalfOpen:
		if b.counts.Requests+b.inFlight >= b.settings.MaxRequests {
			return generation, ErrTooManyRequests
		}
		b.inFlight++
	}

	return generation, nil
}

// afterRequest is called after a request is executed
func (b *Breaker) afterRequest(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if generation != before {
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

// onSuccess handles successful requests
func (b *Breaker) onSuccess(state State, now time.Time) {
	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0

	switch state {
	case StateClosed:
		b.window.record(now, true)
		if b.settings.ReadyToTrip(b.snapshot(now)) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.inFlight--
		b.counts.Requests++
		b.counts.TotalSuccesses++
		if b.counts.ConsecutiveSuccesses >= b.settings.MaxRequests {
			b.setState(StateClosed, now)
		}
	}
}

// onFailure handles failed requests
func (b *Breaker) onFailure(state State, now time.Time) {
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0

	switch state {
	case StateClosed:
		b.window.record(now, false)
		if b.settings.ReadyToTrip(b.snapshot(now)) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) snapshot(now time.Time) Counts {
	counts := b.counts
	if b.state == StateClosed {
		successes, failures := b.window.totals(now)
		counts.TotalSuccesses = successes
		counts.TotalFailures = failures
		counts.Requests = successes + failures
	}
	return counts
}

// currentState returns the current state and generation
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	if b.state == StateOpen && !b.expiry.After(now) {
		b.setState(StateHalfOpen, now)
	}
	return b.state, b.generation
}

// setState changes the state of the circuit breaker
func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.generation++
	b.lastChanged = now

	b.counts = Counts{}
	b.inFlight = 0
	b.window.reset()

	switch state {
	case StateOpen:
		b.expiry = now.Add(b.settings.ResetTimeout)
	default:
		b.expiry = time.Time{}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
}
