package tracing

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultCapacity is the number of traces kept when none is configured
	DefaultCapacity = 200
	// DefaultQueryLimit bounds query results when no limit is given
	DefaultQueryLimit = 50
)

// Trace summarizes one completed request
type Trace struct {
	ID          string        `json:"id"`
	Path        string        `json:"path"`
	Method      string        `json:"method"`
	Status      int           `json:"status"`
	DurationMs  float64       `json:"durationMs"`
	ServiceName string        `json:"serviceName"`
	Timestamp   time.Time     `json:"timestamp"`
	Spans       []TrackedSpan `json:"spans,omitempty"`
}

// Filter selects traces. Query is matched case-insensitively against path,
// method and status; Service must match exactly.
type Filter struct {
	Query   string
	Service string
	Limit   int
}

func (f Filter) matches(t Trace) bool {
	if f.Service != "" && t.ServiceName != f.Service {
		return false
	}
	if f.Query == "" {
		return true
	}
	q := strings.ToLower(f.Query)
	return strings.Contains(strings.ToLower(t.Path), q) ||
		strings.Contains(strings.ToLower(t.Method), q) ||
		strings.Contains(strconv.Itoa(t.Status), q)
}

// Capture is a bounded ring of recent traces. Once full, recording a trace
// evicts the oldest one.
type Capture struct {
	mu   sync.RWMutex
	buf  []Trace
	next int
	size int

	subMu sync.Mutex
	subs  map[chan Trace]struct{}
}

// NewCapture creates a ring holding at most capacity traces
func NewCapture(capacity int) *Capture {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Capture{
		buf:  make([]Trace, capacity),
		subs: make(map[chan Trace]struct{}),
	}
}

// Capacity returns the maximum number of traces kept
func (c *Capture) Capacity() int {
	return len(c.buf)
}

// Len returns the number of traces currently kept
func (c *Capture) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// Record stores t as the newest trace and notifies subscribers
func (c *Capture) Record(t Trace) {
	c.mu.Lock()
	c.buf[c.next] = t
	c.next = (c.next + 1) % len(c.buf)
	if c.size < len(c.buf) {
		c.size++
	}
	c.mu.Unlock()

	c.publish(t)
}

// Recent returns up to limit traces, newest first. A non-positive limit
// returns everything kept.
func (c *Capture) Recent(limit int) []Trace {
	return c.collect(Filter{Limit: limit}, len(c.buf))
}

// Query returns the newest traces matching f, newest first
func (c *Capture) Query(f Filter) []Trace {
	return c.collect(f, DefaultQueryLimit)
}

func (c *Capture) collect(f Filter, defaultLimit int) []Trace {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Trace, 0, min(limit, c.size))
	for i := 0; i < c.size && len(out) < limit; i++ {
		t := c.buf[(c.next-1-i+len(c.buf))%len(c.buf)]
		if f.matches(t) {
			out = append(out, t)
		}
	}
	return out
}

// Subscribe returns a feed of traces recorded from now on and a cancel func.
// A subscriber that falls more than buffer traces behind misses traces.
func (c *Capture) Subscribe(buffer int) (<-chan Trace, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Trace, buffer)

	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, ch)
			c.subMu.Unlock()
			close(ch)
		})
	}
}

func (c *Capture) publish(t Trace) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for ch := range c.subs {
		select {
		case ch <- t:
		default:
		}
	}
}
