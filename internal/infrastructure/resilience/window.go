package resilience

import "time"

type bucket struct {
	epoch     int64
	successes uint32
	failures  uint32
}

// rollingWindow counts outcomes over the trailing span, split into buckets
// that are recycled as time moves on.
type rollingWindow struct {
	span    time.Duration
	width   int64
	buckets []bucket
}

func newRollingWindow(span time.Duration, n int) *rollingWindow {
	if n <= 0 {
		n = 10
	}
	width := int64(span) / int64(n)
	if width <= 0 {
		width = 1
	}
	return &rollingWindow{
		span:    span,
		width:   width,
		buckets: make([]bucket, n),
	}
}

func (w *rollingWindow) record(now time.Time, success bool) {
	epoch := now.UnixNano() / w.width
	b := &w.buckets[epoch%int64(len(w.buckets))]
	if b.epoch != epoch {
		*b = bucket{epoch: epoch}
	}
	if success {
		b.successes++
	} else {
		b.failures++
	}
}

// totals sums every bucket still inside the window.
func (w *rollingWindow) totals(now time.Time) (successes, failures uint32) {
	current := now.UnixNano() / w.width
	oldest := current - int64(len(w.buckets)) + 1
	for _, b := range w.buckets {
		if b.epoch >= oldest && b.epoch <= current {
			successes += b.successes
			failures += b.failures
		}
	}
	return successes, failures
}

func (w *rollingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
