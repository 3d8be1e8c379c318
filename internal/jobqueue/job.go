package jobqueue

import (
	"fmt"
	"math"
	"time"

	"github.com/bytedance/sonic"
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
)

// BackoffType selects how retry delays grow
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff is a job's retry policy
type Backoff struct {
	Type   BackoffType   `json:"type"`
	Delay  time.Duration `json:"delay"`
	Factor float64       `json:"factor,omitempty"`
}

// DefaultBackoff waits 500ms between attempts
func DefaultBackoff() Backoff {
	return Backoff{Type: BackoffFixed, Delay: 500 * time.Millisecond, Factor: 2}
}

// Next returns the wait before the retry that follows the given number of
// failed attempts. Exponential backoff waits Delay * Factor^attemptsMade.
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attemptsMade < 0 {
		return b.Delay
	}

	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := float64(b.Delay) * math.Pow(factor, float64(attemptsMade))
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Job is a unit of work in a queue
type Job struct {
	ID           string            `json:"id"`
	Queue        string            `json:"queue"`
	Name         string            `json:"name"`
	Data         map[string]any    `json:"data"`
	AttemptsMade int               `json:"attemptsMade"`
	MaxAttempts  int               `json:"maxAttempts"`
	Backoff      Backoff           `json:"backoff"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastError    string            `json:"lastError,omitempty"`
	TraceContext map[string]string `json:"traceContext,omitempty"`
}

func encodeJob(job *Job) (string, error) {
	data, err := sonic.MarshalString(job)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return data, nil
}

func decodeJob(raw string) (*Job, error) {
	var job Job
	if err := sonic.UnmarshalString(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("decode job: missing id")
	}
	return &job, nil
}

// EnqueueOption customizes a single job
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	attempts int
	backoff  Backoff
	delay    time.Duration
}

// WithAttempts sets the total number of attempts, first run included
func WithAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// WithBackoff sets the retry policy
func WithBackoff(b Backoff) EnqueueOption {
	return func(o *enqueueOptions) {
		if b.Type == "" {
			b.Type = BackoffFixed
		}
		if b.Type == BackoffExponential && b.Factor <= 0 {
			b.Factor = 2
		}
		o.backoff = b
	}
}

// WithDelay holds the job back for d before its first run
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}
