package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/backbone/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/backbone/internal/shared/id"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/GriffinCanCode/backbone/jobqueue"

// Handler processes one job. Returning an error schedules a retry unless
// attempts are exhausted or the error is Permanent.
type Handler interface {
	Process(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *Job) error

// Process calls f
func (f HandlerFunc) Process(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Options configures a queue
type Options struct {
	Name string
	// Concurrency is the number of worker goroutines
	Concurrency int
	// DefaultAttempts applies to jobs enqueued without WithAttempts
	DefaultAttempts int
	// DefaultBackoff applies to jobs enqueued without WithBackoff
	DefaultBackoff Backoff
	// PollInterval is how often delayed jobs are checked
	PollInterval time.Duration
	// BlockTimeout bounds each blocking stream read
	BlockTimeout time.Duration
	// ClaimMinIdle is how long an entry may stay read but unacknowledged
	// before the promoter reclaims and reruns it. Handlers running longer
	// than this can run twice.
	ClaimMinIdle time.Duration
	// RemoveOnComplete deletes a job's status record once it succeeds
	RemoveOnComplete bool
	// DLQLog receives a line per dead-lettered job; nil disables it
	DLQLog *DLQLog
	// TracerProvider creates job spans; nil uses the global provider
	TracerProvider trace.TracerProvider
}

// DefaultOptions returns the defaults for the named queue
func DefaultOptions(name string) Options {
	return Options{
		Name:             name,
		Concurrency:      5,
		DefaultAttempts:  3,
		DefaultBackoff:   DefaultBackoff(),
		PollInterval:     500 * time.Millisecond,
		BlockTimeout:     time.Second,
		ClaimMinIdle:     30 * time.Second,
		RemoveOnComplete: true,
	}
}

// Queue is a named Redis-backed job queue. The same value enqueues jobs and,
// once started, runs its workers.
type Queue struct {
	client  redis.UniversalClient
	opts    Options
	logger  *zap.Logger
	metrics *monitoring.Metrics
	tracer  trace.Tracer

	streamKey  string
	delayedKey string
	dlqKey     string
	group      string
	consumer   string

	mu       sync.RWMutex
	handlers map[string]Handler
	started  bool
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	now func() time.Time
}

// New creates a queue. Zero option values take the DefaultOptions values.
func New(client redis.UniversalClient, opts Options, logger *zap.Logger, metrics *monitoring.Metrics) *Queue {
	defaults := DefaultOptions(opts.Name)
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaults.Concurrency
	}
	if opts.DefaultAttempts <= 0 {
		opts.DefaultAttempts = defaults.DefaultAttempts
	}
	if opts.DefaultBackoff.Type == "" {
		opts.DefaultBackoff = defaults.DefaultBackoff
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = defaults.BlockTimeout
	}
	if opts.ClaimMinIdle <= 0 {
		opts.ClaimMinIdle = defaults.ClaimMinIdle
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Queue{
		client:     client,
		opts:       opts,
		logger:     logger.With(zap.String("queue", opts.Name)),
		metrics:    metrics,
		tracer:     tp.Tracer(instrumentationName),
		streamKey:  opts.Name + ":stream",
		delayedKey: opts.Name + ":delayed",
		dlqKey:     opts.Name + ":dlq",
		group:      opts.Name + ":workers",
		consumer:   id.Default().GenerateString(),
		handlers:   make(map[string]Handler),
		now:        time.Now,
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.opts.Name
}

func (q *Queue) jobKey(jobID string) string {
	return q.opts.Name + ":job:" + jobID
}

// Handle registers h for jobs called name
func (q *Queue) Handle(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

func (q *Queue) handler(name string) Handler {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.handlers[name]
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Enqueue adds a job and returns its ID. The trace context of ctx travels
// with the job.
func (q *Queue) Enqueue(ctx context.Context, name string, data map[string]any, opts ...EnqueueOption) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrEmptyName
	}
	if q.isClosed() {
		return "", ErrClosed
	}

	o := enqueueOptions{attempts: q.opts.DefaultAttempts, backoff: q.opts.DefaultBackoff}
	for _, opt := range opts {
		opt(&o)
	}

	job, raw, err := q.newJob(ctx, name, data, o)
	if err != nil {
		return "", err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		q.addJob(ctx, pipe, job, raw, o.delay)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}

	q.metrics.RecordJobEnqueued(q.opts.Name, name)
	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("name", name),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Duration("delay", o.delay),
	)
	return job.ID, nil
}

func (q *Queue) newJob(ctx context.Context, name string, data map[string]any, o enqueueOptions) (*Job, string, error) {
	if data == nil {
		data = map[string]any{}
	}
	job := &Job{
		ID:           id.NewJobID().String(),
		Queue:        q.opts.Name,
		Name:         name,
		Data:         data,
		MaxAttempts:  o.attempts,
		Backoff:      o.backoff,
		Status:       StatusWaiting,
		CreatedAt:    q.now(),
		TraceContext: tracing.InjectTraceContext(ctx),
	}
	if o.delay > 0 {
		job.Status = StatusDelayed
	}

	raw, err := encodeJob(job)
	if err != nil {
		return nil, "", err
	}
	return job, raw, nil
}

// addJob queues the commands that make a new job visible to workers
func (q *Queue) addJob(ctx context.Context, pipe redis.Pipeliner, job *Job, raw string, delay time.Duration) {
	if delay > 0 {
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{
			Score:  float64(job.CreatedAt.Add(delay).UnixMilli()),
			Member: raw,
		})
	} else {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.streamKey,
			Values: map[string]interface{}{"job": raw},
		})
	}
	pipe.HSet(ctx, q.jobKey(job.ID), statusFields(job, raw, job.CreatedAt))
}

func statusFields(job *Job, raw string, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"job":        raw,
		"status":     string(job.Status),
		"attempts":   job.AttemptsMade,
		"last_error": job.LastError,
		"updated_at": now.UnixMilli(),
	}
}

// Job returns the stored state of a job. Completed jobs are not found when
// RemoveOnComplete is set.
func (q *Queue) Job(ctx context.Context, jobID string) (*Job, error) {
	raw, err := q.client.HGet(ctx, q.jobKey(jobID), "job").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return decodeJob(raw)
}

// Start creates the consumer group if needed and launches the workers and
// the delayed-job promoter. Workers run until Close.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.started {
		return nil
	}

	// "0" so jobs enqueued before the first worker started are not skipped
	err := q.client.XGroupCreateMkStream(ctx, q.streamKey, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.started = true

	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.work(runCtx, fmt.Sprintf("%s-%d", q.consumer, i))
	}
	q.wg.Add(1)
	go q.promote(runCtx)

	q.logger.Info("queue started",
		zap.Int("concurrency", q.opts.Concurrency),
		zap.Duration("poll_interval", q.opts.PollInterval),
	)
	return nil
}

// Close stops the workers and the promoter and waits for in-flight jobs
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	q.logger.Info("queue closed")
	return nil
}

// Counts reports the backlog of a queue
type Counts struct {
	Stream       int64 `json:"stream"`
	Delayed      int64 `json:"delayed"`
	DeadLettered int64 `json:"deadLettered"`
}

// Counts returns the number of entries in the stream, the delayed set and
// the dead-letter stream
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var stream, delayed, dlq *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		stream = pipe.XLen(ctx, q.streamKey)
		delayed = pipe.ZCard(ctx, q.delayedKey)
		dlq = pipe.XLen(ctx, q.dlqKey)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("count %s: %w", q.opts.Name, err)
	}
	return Counts{Stream: stream.Val(), Delayed: delayed.Val(), DeadLettered: dlq.Val()}, nil
}

// ListDLQ returns up to limit dead letters, oldest first. A non-positive
// limit returns them all.
func (q *Queue) ListDLQ(ctx context.Context, limit int) ([]DeadLetter, error) {
	var (
		messages []redis.XMessage
		err      error
	)
	if limit > 0 {
		messages, err = q.client.XRangeN(ctx, q.dlqKey, "-", "+", int64(limit)).Result()
	} else {
		messages, err = q.client.XRange(ctx, q.dlqKey, "-", "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("read dlq %s: %w", q.opts.Name, err)
	}

	letters := make([]DeadLetter, 0, len(messages))
	for _, msg := range messages {
		raw, _ := msg.Values["record"].(string)
		d, err := decodeDeadLetter(msg.ID, raw)
		if err != nil {
			q.logger.Warn("skipping unreadable dead letter", zap.String("entry_id", msg.ID), zap.Error(err))
			continue
		}
		letters = append(letters, d)
	}
	return letters, nil
}

// DrainDLQ re-enqueues up to limit dead letters as fresh jobs and removes
// them from the dead-letter stream. Each job keeps the attempts and backoff
// it was first enqueued with. It returns the number re-enqueued.
func (q *Queue) DrainDLQ(ctx context.Context, limit int) (int, error) {
	letters, err := q.ListDLQ(ctx, limit)
	if err != nil {
		return 0, err
	}

	drained := 0
	for _, d := range letters {
		o := enqueueOptions{attempts: q.opts.DefaultAttempts, backoff: q.opts.DefaultBackoff}
		WithAttempts(d.MaxAttempts)(&o)
		if d.Backoff.Type != "" {
			WithBackoff(d.Backoff)(&o)
		}

		job, raw, err := q.newJob(ctx, d.Name, d.Data, o)
		if err != nil {
			return drained, fmt.Errorf("re-enqueue %s: %w", d.JobID, err)
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			q.addJob(ctx, pipe, job, raw, 0)
			pipe.XDel(ctx, q.dlqKey, d.EntryID)
			return nil
		})
		if err != nil {
			return drained, fmt.Errorf("re-enqueue %s: %w", d.JobID, err)
		}

		drained++
		q.metrics.RecordJobEnqueued(q.opts.Name, d.Name)
		q.logger.Info("dead letter re-enqueued",
			zap.String("dead_job_id", d.JobID),
			zap.String("job_id", job.ID),
			zap.String("name", d.Name),
			zap.Int("max_attempts", job.MaxAttempts),
		)
	}
	return drained, nil
}
