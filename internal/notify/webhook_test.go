package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/GriffinCanCode/backbone/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/backbone/internal/jobqueue"
)

type received struct {
	header http.Header
	body   []byte
}

func newReceiver(t *testing.T, status int) (*httptest.Server, chan received) {
	t.Helper()
	got := make(chan received, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{header: r.Header.Clone(), body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func testJob(data map[string]any) *jobqueue.Job {
	return &jobqueue.Job{
		ID:           "job_1",
		Queue:        "notifications",
		Name:         JobName,
		Data:         data,
		AttemptsMade: 1,
		MaxAttempts:  3,
	}
}

func TestWebhookDelivers(t *testing.T) {
	srv, got := newReceiver(t, http.StatusNoContent)
	hook := NewWebhook(Config{URL: srv.URL, Secret: "shh"}, nil)

	err := hook.Process(context.Background(), testJob(map[string]any{
		"event":   "payment.completed",
		"eventId": "evt_01",
		"payload": map[string]any{"type": "payment.completed", "amount": 100.0},
	}))
	require.NoError(t, err)

	r := <-got
	assert.Equal(t, "application/json", r.header.Get("Content-Type"))
	assert.Equal(t, "job_1", r.header.Get(HeaderJobID))
	assert.Equal(t, "2", r.header.Get(HeaderAttempt))
	assert.Equal(t, "payment.completed", r.header.Get(HeaderEvent))
	assert.Equal(t, "evt_01", r.header.Get(HeaderEventID))
	assert.True(t, Verify("shh", r.body, r.header.Get(HeaderSignature)))

	var delivery Delivery
	require.NoError(t, sonic.Unmarshal(r.body, &delivery))
	assert.Equal(t, "job_1", delivery.ID)
	assert.Equal(t, "payment.completed", delivery.Event)
	assert.Equal(t, 2, delivery.Attempt)
	assert.Equal(t, map[string]any{"type": "payment.completed", "amount": 100.0}, delivery.Data)
	assert.False(t, delivery.SentAt.IsZero())
}

func TestWebhookURLFromJob(t *testing.T) {
	srv, got := newReceiver(t, http.StatusOK)
	hook := NewWebhook(Config{URL: "http://127.0.0.1:1/unused"}, nil)

	err := hook.Process(context.Background(), testJob(map[string]any{"url": srv.URL, "note": "hi"}))
	require.NoError(t, err)

	r := <-got
	assert.Empty(t, r.header.Get(HeaderSignature))

	var delivery Delivery
	require.NoError(t, sonic.Unmarshal(r.body, &delivery))
	// without a payload key the whole data map is sent
	assert.Equal(t, "hi", delivery.Data["note"])
}

func TestWebhookStatusClassification(t *testing.T) {
	tests := []struct {
		status        int
		wantErr       bool
		wantPermanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusAccepted, false, false},
		{http.StatusBadRequest, true, true},
		{http.StatusNotFound, true, true},
		{http.StatusGone, true, true},
		{http.StatusRequestTimeout, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusServiceUnavailable, true, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := newReceiver(t, tt.status)
			hook := NewWebhook(Config{URL: srv.URL}, nil)

			err := hook.Process(context.Background(), testJob(map[string]any{}))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantPermanent, jobqueue.IsPermanent(err))
		})
	}
}

func TestWebhookWithoutURLIsPermanent(t *testing.T) {
	hook := NewWebhook(Config{}, nil)

	err := hook.Process(context.Background(), testJob(map[string]any{}))
	assert.True(t, jobqueue.IsPermanent(err))
	assert.ErrorIs(t, err, ErrNoURL)
}

func TestWebhookTransportErrorIsTransient(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	hook := NewWebhook(Config{URL: url, Timeout: time.Second}, nil)
	err := hook.Process(context.Background(), testJob(map[string]any{}))
	require.Error(t, err)
	assert.False(t, jobqueue.IsPermanent(err))
}

func TestWebhookForwardsTraceContext(t *testing.T) {
	srv, got := newReceiver(t, http.StatusOK)
	hook := NewWebhook(Config{URL: srv.URL}, nil)

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "process")
	defer span.End()

	require.NoError(t, hook.Process(ctx, testJob(map[string]any{})))

	r := <-got
	assert.Contains(t, r.header.Get(tracing.TraceParentKey), span.SpanContext().TraceID().String())
}

func TestWebhookRateLimit(t *testing.T) {
	srv, _ := newReceiver(t, http.StatusOK)
	hook := NewWebhook(Config{URL: srv.URL, RatePerSecond: 20}, nil)

	start := time.Now()
	for i := 0; i < 25; i++ {
		require.NoError(t, hook.Process(context.Background(), testJob(map[string]any{})))
	}
	// burst of 20, then 5 more at 20/s
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, hook.Process(ctx, testJob(map[string]any{})))
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"id":"job_1"}`)
	header := "sha256=" + Sign("secret", body)

	assert.True(t, Verify("secret", body, header))
	assert.False(t, Verify("other", body, header))
	assert.False(t, Verify("secret", []byte(`{}`), header))
	assert.False(t, Verify("secret", body, "md5=abc"))
	assert.False(t, Verify("secret", body, "sha256=zz"))
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []map[string]any
	err  error
}

func (f *fakeQueue) Enqueue(_ context.Context, name string, data map[string]any, _ ...jobqueue.EnqueueOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if name != JobName {
		return "", errors.New("unexpected job name " + name)
	}
	f.jobs = append(f.jobs, data)
	return "job_x", nil
}

func TestForwardFiltersEvents(t *testing.T) {
	queue := &fakeQueue{}
	handler := Forward(queue, nil, "payment.completed")

	payload := map[string]any{"type": "payment.completed", "amount": 100.0}
	require.NoError(t, handler(context.Background(), payload))
	require.NoError(t, handler(context.Background(), map[string]any{"type": "cart.updated"}))

	require.Len(t, queue.jobs, 1)
	assert.Equal(t, "payment.completed", queue.jobs[0]["event"])
	assert.Equal(t, payload, queue.jobs[0]["payload"])
	assert.True(t, strings.HasPrefix(queue.jobs[0]["eventId"].(string), "evt_"))

	// the job data does not alias the event payload
	payload["amount"] = 1.0
	assert.Equal(t, 100.0, queue.jobs[0]["payload"].(map[string]any)["amount"])
}

func TestForwardWithoutFilterAndErrors(t *testing.T) {
	queue := &fakeQueue{}
	handler := Forward(queue, nil)
	require.NoError(t, handler(context.Background(), map[string]any{"type": "anything"}))
	assert.Len(t, queue.jobs, 1)

	queue.err = errors.New("redis down")
	assert.Error(t, handler(context.Background(), map[string]any{"type": "anything"}))
}

// A webhook job that keeps failing with 503 goes through every attempt and
// lands in the DLQ; one that succeeds is completed on the first try.
func TestWebhookThroughQueue(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts := jobqueue.DefaultOptions("notifications")
	opts.DefaultBackoff = jobqueue.Backoff{Type: jobqueue.BackoffFixed, Delay: 10 * time.Millisecond}
	opts.PollInterval = 10 * time.Millisecond
	opts.BlockTimeout = 50 * time.Millisecond
	queue := jobqueue.New(client, opts, nil, nil)
	t.Cleanup(func() { _ = queue.Close() })

	queue.Handle(JobName, NewWebhook(Config{URL: srv.URL + "/ok"}, nil))
	require.NoError(t, queue.Start(context.Background()))

	_, err := queue.Enqueue(context.Background(), JobName, map[string]any{"url": srv.URL + "/down", "event": "payment.completed"})
	require.NoError(t, err)
	_, err = queue.Enqueue(context.Background(), JobName, map[string]any{"event": "payment.completed"})
	require.NoError(t, err)

	var letters []jobqueue.DeadLetter
	require.Eventually(t, func() bool {
		letters, err = queue.ListDLQ(context.Background(), 0)
		return err == nil && len(letters) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, letters[0].AttemptsMade)
	assert.Contains(t, letters[0].Error, "503")
	assert.Equal(t, srv.URL+"/down", letters[0].Data["url"])
	assert.Eventually(t, func() bool { return calls.Load() == 4 }, time.Second, 10*time.Millisecond)
}
