package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/backbone/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/backbone/internal/jobqueue"
)

// JobName is the job name webhook deliveries are enqueued under
const JobName = "webhook"

// Header names sent with every delivery
const (
	HeaderJobID     = "X-Backbone-Job-ID"
	HeaderAttempt   = "X-Backbone-Attempt"
	HeaderEvent     = "X-Backbone-Event"
	HeaderEventID   = "X-Backbone-Event-ID"
	HeaderSignature = "X-Backbone-Signature"
)

var ErrNoURL = errors.New("no webhook url")

// Config configures webhook delivery
type Config struct {
	// URL receives deliveries whose job data carries no "url"
	URL string
	// Secret signs the body with HMAC-SHA256 when set
	Secret  string
	Timeout time.Duration
	// RatePerSecond caps outbound deliveries; zero is unlimited
	RatePerSecond float64
}

// Delivery is the body POSTed to the webhook
type Delivery struct {
	ID      string         `json:"id"`
	Event   string         `json:"event"`
	Attempt int            `json:"attempt"`
	Data    map[string]any `json:"data"`
	SentAt  time.Time      `json:"sentAt"`
}

// Webhook delivers notification jobs over HTTP
type Webhook struct {
	client  *resty.Client
	limiter *rate.Limiter
	cfg     Config
	logger  *zap.Logger
}

// NewWebhook creates a webhook job handler. Retries belong to the job
// queue, so the client never retries on its own.
func NewWebhook(cfg Config, logger *zap.Logger) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "backbone-notify/1.0").
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Webhook{
		client:  client,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Process implements jobqueue.Handler. Job data may carry "url", "event",
// "eventId" and "payload"; without "payload" the whole data map is sent.
// 4xx answers other than 408 and 429 are permanent failures.
func (w *Webhook) Process(ctx context.Context, job *jobqueue.Job) error {
	url, _ := job.Data["url"].(string)
	if url == "" {
		url = w.cfg.URL
	}
	if url == "" {
		return jobqueue.Permanent(ErrNoURL)
	}

	event, _ := job.Data["event"].(string)
	payload, ok := job.Data["payload"].(map[string]any)
	if !ok {
		payload = job.Data
	}

	delivery := Delivery{
		ID:      job.ID,
		Event:   event,
		Attempt: job.AttemptsMade + 1,
		Data:    payload,
		SentAt:  time.Now().UTC(),
	}
	body, err := sonic.Marshal(delivery)
	if err != nil {
		return jobqueue.Permanent(fmt.Errorf("failed to encode delivery: %w", err))
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit error: %w", err)
	}

	req := w.client.R().
		SetContext(ctx).
		SetHeaders(tracing.InjectTraceContext(ctx)).
		SetHeader(HeaderJobID, job.ID).
		SetHeader(HeaderAttempt, strconv.Itoa(delivery.Attempt)).
		SetBody(body)
	if event != "" {
		req.SetHeader(HeaderEvent, event)
	}
	if eventID, _ := job.Data["eventId"].(string); eventID != "" {
		req.SetHeader(HeaderEventID, eventID)
	}
	if w.cfg.Secret != "" {
		req.SetHeader(HeaderSignature, "sha256="+Sign(w.cfg.Secret, body))
	}

	resp, err := req.Post(url)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}

	status := resp.StatusCode()
	w.logger.Debug("webhook delivered",
		zap.String("job_id", job.ID),
		zap.String("url", url),
		zap.Int("status", status),
		zap.Duration("duration", resp.Time()))

	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("webhook responded %d", status)
	default:
		return jobqueue.Permanent(fmt.Errorf("webhook rejected delivery with %d", status))
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value produced for body
func Verify(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	want, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(got, want)
}
