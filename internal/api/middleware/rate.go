package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/GriffinCanCode/backbone/internal/infrastructure/monitoring"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store names accepted by NewStore
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Duration
}

// Store counts requests per key
type Store interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Name() string
}

// RateLimitConfig defines rate limiting configuration.
type RateLimitConfig struct {
	Window  time.Duration
	Max     int
	Store   Store
	Metrics *monitoring.Metrics
	Logger  *zap.Logger
}

// DefaultRateLimitConfig returns 100 requests per 15 minutes per client IP
// held in memory.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Window: 15 * time.Minute,
		Max:    100,
	}
}

// NewStore builds the named store. The redis store requires client.
func NewStore(name string, window time.Duration, max int, client redis.UniversalClient) Store {
	if name == StoreRedis && client != nil {
		return NewRedisStore(client, window, max)
	}
	return NewMemoryStore(window, max)
}

// RateLimit creates a per-IP rate limiting middleware. Requests over the
// limit get 429 and never reach later handlers. Store errors let the request
// through.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.Window <= 0 || cfg.Max <= 0 {
		def := DefaultRateLimitConfig()
		cfg.Window, cfg.Max = def.Window, def.Max
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(cfg.Window, cfg.Max)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		ip := c.ClientIP()

		d, err := cfg.Store.Allow(c.Request.Context(), ip)
		if err != nil {
			cfg.Logger.Warn("rate limit store failed",
				zap.String("store", cfg.Store.Name()),
				zap.String("ip", ip),
				zap.Error(err))
			c.Next()
			return
		}

		c.Header("RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("RateLimit-Reset", strconv.Itoa(int(math.Ceil(d.Reset.Seconds()))))

		if !d.Allowed {
			cfg.Metrics.RecordRateLimited(cfg.Store.Name())
			c.Header("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(d.Reset.Seconds())))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

// MemoryStore is a fixed window counter per key, the in-process twin of
// RedisStore. Expired windows are swept once per Window.
type MemoryStore struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu        sync.Mutex
	clients   map[string]*client
	lastSweep time.Time
}

type client struct {
	count int
	start time.Time
}

// NewMemoryStore creates an in-process store
func NewMemoryStore(window time.Duration, max int) *MemoryStore {
	return &MemoryStore{
		window:    window,
		max:       max,
		now:       time.Now,
		clients:   make(map[string]*client),
		lastSweep: time.Now(),
	}
}

// Name implements Store
func (s *MemoryStore) Name() string { return StoreMemory }

// Allow implements Store
func (s *MemoryStore) Allow(_ context.Context, key string) (Decision, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep(now)

	cl, ok := s.clients[key]
	if !ok || !now.Before(cl.start.Add(s.window)) {
		cl = &client{start: now}
		s.clients[key] = cl
	}
	cl.count++

	remaining := s.max - cl.count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   cl.count <= s.max,
		Limit:     s.max,
		Remaining: remaining,
		Reset:     cl.start.Add(s.window).Sub(now),
	}, nil
}

// Len reports how many clients are tracked
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// sweep drops clients whose window has closed. Caller holds mu.
func (s *MemoryStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < s.window {
		return
	}
	for key, cl := range s.clients {
		if !now.Before(cl.start.Add(s.window)) {
			delete(s.clients, key)
		}
	}
	s.lastSweep = now
}

// fixedWindowScript counts a request and returns the count and the window's
// remaining time in milliseconds.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisStore is a fixed window counter shared by every gateway instance
type RedisStore struct {
	client redis.UniversalClient
	window time.Duration
	max    int
	prefix string
}

// NewRedisStore creates a store keyed under "ratelimit:"
func NewRedisStore(client redis.UniversalClient, window time.Duration, max int) *RedisStore {
	return &RedisStore{
		client: client,
		window: window,
		max:    max,
		prefix: "ratelimit:",
	}
}

// Name implements Store
func (s *RedisStore) Name() string { return StoreRedis }

// Allow implements Store
func (s *RedisStore) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, s.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, err
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	remaining := s.max - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= s.max,
		Limit:     s.max,
		Remaining: remaining,
		Reset:     ttl,
	}, nil
}
