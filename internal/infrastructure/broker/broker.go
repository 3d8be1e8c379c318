// Package broker owns the long-lived Redis connections. Each logical role
// gets its own client so a blocking subscription or stream read never holds
// up another role.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Role names a connection's purpose
type Role string

const (
	RolePublisher     Role = "publisher"
	RoleSubscriber    Role = "subscriber"
	RoleQueueProducer Role = "queue-producer"
	RoleQueueWorker   Role = "queue-worker"
	RoleRateLimiter   Role = "rate-limiter"
)

// Roles lists every role in creation order
var Roles = []Role{RolePublisher, RoleSubscriber, RoleQueueProducer, RoleQueueWorker, RoleRateLimiter}

// ErrClosed is returned once the connections have been closed
var ErrClosed = errors.New("broker connections closed")

// Config holds the connection target
type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	// WorkerPoolSize sizes the queue-worker pool, which holds one connection
	// per blocked worker; zero keeps the go-redis default
	WorkerPoolSize int
}

// Connections holds one client per role
type Connections struct {
	logger  *zap.Logger
	clients map[Role]redis.UniversalClient

	mu     sync.Mutex
	closed bool
}

// Open creates the clients. No connection is made until first use.
func Open(cfg Config, logger *zap.Logger) *Connections {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	clients := make(map[Role]redis.UniversalClient, len(Roles))
	for _, role := range Roles {
		opts := &redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.DialTimeout,
		}
		// subscriptions and blocking stream reads hold a connection open
		if role == RoleSubscriber || role == RoleQueueWorker {
			opts.ReadTimeout = -1
		}
		if role == RoleQueueWorker && cfg.WorkerPoolSize > 0 {
			opts.PoolSize = cfg.WorkerPoolSize
		}
		clients[role] = redis.NewClient(opts)
	}

	logger.Info("broker connections created",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Int("roles", len(clients)),
	)

	return &Connections{logger: logger, clients: clients}
}

// Client returns the client for role
func (c *Connections) Client(role Role) redis.UniversalClient {
	return c.clients[role]
}

// Publisher returns the client used for PUBLISH
func (c *Connections) Publisher() redis.UniversalClient { return c.clients[RolePublisher] }

// Subscriber returns the client used for SUBSCRIBE
func (c *Connections) Subscriber() redis.UniversalClient { return c.clients[RoleSubscriber] }

// QueueProducer returns the client used to enqueue jobs
func (c *Connections) QueueProducer() redis.UniversalClient { return c.clients[RoleQueueProducer] }

// QueueWorker returns the client used by job workers
func (c *Connections) QueueWorker() redis.UniversalClient { return c.clients[RoleQueueWorker] }

// RateLimiter returns the client the gateway's shared rate limit counts on
func (c *Connections) RateLimiter() redis.UniversalClient { return c.clients[RoleRateLimiter] }

// Ping checks every connection
func (c *Connections) Ping(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for _, role := range Roles {
		if err := c.clients[role].Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping %s connection: %w", role, err)
		}
	}
	return nil
}

// Close closes every connection. Calling it more than once is safe.
func (c *Connections) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, role := range Roles {
		if err := c.clients[role].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s connection: %w", role, err))
		}
	}
	c.logger.Info("broker connections closed")
	return errors.Join(errs...)
}
