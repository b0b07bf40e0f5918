package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("key not found")
	// ErrUnavailable is returned whenever the cache is disabled, resetting or
	// failed a round trip. Callers fall back to the authoritative store.
	ErrUnavailable = apierr.ErrCacheUnavailable
)

// Connection states reported by Diagnostics.
const (
	StateConnected = "connected"
	StateDisabled  = "disabled"
	StateResetting = "resetting"
	StateOff       = "off"
)

// Client is the owned handle on the remote cache. It tracks connection
// health and can be reset while operations are in flight; operations issued
// during a reset fail fast with ErrUnavailable.
type Client struct {
	opts *redis.Options
	log  zerolog.Logger

	mu     sync.RWMutex
	client *redis.Client

	// resetMu linearizes resets against a single owner.
	resetMu sync.Mutex

	configured       bool
	failureThreshold int64
	onStateChange    func(enabled bool, reason string)

	enabled   atomic.Bool
	resetting atomic.Bool
	failures  atomic.Int64
	resets    atomic.Int64

	statusMu    sync.Mutex
	lastErr     string
	lastPingAt  time.Time
	lastResetAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log.With().Str("component", "redis").Logger() }
}

// WithFailureThreshold sets how many consecutive failures disable the cache.
func WithFailureThreshold(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.failureThreshold = int64(n)
		}
	}
}

// WithEnabled turns caching on or off globally.
func WithEnabled(enabled bool) Option {
	return func(c *Client) { c.configured = enabled }
}

// WithStateHook registers a callback fired on every enable/disable transition.
func WithStateHook(fn func(enabled bool, reason string)) Option {
	return func(c *Client) { c.onStateChange = fn }
}

// New creates a new Redis client. An unreachable server is not an error:
// the client starts disabled and RunMonitor brings it back.
func New(ctx context.Context, redisURL string, opts ...Option) (*Client, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.DialTimeout = 2 * time.Second
	redisOpts.ReadTimeout = time.Second
	redisOpts.WriteTimeout = time.Second

	c := &Client{
		opts:             redisOpts,
		log:              zerolog.Nop(),
		configured:       true,
		failureThreshold: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.client = redis.NewClient(redisOpts)

	if !c.configured {
		c.log.Info().Msg("cache disabled by configuration")
		return c, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.client.Ping(pingCtx).Err(); err != nil {
		c.setLastErr(err)
		c.log.Warn().Err(err).Str("addr", redisOpts.Addr).Msg("redis ping failed, starting with cache disabled")
		return c, nil
	}

	c.markPing()
	c.enabled.Store(true)
	return c, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.Close()
}

// Enabled reports whether cache operations are currently attempted.
func (c *Client) Enabled() bool {
	return c.configured && c.enabled.Load() && !c.resetting.Load()
}

// Disable stops cache traffic until Reenable or a successful reset.
func (c *Client) Disable(reason string) {
	if c.enabled.CompareAndSwap(true, false) {
		c.log.Warn().Str("reason", reason).Msg("cache disabled")
		c.notify(false, reason)
	}
}

// Reenable resumes cache traffic.
func (c *Client) Reenable(reason string) {
	if !c.configured {
		return
	}
	c.failures.Store(0)
	if c.enabled.CompareAndSwap(false, true) {
		c.log.Info().Str("reason", reason).Msg("cache enabled")
		c.notify(true, reason)
	}
}

// Reset drops the connection, opens a new one and re-enables the cache if
// the new connection answers a ping.
func (c *Client) Reset(ctx context.Context) error {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()

	c.resetting.Store(true)
	defer c.resetting.Store(false)

	fresh := redis.NewClient(c.opts)

	c.mu.Lock()
	old := c.client
	c.client = fresh
	c.mu.Unlock()

	if err := old.Close(); err != nil {
		c.log.Debug().Err(err).Msg("closing previous redis connection")
	}

	c.resets.Add(1)
	c.statusMu.Lock()
	c.lastResetAt = time.Now()
	c.statusMu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := fresh.Ping(pingCtx).Err(); err != nil {
		c.setLastErr(err)
		c.Disable("reset ping failed")
		return fmt.Errorf("%w: reset ping: %v", ErrUnavailable, err)
	}

	c.markPing()
	c.Reenable("connection reset")
	return nil
}

// RunMonitor pings the cache every interval until ctx is done. Sustained
// failures disable the cache and trigger an automatic reset; a successful
// ping re-enables it.
func (c *Client) RunMonitor(ctx context.Context, interval time.Duration) {
	if !c.configured {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx)
		}
	}
}

func (c *Client) probe(ctx context.Context) {
	if c.resetting.Load() {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	err := c.current().Ping(pingCtx).Err()
	cancel()

	if err == nil {
		c.markPing()
		if !c.enabled.Load() {
			c.Reenable("health check recovered")
		}
		c.failures.Store(0)
		return
	}

	n := c.recordFailure(err)
	if n >= c.failureThreshold && n%c.failureThreshold == 0 {
		c.log.Warn().Int64("failures", n).Msg("attempting automatic cache reset")
		if err := c.Reset(ctx); err != nil {
			c.log.Warn().Err(err).Msg("automatic cache reset failed")
		}
	}
}

// Ping checks connectivity on the current connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.current().Ping(ctx).Err(); err != nil {
		c.recordFailure(err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.markPing()
	return nil
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	cl, err := c.conn()
	if err != nil {
		return "", err
	}
	val, err := cl.Get(ctx, key).Result()
	if err == redis.Nil {
		c.failures.Store(0)
		return "", ErrNotFound
	}
	if err != nil {
		c.recordFailure(err)
		return "", fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	c.failures.Store(0)
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	cl, err := c.conn()
	if err != nil {
		return err
	}
	if err := cl.Set(ctx, key, value, ttl).Err(); err != nil {
		c.recordFailure(err)
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	c.failures.Store(0)
	return nil
}

// SetNX stores a value only if the key is absent.
func (c *Client) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	cl, err := c.conn()
	if err != nil {
		return false, err
	}
	ok, err := cl.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		c.recordFailure(err)
		return false, fmt.Errorf("%w: setnx %s: %v", ErrUnavailable, key, err)
	}
	c.failures.Store(0)
	return ok, nil
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	cl, err := c.conn()
	if err != nil {
		return err
	}
	if err := cl.Del(ctx, keys...).Err(); err != nil {
		c.recordFailure(err)
		return fmt.Errorf("%w: del: %v", ErrUnavailable, err)
	}
	c.failures.Store(0)
	return nil
}

// Status is a point-in-time view of the connection.
type Status struct {
	State               string    `json:"state"`
	Configured          bool      `json:"configured"`
	Enabled             bool      `json:"enabled"`
	Addr                string    `json:"addr"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastPingAt          time.Time `json:"last_ping_at,omitempty"`
	LastResetAt         time.Time `json:"last_reset_at,omitempty"`
	Resets              int64     `json:"resets"`
	Keys                int64     `json:"keys"`
	Pool                PoolStats `json:"pool"`
}

// PoolStats mirrors the driver's connection pool counters.
type PoolStats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"total_conns"`
	IdleConns  uint32 `json:"idle_conns"`
	StaleConns uint32 `json:"stale_conns"`
}

// Diagnostics reports connection state. The key count is only collected
// while the cache is enabled.
func (c *Client) Diagnostics(ctx context.Context) Status {
	cl := c.current()
	ps := cl.PoolStats()

	c.statusMu.Lock()
	st := Status{
		Configured:          c.configured,
		Enabled:             c.Enabled(),
		Addr:                c.opts.Addr,
		ConsecutiveFailures: c.failures.Load(),
		LastError:           c.lastErr,
		LastPingAt:          c.lastPingAt,
		LastResetAt:         c.lastResetAt,
		Resets:              c.resets.Load(),
		Pool: PoolStats{
			Hits:       ps.Hits,
			Misses:     ps.Misses,
			Timeouts:   ps.Timeouts,
			TotalConns: ps.TotalConns,
			IdleConns:  ps.IdleConns,
			StaleConns: ps.StaleConns,
		},
	}
	c.statusMu.Unlock()

	switch {
	case !c.configured:
		st.State = StateOff
	case c.resetting.Load():
		st.State = StateResetting
	case c.enabled.Load():
		st.State = StateConnected
	default:
		st.State = StateDisabled
	}

	if st.Enabled {
		sizeCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if n, err := cl.DBSize(sizeCtx).Result(); err == nil {
			st.Keys = n
		}
	}
	return st
}

func (c *Client) current() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *Client) conn() (*redis.Client, error) {
	if !c.Enabled() {
		return nil, ErrUnavailable
	}
	return c.current(), nil
}

func (c *Client) recordFailure(err error) int64 {
	// Caller cancellation and connections closed by a reset say nothing
	// about server health.
	if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
		return c.failures.Load()
	}
	c.setLastErr(err)
	n := c.failures.Add(1)
	if n >= c.failureThreshold {
		c.Disable(fmt.Sprintf("%d consecutive failures: %v", n, err))
	}
	return n
}

func (c *Client) setLastErr(err error) {
	c.statusMu.Lock()
	c.lastErr = err.Error()
	c.statusMu.Unlock()
}

func (c *Client) markPing() {
	c.statusMu.Lock()
	c.lastPingAt = time.Now()
	c.statusMu.Unlock()
}

func (c *Client) notify(enabled bool, reason string) {
	if c.onStateChange != nil {
		c.onStateChange(enabled, reason)
	}
}
