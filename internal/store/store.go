// Package store is the Redis-backed key/value and pub/sub layer shared by every
// component. Operations never return errors to callers: an unreachable server makes
// writes report false and reads return empty values, and the store keeps trying to
// reconnect on the next call.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/psychesim/dynamics/internal/logging"
	"github.com/psychesim/dynamics/internal/models"
)

// Config holds store configuration
type Config struct {
	URL             string        `yaml:"url"`
	Prefix          string        `yaml:"prefix"`
	PoolSize        int           `yaml:"pool_size"`
	SocketTimeout   time.Duration `yaml:"socket_timeout"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	ChannelBuffer   int           `yaml:"channel_buffer"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns default store configuration
func DefaultConfig() *Config {
	return &Config{
		URL:             "redis://localhost:6379/0",
		Prefix:          "psyche",
		PoolSize:        50,
		SocketTimeout:   5 * time.Second,
		DefaultTTL:      time.Hour,
		ChannelBuffer:   64,
		ShutdownTimeout: time.Second,
	}
}

// Validate checks the store settings
func (c *Config) Validate() error {
	if c.URL == "" {
		return models.NewConfigurationError("store.url", "is required")
	}
	if _, err := redis.ParseURL(c.URL); err != nil {
		return models.NewConfigurationError("store.url", "%v", err)
	}
	if strings.TrimSpace(c.Prefix) == "" {
		return models.NewConfigurationError("store.prefix", "is required")
	}
	if c.PoolSize < 1 {
		return models.NewConfigurationError("store.pool_size", "must be >= 1, got %d", c.PoolSize)
	}
	if c.SocketTimeout <= 0 {
		return models.NewConfigurationError("store.socket_timeout", "must be positive")
	}
	if c.DefaultTTL <= 0 {
		return models.NewConfigurationError("store.default_ttl", "must be positive")
	}
	if c.ChannelBuffer < 1 {
		return models.NewConfigurationError("store.channel_buffer", "must be >= 1, got %d", c.ChannelBuffer)
	}
	return nil
}

// ConnState is the connection state of the store
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Store is a namespaced Redis client with auto-reconnect and a single pub/sub listener
type Store struct {
	client *redis.Client
	config Config
	state  atomic.Int32

	// dataMu serializes writes and read-modify-write updates
	dataMu sync.Mutex
	lastTS time.Time

	// listenMu serializes listener changes that talk to the server; pubsub is only
	// touched under it. subMu guards the registry and is never held across network calls.
	listenMu sync.Mutex
	pubsub   *redis.PubSub
	subMu    sync.RWMutex
	subs     map[string]*subscription
	nextID   uint64
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   bool

	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(l) }
}

// WithClock overrides the time source used for record timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store and attempts a first connection. An unreachable server is not
// an error; only invalid configuration is.
func New(config *Config, opts ...Option) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	redisOpts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	redisOpts.PoolSize = config.PoolSize
	redisOpts.DialTimeout = config.SocketTimeout
	redisOpts.ReadTimeout = config.SocketTimeout
	redisOpts.WriteTimeout = config.SocketTimeout
	// reconnects are driven by the store state machine
	redisOpts.MaxRetries = -1

	s := &Store{
		client: redis.NewClient(redisOpts),
		config: *config,
		subs:   make(map[string]*subscription),
		stopCh: make(chan struct{}),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.SocketTimeout)
	defer cancel()
	s.connect(ctx)

	return s, nil
}

// State returns the current connection state
func (s *Store) State() ConnState {
	return ConnState(s.state.Load())
}

// IsConnected pings the server and reports whether it answered
func (s *Store) IsConnected(ctx context.Context) bool {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		s.state.Store(int32(Disconnected))
		return false
	}
	s.state.Store(int32(Connected))
	return true
}

// Reconnect forces a new connection attempt
func (s *Store) Reconnect(ctx context.Context) bool {
	s.state.Store(int32(Disconnected))
	return s.connect(ctx)
}

func (s *Store) connect(ctx context.Context) bool {
	s.state.Store(int32(Connecting))

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		s.state.Store(int32(Disconnected))
		s.logger.Warn("Redis unreachable", zap.String("url", redactURL(s.config.URL)), zap.Error(err))
		return false
	}
	s.state.Store(int32(Connected))
	s.logger.Info("Redis connection established", zap.String("url", redactURL(s.config.URL)))
	return true
}

// ensure returns true when the store is connected, trying exactly one reconnect otherwise
func (s *Store) ensure(ctx context.Context, op string) bool {
	if s.State() == Connected {
		return true
	}
	if s.connect(ctx) {
		return true
	}
	s.logger.Warn("Redis operation skipped, no connection", zap.String("op", op))
	return false
}

// fail logs an operation error and drops to Disconnected on transport failures
func (s *Store) fail(op string, err error) {
	if isConnectivityError(err) {
		s.state.Store(int32(Disconnected))
		s.logger.Error("Redis operation failed, connection error", zap.String("op", op), zap.Error(err))
		return
	}
	s.logger.Error("Redis operation failed", zap.String("op", op), zap.Error(err))
}

func isConnectivityError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	var replyErr redis.Error
	return !errors.As(err, &replyErr)
}

// opContext bounds ctx by the socket timeout
func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.SocketTimeout)
}

// Key builds a namespaced key: {prefix}:{parts...}
func (s *Store) Key(parts ...string) string {
	return s.config.Prefix + ":" + strings.Join(parts, ":")
}

// Close stops the listener, waits for it up to the shutdown timeout and releases the pool
func (s *Store) Close() error {
	s.listenMu.Lock()
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		s.listenMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	s.subMu.Unlock()
	ps := s.pubsub
	s.pubsub = nil
	s.listenMu.Unlock()

	var errs []error
	if ps != nil {
		if err := ps.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close pubsub: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn("Pub/sub listener did not stop in time")
	}

	if err := s.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
	}
	s.state.Store(int32(Disconnected))

	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "***" + raw[at:]
}
