package realtime

import (
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	DefaultDialTimeout          = 10 * time.Second
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectInterval = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultQueueCapacity        = 100

	// DefaultFlushRate paces queue flushes so a reconnect with a full
	// backlog cannot flood the backend.
	DefaultFlushRate = rate.Limit(64)

	defaultFlushBurst = 8

	// heartbeatTimeoutFactor derives the ack timeout from the interval
	// when none is configured.
	heartbeatTimeoutFactor = 2
)

var (
	errEmptyURL             = errors.New("url must not be empty")
	errDialTimeout          = errors.New("dial timeout must be positive")
	errReconnectInterval    = errors.New("reconnect interval must be positive")
	errMaxReconnectInterval = errors.New("max reconnect interval must be at least the reconnect interval")
	errReconnectAttempts    = errors.New("max reconnect attempts must not be negative")
	errQueueCapacity        = errors.New("queue capacity must be at least 1")
	errFlushRate            = errors.New("flush rate must be positive")
)

// Config holds connection manager settings.
type Config struct {
	// URL is the backend channel endpoint.
	URL string `yaml:"url" env:"REALTIME_URL"`
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout" env:"REALTIME_DIAL_TIMEOUT"`
	// ReconnectInterval is the delay before the first reconnect attempt.
	ReconnectInterval time.Duration `yaml:"reconnect_interval" env:"REALTIME_RECONNECT_INTERVAL"`
	// MaxReconnectInterval caps the backoff delay.
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval" env:"REALTIME_MAX_RECONNECT_INTERVAL"`
	// ExponentialBackoff doubles the delay per failed attempt when true;
	// otherwise every attempt waits ReconnectInterval.
	ExponentialBackoff bool `yaml:"exponential_backoff" env:"REALTIME_EXPONENTIAL_BACKOFF"`
	// MaxReconnectAttempts bounds consecutive failed attempts before the
	// manager gives up. Zero retries forever.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" env:"REALTIME_MAX_RECONNECT_ATTEMPTS"`
	// HeartbeatInterval is the keepalive send period. Zero disables
	// heartbeats entirely.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"REALTIME_HEARTBEAT_INTERVAL"`
	// HeartbeatTimeout is how long the channel may stay silent before the
	// manager tears it down and reconnects. Zero derives twice the
	// heartbeat interval; negative disables the check.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"REALTIME_HEARTBEAT_TIMEOUT"`
	// QueueCapacity bounds the outbound queue. A full queue evicts its
	// oldest message.
	QueueCapacity int `yaml:"queue_capacity" env:"REALTIME_QUEUE_CAPACITY"`
	// FlushRate paces outbound writes.
	FlushRate rate.Limit `yaml:"flush_rate" env:"REALTIME_FLUSH_RATE"`
	// OnStateChange is invoked after every state transition. It must not
	// block.
	OnStateChange func(from, to State) `yaml:"-"`
}

// DefaultConfig returns a config with default values. The URL must still
// be set by the caller.
func DefaultConfig() Config {
	return Config{
		DialTimeout:          DefaultDialTimeout,
		ReconnectInterval:    DefaultReconnectInterval,
		MaxReconnectInterval: DefaultMaxReconnectInterval,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		QueueCapacity:        DefaultQueueCapacity,
		FlushRate:            DefaultFlushRate,
	}
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectInterval == 0 {
		c.MaxReconnectInterval = DefaultMaxReconnectInterval
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.FlushRate == 0 {
		c.FlushRate = DefaultFlushRate
	}
	if c.HeartbeatTimeout == 0 && c.HeartbeatInterval > 0 {
		c.HeartbeatTimeout = heartbeatTimeoutFactor * c.HeartbeatInterval
	}
}

// Validate checks the config for invalid values.
func (c Config) Validate() error {
	if c.URL == "" {
		return errEmptyURL
	}
	if c.DialTimeout <= 0 {
		return errDialTimeout
	}
	if c.ReconnectInterval <= 0 {
		return errReconnectInterval
	}
	if c.MaxReconnectInterval < c.ReconnectInterval {
		return errMaxReconnectInterval
	}
	if c.MaxReconnectAttempts < 0 {
		return errReconnectAttempts
	}
	if c.QueueCapacity < 1 {
		return errQueueCapacity
	}
	if c.FlushRate <= 0 {
		return errFlushRate
	}
	return nil
}

// WithURL returns a copy with the endpoint set.
func (c Config) WithURL(url string) Config {
	c.URL = url
	return c
}

// WithReconnect returns a copy with the given backoff parameters.
func (c Config) WithReconnect(interval, maxInterval time.Duration, maxAttempts int, exponential bool) Config {
	c.ReconnectInterval = interval
	c.MaxReconnectInterval = maxInterval
	c.MaxReconnectAttempts = maxAttempts
	c.ExponentialBackoff = exponential
	return c
}

// WithHeartbeat returns a copy with the given keepalive parameters.
func (c Config) WithHeartbeat(interval, timeout time.Duration) Config {
	c.HeartbeatInterval = interval
	c.HeartbeatTimeout = timeout
	return c
}

// WithQueueCapacity returns a copy with the given outbound queue bound.
func (c Config) WithQueueCapacity(n int) Config {
	c.QueueCapacity = n
	return c
}
