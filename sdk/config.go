package sdk

import (
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the flag client. Create one with
// DefaultConfig and customize it with the fluent With* methods:
//
//	config := sdk.DefaultConfig().
//	    WithBaseURL("https://flags.example.com").
//	    WithAPIKey("sdk-key-123").
//	    WithStorageDir("/var/lib/myapp/flags")
//	client, err := sdk.NewClient(config)
type Config struct {
	// BaseURL is the flag service base URL. Required.
	BaseURL string

	// APIKey is the long-lived SDK credential sent in a header with every
	// request. Required unless a CredentialProvider is set.
	APIKey string

	// SecondaryAPIKey is an optional standby credential. When the server
	// rejects APIKey with a 401, the SDK rotates to it once and retries.
	// Supports zero-downtime key rollover.
	SecondaryAPIKey string

	// CredentialProvider overrides APIKey/SecondaryAPIKey with a custom
	// credential source.
	CredentialProvider CredentialProvider

	// RequestTimeout bounds each HTTP request. Default: 10s
	RequestTimeout time.Duration

	// FlagTTL is the cache TTL applied to flags written by the refresh
	// pipeline. Default: 5m
	FlagTTL time.Duration

	// EncryptCache enables the encrypted-at-rest flag cache, keyed by the
	// SDK credential.
	EncryptCache bool

	// Cache configures the flag cache.
	Cache CacheConfig

	// CircuitBreaker configures the shared outbound circuit breaker.
	CircuitBreaker CircuitBreakerConfig

	// Retry configures the outbound retry policy.
	Retry RetryPolicy

	// Events configures analytics buffering and persistence. Set
	// Events.StorageDir to survive restarts.
	Events EventQueueConfig

	// Polling configures the polling scheduler.
	Polling PollingConfig

	// Streaming configures the streaming manager.
	Streaming StreamingConfig

	// Logger receives structured lifecycle and degradation logs. Default:
	// a logger that discards everything; the core stays silent unless
	// asked not to be.
	Logger logrus.FieldLogger

	// Observer receives SDK activity notifications. Default: NoopObserver.
	Observer Observer

	// Signer optionally signs outbound request bodies.
	Signer RequestSigner

	// Codec handles wire (de)serialization. Default: JSON.
	Codec Codec
}

// DefaultConfig returns a configuration with sensible defaults. BaseURL
// and APIKey must still be set.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: 10 * time.Second,
		FlagTTL:        5 * time.Minute,
		Cache:          DefaultCacheConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Retry:          DefaultRetryPolicy(),
		Events:         DefaultEventQueueConfig(),
		Polling:        DefaultPollingConfig(),
		Streaming:      DefaultStreamingConfig(),
	}
}

// WithBaseURL sets the flag service base URL.
func (c *Config) WithBaseURL(url string) *Config {
	c.BaseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithAPIKey sets the SDK credential.
func (c *Config) WithAPIKey(key string) *Config {
	c.APIKey = key
	return c
}

// WithSecondaryAPIKey sets the standby credential for one-shot rotation.
func (c *Config) WithSecondaryAPIKey(key string) *Config {
	c.SecondaryAPIKey = key
	return c
}

// WithCredentialProvider sets a custom credential source.
func (c *Config) WithCredentialProvider(p CredentialProvider) *Config {
	c.CredentialProvider = p
	return c
}

// WithRequestTimeout sets the per-request timeout.
func (c *Config) WithRequestTimeout(d time.Duration) *Config {
	c.RequestTimeout = d
	return c
}

// WithFlagTTL sets the cache TTL for refreshed flags.
func (c *Config) WithFlagTTL(d time.Duration) *Config {
	c.FlagTTL = d
	return c
}

// WithEncryptedCache enables the encrypted-at-rest flag cache.
func (c *Config) WithEncryptedCache() *Config {
	c.EncryptCache = true
	return c
}

// WithStorageDir enables event persistence under dir.
func (c *Config) WithStorageDir(dir string) *Config {
	c.Events.StorageDir = dir
	return c
}

// WithCache sets the cache configuration.
func (c *Config) WithCache(cache CacheConfig) *Config {
	c.Cache = cache
	return c
}

// WithCircuitBreaker sets the circuit breaker configuration.
func (c *Config) WithCircuitBreaker(cb CircuitBreakerConfig) *Config {
	c.CircuitBreaker = cb
	return c
}

// WithRetry sets the retry policy.
func (c *Config) WithRetry(r RetryPolicy) *Config {
	c.Retry = r
	return c
}

// WithEvents sets the event queue configuration.
func (c *Config) WithEvents(e EventQueueConfig) *Config {
	c.Events = e
	return c
}

// WithPolling sets the polling configuration.
func (c *Config) WithPolling(p PollingConfig) *Config {
	c.Polling = p
	return c
}

// WithStreaming sets the streaming configuration.
func (c *Config) WithStreaming(s StreamingConfig) *Config {
	c.Streaming = s
	return c
}

// WithLogger sets the structured logger.
func (c *Config) WithLogger(logger logrus.FieldLogger) *Config {
	c.Logger = logger
	return c
}

// WithObserver sets the observer. Combine several with
// NewCompositeObserver.
func (c *Config) WithObserver(o Observer) *Config {
	c.Observer = o
	return c
}

// WithSigner sets the request signer.
func (c *Config) WithSigner(s RequestSigner) *Config {
	c.Signer = s
	return c
}

// WithCodec sets the wire codec.
func (c *Config) WithCodec(codec Codec) *Config {
	c.Codec = codec
	return c
}

// Validate checks required fields and fills in zero values with defaults.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return NewError(ErrorTypeValidation, "base URL is required", ErrInvalidConfig)
	}
	if c.APIKey == "" && c.CredentialProvider == nil {
		return NewError(ErrorTypeValidation, "API key is required", ErrInvalidConfig)
	}

	def := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.FlagTTL <= 0 {
		c.FlagTTL = def.FlagTTL
	}
	if c.Cache.MaxSize <= 0 {
		c.Cache.MaxSize = def.Cache.MaxSize
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = def.Cache.DefaultTTL
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = def.CircuitBreaker.FailureThreshold
	}
	if c.CircuitBreaker.SuccessThreshold <= 0 {
		c.CircuitBreaker.SuccessThreshold = def.CircuitBreaker.SuccessThreshold
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		c.CircuitBreaker.ResetTimeout = def.CircuitBreaker.ResetTimeout
	}
	if c.CircuitBreaker.HalfOpenMaxProbes <= 0 {
		c.CircuitBreaker.HalfOpenMaxProbes = def.CircuitBreaker.HalfOpenMaxProbes
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if c.Retry.Multiplier <= 1 {
		c.Retry.Multiplier = def.Retry.Multiplier
	}
	if c.Events.BatchSize <= 0 {
		c.Events.BatchSize = def.Events.BatchSize
	}
	if c.Events.FlushInterval <= 0 {
		c.Events.FlushInterval = def.Events.FlushInterval
	}
	if c.Events.MaxQueueSize <= 0 {
		c.Events.MaxQueueSize = def.Events.MaxQueueSize
	}
	if c.Events.MaxPersistedEvents <= 0 {
		c.Events.MaxPersistedEvents = def.Events.MaxPersistedEvents
	}
	if c.Events.RetentionPeriod <= 0 {
		c.Events.RetentionPeriod = def.Events.RetentionPeriod
	}
	if c.Events.CleanupInterval <= 0 {
		c.Events.CleanupInterval = def.Events.CleanupInterval
	}
	if c.Polling.Interval <= 0 {
		c.Polling.Interval = def.Polling.Interval
	}
	if c.Polling.MaxInterval <= 0 {
		c.Polling.MaxInterval = def.Polling.MaxInterval
	}
	if c.Polling.BackoffFactor <= 1 {
		c.Polling.BackoffFactor = def.Polling.BackoffFactor
	}
	if c.Polling.MaxConsecutiveErrors <= 0 {
		c.Polling.MaxConsecutiveErrors = def.Polling.MaxConsecutiveErrors
	}
	if c.Streaming.HeartbeatInterval <= 0 {
		c.Streaming.HeartbeatInterval = def.Streaming.HeartbeatInterval
	}
	if c.Streaming.MaxReconnectAttempts <= 0 {
		c.Streaming.MaxReconnectAttempts = def.Streaming.MaxReconnectAttempts
	}
	if c.Streaming.ReconnectBaseDelay <= 0 {
		c.Streaming.ReconnectBaseDelay = def.Streaming.ReconnectBaseDelay
	}
	if c.Streaming.ReconnectMaxDelay <= 0 {
		c.Streaming.ReconnectMaxDelay = def.Streaming.ReconnectMaxDelay
	}
	if c.Streaming.LongRetryInterval <= 0 {
		c.Streaming.LongRetryInterval = def.Streaming.LongRetryInterval
	}
	return nil
}

// credentials returns the configured provider, or a static one built from
// the API keys.
func (c *Config) credentials() CredentialProvider {
	if c.CredentialProvider != nil {
		return c.CredentialProvider
	}
	return NewStaticCredentials(c.APIKey, c.SecondaryAPIKey)
}

// logger returns the configured logger, or a silent one.
func (c *Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// observer returns the configured observer, or the noop one.
func (c *Config) observer() Observer {
	if c.Observer != nil {
		return c.Observer
	}
	return NoopObserver{}
}

// codec returns the configured codec, or the JSON default.
func (c *Config) codec() Codec {
	if c.Codec != nil {
		return c.Codec
	}
	return NewJSONCodec()
}
