package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is a feature-flag client. Flag reads are served purely from the
// in-memory cache and never block on network or disk; producers (bootstrap,
// polling, streaming) keep the cache current in the background.
//
// A Client is created with NewClient and must be closed with Close. There
// is no global instance; independent clients never interfere.
type Client interface {
	// Evaluate returns the local state of one flag. It never fails for
	// network or persistence reasons; the result's Reason tags how
	// trustworthy the value is (cached, bootstrap, stale, missing).
	Evaluate(key string) EvalResult

	// EvaluateAll returns the local state of every known flag.
	EvaluateAll() map[string]EvalResult

	// Bootstrap seeds the cache with externally supplied flag state, so
	// evaluations work before (or without) any network traffic.
	Bootstrap(flags map[string]FlagState) error

	// BootstrapJSON seeds the cache from a JSON document of the form
	// {"key": <flag state>, ...}.
	BootstrapJSON(data []byte) error

	// Refresh fetches current flags from the service: a full snapshot on
	// first sync, incremental updates afterwards.
	Refresh(ctx context.Context) error

	// EvaluateRemote evaluates one flag server-side, bypassing the local
	// cache. Goes through retry and the circuit breaker.
	EvaluateRemote(ctx context.Context, key string) (EvalResult, error)

	// EvaluateRemoteBatch evaluates several flags server-side.
	EvaluateRemoteBatch(ctx context.Context, keys []string) (map[string]EvalResult, error)

	// EvaluateRemoteAll evaluates every flag server-side.
	EvaluateRemoteAll(ctx context.Context) (map[string]EvalResult, error)

	// Track enqueues one analytics event. The event is persisted before
	// delivery and survives crashes when a storage dir is configured.
	Track(eventType string, payload interface{}) error

	// Flush delivers buffered analytics events now, bounded by ctx.
	Flush(ctx context.Context) error

	// StartPolling begins background refreshes on the configured interval.
	StartPolling() error

	// StopPolling halts background refreshes.
	StopPolling() error

	// ConnectStreaming opens the push connection for real-time updates.
	// If streaming ultimately fails, the client falls back to polling on
	// its own.
	ConnectStreaming() error

	// DisconnectStreaming closes the push connection.
	DisconnectStreaming() error

	// ExportCache returns the encrypted flag snapshot for persistence
	// across restarts. Requires WithEncryptedCache.
	ExportCache() ([]byte, error)

	// ImportCache loads a previously exported encrypted snapshot.
	// A snapshot produced under a different credential fails with
	// ErrCacheIntegrity and is discarded.
	ImportCache(data []byte) error

	// CircuitState returns the outbound circuit breaker's state.
	CircuitState() CircuitState

	// PollingState returns the polling scheduler's state.
	PollingState() PollingState

	// StreamState returns the streaming connection's state.
	StreamState() StreamState

	// Close stops all background work, flushes buffered events
	// best-effort, and releases resources. Every operation afterwards
	// fails fast with ErrClientClosed.
	Close() error
}

// client is the default Client implementation.
type client struct {
	config      *Config
	logger      logrus.FieldLogger
	observer    Observer
	credentials CredentialProvider
	breaker     CircuitBreaker
	transport   *transport
	cache       FlagCache
	events      *eventQueue
	poller      *poller
	stream      *streamManager

	mu            sync.Mutex
	closed        bool
	synced        bool
	lastSync      time.Time
	bootstrapKeys map[string]struct{}
}

// NewClient creates a flag client with the given configuration. The
// constructor does not touch the network; call Refresh, StartPolling or
// ConnectStreaming to begin syncing, or Bootstrap to run offline.
func NewClient(config *Config) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.logger()
	observer := config.observer()
	credentials := config.credentials()

	var cache FlagCache
	if config.EncryptCache {
		enc, err := NewEncryptedFlagCache(config.Cache, credentials.Current())
		if err != nil {
			return nil, err
		}
		cache = enc
	} else {
		cache = NewFlagCache(config.Cache)
	}

	breaker := newObservedCircuitBreaker(NewCircuitBreaker(config.CircuitBreaker), observer)

	c := &client{
		config:        config,
		logger:        logger,
		observer:      observer,
		credentials:   credentials,
		breaker:       breaker,
		cache:         cache,
		bootstrapKeys: make(map[string]struct{}),
	}
	c.transport = newTransport(config, credentials, breaker, observer)
	c.events = newEventQueue(config.Events, c.transport.SendEvents, logger, observer)
	c.poller = newPoller(config.Polling, c.refresh, logger, observer)
	c.stream = newStreamManager(config.Streaming, c.transport.StreamURL(),
		&http.Client{}, c.transport.ExchangeStreamToken, streamHandlers{
			onFlagUpdated: c.applyFlag,
			onFlagDeleted: c.cache.Remove,
			onFlagsReset:  c.applySnapshot,
			onFallback:    c.fallbackToPolling,
		}, logger, observer)

	logger.WithField("base_url", config.BaseURL).Debug("flag client created")
	return c, nil
}

func (c *client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *client) Evaluate(key string) EvalResult {
	if c.isClosed() {
		return EvalResult{Key: key, Value: NullValue(), Reason: ReasonMissing}
	}

	state, fresh, ok := c.cache.Peek(key)
	result := EvalResult{Key: key, Value: NullValue(), Reason: ReasonMissing}
	if ok {
		result = EvalResult{
			Key:     key,
			Value:   state.Value,
			Enabled: state.Enabled,
			Version: state.Version,
			Reason:  c.reason(key, fresh),
		}
	}
	c.observer.OnEvaluate(key, result.Reason)
	return result
}

// reason classifies a cache hit: stale past its TTL, bootstrap if seeded
// and never refreshed by a producer, cached otherwise.
func (c *client) reason(key string, fresh bool) EvalReason {
	if !fresh {
		return ReasonStale
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bootstrapKeys[key]; ok {
		return ReasonBootstrap
	}
	return ReasonCached
}

func (c *client) EvaluateAll() map[string]EvalResult {
	if c.isClosed() {
		return map[string]EvalResult{}
	}

	all, stale := c.cache.PeekAll()
	out := make(map[string]EvalResult, len(all))
	for key, state := range all {
		reason := c.reason(key, !stale[key])
		out[key] = EvalResult{
			Key:     key,
			Value:   state.Value,
			Enabled: state.Enabled,
			Version: state.Version,
			Reason:  reason,
		}
		c.observer.OnEvaluate(key, reason)
	}
	return out
}

func (c *client) Bootstrap(flags map[string]FlagState) error {
	if c.isClosed() {
		return NewError(ErrorTypeClosed, "client is closed", ErrClientClosed)
	}

	c.mu.Lock()
	for key := range flags {
		c.bootstrapKeys[key] = struct{}{}
	}
	c.mu.Unlock()

	for key, state := range flags {
		if state.Key == "" {
			state.Key = key
		}
		c.cache.Set(key, state, c.config.FlagTTL)
		c.observer.OnFlagUpdate(key, state.Version)
	}
	c.logger.WithField("count", len(flags)).Debug("bootstrap applied")
	return nil
}

func (c *client) BootstrapJSON(data []byte) error {
	var flags map[string]FlagState
	if err := json.Unmarshal(data, &flags); err != nil {
		return NewError(ErrorTypeValidation, "malformed bootstrap document", err)
	}
	return c.Bootstrap(flags)
}

// applyFlag is the producer write path: wholesale per-key swap, version
// gated by the cache.
func (c *client) applyFlag(state FlagState) {
	c.mu.Lock()
	delete(c.bootstrapKeys, state.Key)
	c.mu.Unlock()

	c.cache.Set(state.Key, state, c.config.FlagTTL)
	c.observer.OnFlagUpdate(state.Key, state.Version)
}

// applySnapshot replaces the whole cache with a full snapshot.
func (c *client) applySnapshot(flags map[string]FlagState) {
	c.cache.Clear()
	c.mu.Lock()
	c.bootstrapKeys = make(map[string]struct{})
	c.mu.Unlock()

	for key, state := range flags {
		if state.Key == "" {
			state.Key = key
		}
		c.cache.Set(key, state, c.config.FlagTTL)
		c.observer.OnFlagUpdate(key, state.Version)
	}
}

func (c *client) Refresh(ctx context.Context) error {
	if c.isClosed() {
		return NewError(ErrorTypeClosed, "client is closed", ErrClientClosed)
	}
	return c.refresh(ctx)
}

// refresh is the poll callback: full snapshot on first sync, incremental
// updates afterwards.
func (c *client) refresh(ctx context.Context) error {
	c.mu.Lock()
	synced := c.synced
	since := c.lastSync
	c.mu.Unlock()

	if !synced {
		flags, serverTime, err := c.transport.FetchInit(ctx)
		if err != nil {
			return err
		}
		for key, state := range flags {
			if state.Key == "" {
				state.Key = key
			}
			c.applyFlag(state)
		}
		c.markSynced(serverTime)
		c.logger.WithField("count", len(flags)).Debug("initial flag snapshot applied")
		return nil
	}

	resp, err := c.transport.FetchUpdates(ctx, since)
	if err != nil {
		return err
	}
	for key, state := range resp.Flags {
		if state.Key == "" {
			state.Key = key
		}
		c.applyFlag(state)
	}
	for _, key := range resp.Deleted {
		c.cache.Remove(key)
	}
	c.markSynced(resp.ServerTime)
	return nil
}

func (c *client) markSynced(serverTime time.Time) {
	if serverTime.IsZero() {
		serverTime = time.Now().UTC()
	}
	c.mu.Lock()
	c.synced = true
	c.lastSync = serverTime
	c.mu.Unlock()
}

func (c *client) EvaluateRemote(ctx context.Context, key string) (EvalResult, error) {
	if c.isClosed() {
		return EvalResult{}, NewError(ErrorTypeClosed, "client is closed", ErrClientClosed)
	}
	return c.transport.EvaluateRemote(ctx, key)
}

func (c *client) EvaluateRemoteBatch(ctx context.Context, keys []string) (map[string]EvalResult, error) {
	if c.isClosed() {
		return nil, NewError(ErrorTypeClosed, "client is closed", ErrClientClosed)
	}
	return c.transport.EvaluateRemoteBatch(ctx, keys)
}

func (c *client) EvaluateRemoteAll(ctx context.Context) (map[string]EvalResult, error) {
	if c.isClosed() {
		return nil, NewError(ErrorTypeClosed, "client is closed", ErrClientClosed)
	}
	return c.transport.EvaluateRemoteAll(ctx)
}

func (c *client) Track(eventType string, payload interface{}) error {
	if c.isClosed() {
		return NewError(ErrorTypeClosed, "client is closed", ErrClientClosed)
	}
	if eventType == "" {
		return NewError(ErrorTypeValidation, "event type is required", ErrInvalidConfig)
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return NewError(ErrorTypeValidation, "event payload is not serializable", err)
		}
		raw = data
	}
	c.events.Track(eventType, raw)
	return nil
}

func (c *client) Flush(ctx context.Context) error {
	if c.isClosed() {
		return NewError(ErrorTypeClosed, "client is closed", ErrClientClosed)
	}
	return c.events.Flush(ctx)
}

func (c *client) StartPolling() error {
	if c.isClosed() {
		return NewError(ErrorTypeClosed, "client is closed", ErrClientClosed)
	}
	c.poller.Start()
	return nil
}

func (c *client) StopPolling() error {
	if c.isClosed() {
		return NewError(ErrorTypeClosed, "client is closed", ErrClientClosed)
	}
	c.poller.Stop()
	return nil
}

func (c *client) ConnectStreaming() error {
	if c.isClosed() {
		return NewError(ErrorTypeClosed, "client is closed", ErrClientClosed)
	}
	c.stream.Connect()
	return nil
}

func (c *client) DisconnectStreaming() error {
	if c.isClosed() {
		return NewError(ErrorTypeClosed, "client is closed", ErrClientClosed)
	}
	c.stream.Disconnect()
	return nil
}

// fallbackToPolling is invoked by the streaming manager, at most once, when
// reconnection attempts are exhausted.
func (c *client) fallbackToPolling() {
	if c.isClosed() {
		return
	}
	c.poller.Start()
	c.poller.PollNow()
}

func (c *client) ExportCache() ([]byte, error) {
	if c.isClosed() {
		return nil, NewError(ErrorTypeClosed, "client is closed", ErrClientClosed)
	}
	enc, ok := c.cache.(EncryptedFlagCache)
	if !ok {
		return nil, NewError(ErrorTypeValidation, "encrypted cache is not enabled", ErrInvalidConfig)
	}
	return enc.Export()
}

func (c *client) ImportCache(data []byte) error {
	if c.isClosed() {
		return NewError(ErrorTypeClosed, "client is closed", ErrClientClosed)
	}
	enc, ok := c.cache.(EncryptedFlagCache)
	if !ok {
		return NewError(ErrorTypeValidation, "encrypted cache is not enabled", ErrInvalidConfig)
	}
	return enc.Import(data)
}

func (c *client) CircuitState() CircuitState { return c.breaker.State() }
func (c *client) PollingState() PollingState { return c.poller.State() }
func (c *client) StreamState() StreamState   { return c.stream.State() }

// Close stops background work in producer order (streaming, polling, then
// the event queue with one bounded flush). Close is idempotent.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stream.Disconnect()
	c.poller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.events.Close(ctx)

	c.logger.Debug("flag client closed")
	return err
}
