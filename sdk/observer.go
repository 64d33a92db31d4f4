package sdk

import (
	"sync"
	"time"
)

// Observer receives notifications about SDK internals: requests, circuit
// breaker transitions, flag updates, event delivery, polling and streaming
// lifecycle. The core never logs or prints on its own hot paths; observers
// render events however the application likes.
//
// All methods must be fast and must not block; they are called inline from
// SDK goroutines. Implementations must be safe for concurrent use.
//
// Example:
//
//	type logObserver struct{ sdk.NoopObserver }
//
//	func (o logObserver) OnCircuitStateChange(from, to sdk.CircuitState) {
//	    log.Printf("circuit: %s -> %s", from, to)
//	}
//
//	config := sdk.DefaultConfig().WithObserver(logObserver{})
type Observer interface {
	// OnRequest is called after every transport attempt.
	OnRequest(method, path string, duration time.Duration, err error)

	// OnRequestRejected is called when the circuit breaker rejects a
	// request locally, before any network activity.
	OnRequestRejected(method, path string)

	// OnCircuitStateChange is called when the circuit breaker changes state.
	OnCircuitStateChange(from, to CircuitState)

	// OnEvaluate is called on every local flag evaluation.
	OnEvaluate(key string, reason EvalReason)

	// OnFlagUpdate is called when a producer writes a flag into the cache.
	OnFlagUpdate(key string, version int64)

	// OnEventTracked is called when an analytics event is enqueued.
	OnEventTracked(eventType string)

	// OnEventsFlushed is called after each batch delivery attempt.
	OnEventsFlushed(count int, err error)

	// OnEventsDropped is called when queue overflow drops events.
	OnEventsDropped(count int)

	// OnPoll is called after every scheduled poll.
	OnPoll(duration time.Duration, err error)

	// OnPollingPaused is called when polling auto-pauses after too many
	// consecutive failures.
	OnPollingPaused(consecutiveErrors int)

	// OnStreamStateChange is called when the streaming connection changes
	// state.
	OnStreamStateChange(from, to StreamState)
}

// NoopObserver is an Observer that ignores everything. Embed it to
// implement only the hooks you care about.
type NoopObserver struct{}

func (NoopObserver) OnRequest(method, path string, duration time.Duration, err error) {}
func (NoopObserver) OnRequestRejected(method, path string)                            {}
func (NoopObserver) OnCircuitStateChange(from, to CircuitState)                       {}
func (NoopObserver) OnEvaluate(key string, reason EvalReason)                         {}
func (NoopObserver) OnFlagUpdate(key string, version int64)                           {}
func (NoopObserver) OnEventTracked(eventType string)                                  {}
func (NoopObserver) OnEventsFlushed(count int, err error)                             {}
func (NoopObserver) OnEventsDropped(count int)                                        {}
func (NoopObserver) OnPoll(duration time.Duration, err error)                         {}
func (NoopObserver) OnPollingPaused(consecutiveErrors int)                            {}
func (NoopObserver) OnStreamStateChange(from, to StreamState)                         {}

// CompositeObserver fans notifications out to several observers in order.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an observer that forwards to all given
// observers.
func NewCompositeObserver(observers ...Observer) *CompositeObserver {
	return &CompositeObserver{observers: observers}
}

func (c *CompositeObserver) OnRequest(method, path string, duration time.Duration, err error) {
	for _, o := range c.observers {
		o.OnRequest(method, path, duration, err)
	}
}

func (c *CompositeObserver) OnRequestRejected(method, path string) {
	for _, o := range c.observers {
		o.OnRequestRejected(method, path)
	}
}

func (c *CompositeObserver) OnCircuitStateChange(from, to CircuitState) {
	for _, o := range c.observers {
		o.OnCircuitStateChange(from, to)
	}
}

func (c *CompositeObserver) OnEvaluate(key string, reason EvalReason) {
	for _, o := range c.observers {
		o.OnEvaluate(key, reason)
	}
}

func (c *CompositeObserver) OnFlagUpdate(key string, version int64) {
	for _, o := range c.observers {
		o.OnFlagUpdate(key, version)
	}
}

func (c *CompositeObserver) OnEventTracked(eventType string) {
	for _, o := range c.observers {
		o.OnEventTracked(eventType)
	}
}

func (c *CompositeObserver) OnEventsFlushed(count int, err error) {
	for _, o := range c.observers {
		o.OnEventsFlushed(count, err)
	}
}

func (c *CompositeObserver) OnEventsDropped(count int) {
	for _, o := range c.observers {
		o.OnEventsDropped(count)
	}
}

func (c *CompositeObserver) OnPoll(duration time.Duration, err error) {
	for _, o := range c.observers {
		o.OnPoll(duration, err)
	}
}

func (c *CompositeObserver) OnPollingPaused(consecutiveErrors int) {
	for _, o := range c.observers {
		o.OnPollingPaused(consecutiveErrors)
	}
}

func (c *CompositeObserver) OnStreamStateChange(from, to StreamState) {
	for _, o := range c.observers {
		o.OnStreamStateChange(from, to)
	}
}

// MetricsCollector is an in-memory Observer useful for tests and simple
// introspection. For production metrics use PrometheusObserver.
type MetricsCollector struct {
	mu sync.Mutex

	requests        int64
	requestErrors   int64
	rejected        int64
	evaluations     map[EvalReason]int64
	flagUpdates     int64
	eventsTracked   int64
	eventsFlushed   int64
	eventsDropped   int64
	polls           int64
	pollErrors      int64
	circuitOpens    int64
	streamConnects  int64
	streamFallbacks int64
}

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{evaluations: make(map[EvalReason]int64)}
}

func (m *MetricsCollector) OnRequest(method, path string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if err != nil {
		m.requestErrors++
	}
}

func (m *MetricsCollector) OnRequestRejected(method, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
}

func (m *MetricsCollector) OnCircuitStateChange(from, to CircuitState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to == CircuitOpen {
		m.circuitOpens++
	}
}

func (m *MetricsCollector) OnEvaluate(key string, reason EvalReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluations[reason]++
}

func (m *MetricsCollector) OnFlagUpdate(key string, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flagUpdates++
}

func (m *MetricsCollector) OnEventTracked(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsTracked++
}

func (m *MetricsCollector) OnEventsFlushed(count int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.eventsFlushed += int64(count)
	}
}

func (m *MetricsCollector) OnEventsDropped(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsDropped += int64(count)
}

func (m *MetricsCollector) OnPoll(duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if err != nil {
		m.pollErrors++
	}
}

func (m *MetricsCollector) OnPollingPaused(consecutiveErrors int) {}

func (m *MetricsCollector) OnStreamStateChange(from, to StreamState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to == StreamConnected {
		m.streamConnects++
	}
	if to == StreamFailed {
		m.streamFallbacks++
	}
}

// Snapshot returns current counter values keyed by name.
func (m *MetricsCollector) Snapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := map[string]int64{
		"requests":          m.requests,
		"request_errors":    m.requestErrors,
		"requests_rejected": m.rejected,
		"flag_updates":      m.flagUpdates,
		"events_tracked":    m.eventsTracked,
		"events_flushed":    m.eventsFlushed,
		"events_dropped":    m.eventsDropped,
		"polls":             m.polls,
		"poll_errors":       m.pollErrors,
		"circuit_opens":     m.circuitOpens,
		"stream_connects":   m.streamConnects,
		"stream_failures":   m.streamFallbacks,
	}
	for reason, n := range m.evaluations {
		snap["evaluations_"+string(reason)] = n
	}
	return snap
}

// observedCircuitBreaker decorates a CircuitBreaker with state-change
// notifications, since the breaker itself has no observer dependency.
type observedCircuitBreaker struct {
	inner    CircuitBreaker
	observer Observer

	mu   sync.Mutex
	last CircuitState
}

func newObservedCircuitBreaker(inner CircuitBreaker, observer Observer) CircuitBreaker {
	return &observedCircuitBreaker{inner: inner, observer: observer, last: inner.State()}
}

// notice reports a state change if one happened since the last check.
func (b *observedCircuitBreaker) notice() {
	state := b.inner.State()
	b.mu.Lock()
	last := b.last
	b.last = state
	b.mu.Unlock()
	if last != state {
		b.observer.OnCircuitStateChange(last, state)
	}
}

func (b *observedCircuitBreaker) Execute(fn func() error) error {
	err := b.inner.Execute(fn)
	b.notice()
	return err
}

func (b *observedCircuitBreaker) ExecuteWithFallback(fn func() error, fallback func() error) error {
	err := b.inner.ExecuteWithFallback(fn, fallback)
	b.notice()
	return err
}

func (b *observedCircuitBreaker) CanExecute() bool {
	ok := b.inner.CanExecute()
	b.notice()
	return ok
}

func (b *observedCircuitBreaker) RecordSuccess() {
	b.inner.RecordSuccess()
	b.notice()
}

func (b *observedCircuitBreaker) RecordFailure() {
	b.inner.RecordFailure()
	b.notice()
}

func (b *observedCircuitBreaker) State() CircuitState {
	state := b.inner.State()
	b.notice()
	return state
}

func (b *observedCircuitBreaker) Reset() {
	b.inner.Reset()
	b.notice()
}
