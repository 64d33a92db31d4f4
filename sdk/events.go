package sdk

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/birbparty/birb-flags/internal/wal"
)

// AnalyticsEvent is one tracked event as handed to the delivery path.
// The ID is generated at Track time and persisted with the event, so the
// receiving side can deduplicate the occasional at-least-once duplicate.
type AnalyticsEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// eventSender delivers one batch. The client wires this to the transport's
// events endpoint, so retry and circuit breaking are already applied.
type eventSender func(ctx context.Context, events []AnalyticsEvent) error

// EventQueueConfig holds configuration for event buffering and persistence.
type EventQueueConfig struct {
	// BatchSize is the number of buffered events that triggers an
	// immediate flush. Default: 50
	BatchSize int

	// FlushInterval is how often buffered events are flushed regardless
	// of batch size. Default: 10s
	FlushInterval time.Duration

	// MaxQueueSize bounds the in-memory buffer. When a failed batch is
	// re-inserted past the bound, the oldest events are dropped.
	// Default: 1000
	MaxQueueSize int

	// StorageDir is the directory for the on-disk event log. Empty
	// disables persistence; events then live only in memory.
	StorageDir string

	// MaxPersistedEvents bounds the number of undelivered events kept on
	// disk. Default: 1000
	MaxPersistedEvents int

	// RetentionPeriod is how long delivered events are kept on disk
	// before cleanup. Default: 24h
	RetentionPeriod time.Duration

	// CleanupInterval is how often the on-disk log is compacted.
	// Default: 1h
	CleanupInterval time.Duration
}

// DefaultEventQueueConfig returns an event queue configuration with
// sensible defaults. Persistence is off until StorageDir is set.
func DefaultEventQueueConfig() EventQueueConfig {
	return EventQueueConfig{
		BatchSize:          50,
		FlushInterval:      10 * time.Second,
		MaxQueueSize:       1000,
		MaxPersistedEvents: 1000,
		RetentionPeriod:    24 * time.Hour,
		CleanupInterval:    time.Hour,
	}
}

// eventQueue buffers analytics events and flushes them in batches, either
// when the buffer reaches BatchSize or on a timer tick. Events are written
// to the on-disk log before any delivery attempt; if persistence fails the
// queue degrades to memory-only operation instead of surfacing errors to
// Track callers.
type eventQueue struct {
	config   EventQueueConfig
	sender   eventSender
	logger   logrus.FieldLogger
	observer Observer

	mu       sync.Mutex
	buf      []AnalyticsEvent
	log      *wal.Log // nil when persistence is off or degraded
	degraded bool

	kick   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// newEventQueue creates the queue and recovers undelivered events from a
// previous run. Persistence failures are logged, never fatal.
func newEventQueue(config EventQueueConfig, sender eventSender, logger logrus.FieldLogger, observer Observer) *eventQueue {
	q := &eventQueue{
		config:   config,
		sender:   sender,
		logger:   logger,
		observer: observer,
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}

	if config.StorageDir != "" {
		log, err := wal.Open(wal.Options{
			Dir:       config.StorageDir,
			MaxEvents: config.MaxPersistedEvents,
		})
		if err != nil {
			q.logger.WithError(err).Warn("event persistence unavailable, running memory-only")
			q.degraded = true
		} else {
			q.log = log
			q.recoverEvents()
		}
	}

	q.wg.Add(1)
	go q.run()
	return q
}

// recoverEvents loads undelivered events from disk into the buffer.
func (q *eventQueue) recoverEvents() {
	events, err := q.log.Recover()
	if err != nil {
		q.logger.WithError(err).Warn("event recovery failed, running memory-only")
		q.log = nil
		q.degraded = true
		return
	}
	for _, ev := range events {
		q.buf = append(q.buf, AnalyticsEvent{
			ID:        ev.ID,
			Type:      ev.Type,
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt,
		})
	}
	if len(events) > 0 {
		q.logger.WithField("count", len(events)).Info("recovered undelivered events")
	}
}

// Track enqueues one event. Never returns an error for persistence
// trouble; the event stays in memory until the next successful flush.
func (q *eventQueue) Track(eventType string, payload json.RawMessage) {
	ev := AnalyticsEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.persist(ev)
	q.buf = append(q.buf, ev)
	if len(q.buf) > q.config.MaxQueueSize {
		dropped := len(q.buf) - q.config.MaxQueueSize
		q.markFailed(q.buf[:dropped])
		q.buf = q.buf[dropped:]
		q.observer.OnEventsDropped(dropped)
	}
	full := len(q.buf) >= q.config.BatchSize
	q.mu.Unlock()

	q.observer.OnEventTracked(eventType)
	if full {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
}

// persist writes the create record, degrading to memory-only on failure.
// Callers must hold q.mu.
func (q *eventQueue) persist(ev AnalyticsEvent) {
	if q.log == nil {
		return
	}
	err := q.log.Append(wal.Event{
		ID:        ev.ID,
		Type:      ev.Type,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	})
	if err != nil {
		q.logger.WithError(err).Warn("event persistence failed, running memory-only")
		q.log = nil
		q.degraded = true
	}
}

// markStatus applies one status to a batch on disk. Persistence errors
// degrade silently; delivery state then only lives in memory.
// Callers must hold q.mu.
func (q *eventQueue) markStatus(events []AnalyticsEvent, status wal.Status, sentAt *time.Time) {
	if q.log == nil {
		return
	}
	for _, ev := range events {
		if err := q.log.UpdateStatus(ev.ID, status, sentAt); err != nil {
			q.logger.WithError(err).Warn("event status update failed, running memory-only")
			q.log = nil
			q.degraded = true
			return
		}
	}
}

func (q *eventQueue) markFailed(events []AnalyticsEvent) {
	q.markStatus(events, wal.StatusFailed, nil)
}

// run is the flush loop: timer ticks, batch-size kicks, periodic cleanup.
func (q *eventQueue) run() {
	defer q.wg.Done()

	flushTicker := time.NewTicker(q.config.FlushInterval)
	defer flushTicker.Stop()
	cleanupTicker := time.NewTicker(q.config.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.kick:
			q.flushBatch(context.Background())
		case <-flushTicker.C:
			q.Flush(context.Background())
		case <-cleanupTicker.C:
			q.cleanup()
		}
	}
}

// flushBatch sends one batch of up to BatchSize events from the front of
// the buffer. On failure the batch is re-inserted at the front, bounded by
// MaxQueueSize with the oldest events dropped, and the send error is
// returned.
func (q *eventQueue) flushBatch(ctx context.Context) (flushed int, more bool, err error) {
	q.mu.Lock()
	if len(q.buf) == 0 {
		q.mu.Unlock()
		return 0, false, nil
	}
	n := len(q.buf)
	if n > q.config.BatchSize {
		n = q.config.BatchSize
	}
	batch := make([]AnalyticsEvent, n)
	copy(batch, q.buf[:n])
	q.buf = q.buf[n:]

	// Sending is recorded before the attempt: a crash between send and
	// acknowledgment recovers as pending and is retried
	q.markStatus(batch, wal.StatusSending, nil)
	q.mu.Unlock()

	err = q.sender(ctx, batch)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err != nil {
		q.markStatus(batch, wal.StatusPending, nil)
		q.buf = append(batch, q.buf...)
		if len(q.buf) > q.config.MaxQueueSize {
			dropped := len(q.buf) - q.config.MaxQueueSize
			q.markFailed(q.buf[:dropped])
			q.buf = q.buf[dropped:]
			q.observer.OnEventsDropped(dropped)
		}
		q.logger.WithError(err).WithField("count", len(batch)).Warn("event batch delivery failed")
		q.observer.OnEventsFlushed(len(batch), err)
		return 0, false, err
	}

	now := time.Now().UTC()
	q.markStatus(batch, wal.StatusSent, &now)
	q.observer.OnEventsFlushed(len(batch), nil)
	return len(batch), len(q.buf) > 0, nil
}

// Flush drains the buffer in batches until empty, a batch fails, or the
// context is done. A failed batch stays queued for the next flush and its
// send error is returned.
func (q *eventQueue) Flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return WrapError(err, ErrorTypeTimeout, "flush aborted by context")
		}
		flushed, more, err := q.flushBatch(ctx)
		if err != nil {
			return err
		}
		if flushed == 0 || !more {
			return nil
		}
	}
}

// cleanup compacts the on-disk log.
func (q *eventQueue) cleanup() {
	q.mu.Lock()
	log := q.log
	q.mu.Unlock()
	if log == nil {
		return
	}
	if err := log.Cleanup(q.config.RetentionPeriod); err != nil {
		q.logger.WithError(err).Warn("event log cleanup failed")
	}
}

// Close stops the flush loop and performs one bounded best-effort flush.
// Delivery failure is not a close failure: undelivered events are already
// persisted (or were only ever best-effort), so it is logged, not returned.
func (q *eventQueue) Close(ctx context.Context) error {
	select {
	case <-q.stopCh:
		return nil
	default:
	}
	close(q.stopCh)
	q.wg.Wait()
	if err := q.Flush(ctx); err != nil {
		q.logger.WithError(err).Warn("final event flush incomplete")
	}
	return nil
}

// Pending returns the number of buffered events. Used by tests and the
// metrics observer.
func (q *eventQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
