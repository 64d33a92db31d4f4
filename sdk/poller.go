package sdk

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PollingState represents the scheduler's lifecycle state.
type PollingState int

const (
	// PollingStopped means the scheduler is not running.
	PollingStopped PollingState = iota
	// PollingRunning means polls are scheduled normally.
	PollingRunning
	// PollingPaused means the scheduler is alive but not polling.
	// Entered explicitly via Pause or automatically after too many
	// consecutive failures; left via Resume or Reset.
	PollingPaused
)

// String returns the string representation of the polling state
func (ps PollingState) String() string {
	switch ps {
	case PollingRunning:
		return "running"
	case PollingPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// PollingConfig holds configuration for the polling scheduler.
type PollingConfig struct {
	// Interval is the base delay between polls. Default: 30s
	Interval time.Duration

	// MaxInterval caps backoff growth after failures. Default: 10m
	MaxInterval time.Duration

	// BackoffFactor multiplies the interval after each failed poll.
	// Default: 2.0
	BackoffFactor float64

	// MaxJitter is the upper bound of the random jitter added to every
	// scheduled delay. Default: 1s
	MaxJitter time.Duration

	// MaxConsecutiveErrors auto-pauses polling once this many polls fail
	// in a row. Default: 5
	MaxConsecutiveErrors int
}

// DefaultPollingConfig returns a polling configuration with sensible
// defaults.
//
// Default values:
//   - Interval: 30s
//   - MaxInterval: 10m
//   - BackoffFactor: 2.0
//   - MaxJitter: 1s
//   - MaxConsecutiveErrors: 5
func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		Interval:             30 * time.Second,
		MaxInterval:          10 * time.Minute,
		BackoffFactor:        2.0,
		MaxJitter:            time.Second,
		MaxConsecutiveErrors: 5,
	}
}

// poller schedules periodic refreshes with adaptive backoff. A successful
// poll restores the base interval; failures grow it multiplicatively up to
// MaxInterval, and enough consecutive failures pause polling entirely so a
// dead server is not hammered forever.
type poller struct {
	config   PollingConfig
	refresh  func(ctx context.Context) error
	logger   logrus.FieldLogger
	observer Observer

	mu       sync.Mutex
	state    PollingState
	interval time.Duration
	errs     int

	stopCh    chan struct{}
	pollNowCh chan struct{}
	pauseCh   chan struct{}
	resumeCh  chan struct{}
	wg        sync.WaitGroup
}

func newPoller(config PollingConfig, refresh func(ctx context.Context) error, logger logrus.FieldLogger, observer Observer) *poller {
	return &poller{
		config:   config,
		refresh:  refresh,
		logger:   logger,
		observer: observer,
		state:    PollingStopped,
		interval: config.Interval,
	}
}

// Start begins scheduled polling. Starting an already-running poller is a
// no-op.
func (p *poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PollingStopped {
		return
	}
	p.state = PollingRunning
	p.interval = p.config.Interval
	p.errs = 0
	p.stopCh = make(chan struct{})
	p.pollNowCh = make(chan struct{}, 1)
	p.pauseCh = make(chan struct{}, 1)
	p.resumeCh = make(chan struct{}, 1)

	p.wg.Add(1)
	go p.run(p.stopCh, p.pollNowCh, p.pauseCh, p.resumeCh)
}

// Stop halts the scheduler and waits for the loop to exit.
func (p *poller) Stop() {
	p.mu.Lock()
	if p.state == PollingStopped {
		p.mu.Unlock()
		return
	}
	p.state = PollingStopped
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// Pause suspends scheduled polls until Resume or Reset.
func (p *poller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PollingRunning {
		return
	}
	p.state = PollingPaused
	select {
	case p.pauseCh <- struct{}{}:
	default:
	}
}

// Resume restarts scheduled polls after a Pause or an auto-pause.
func (p *poller) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumeLocked()
}

// resumeLocked transitions paused -> running. Callers must hold p.mu.
func (p *poller) resumeLocked() {
	if p.state != PollingPaused {
		return
	}
	p.state = PollingRunning
	select {
	case p.resumeCh <- struct{}{}:
	default:
	}
}

// Reset restores the base interval, clears the error count, and resumes a
// paused scheduler.
func (p *poller) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.interval = p.config.Interval
	p.errs = 0
	p.resumeLocked()
}

// PollNow forces one out-of-band poll. The scheduled timer is not touched
// and the adaptive interval is not updated; this is a manual refresh, not a
// schedule event.
func (p *poller) PollNow() {
	p.mu.Lock()
	running := p.state != PollingStopped
	p.mu.Unlock()
	if !running {
		return
	}
	select {
	case p.pollNowCh <- struct{}{}:
	default:
	}
}

// State returns the current scheduler state.
func (p *poller) State() PollingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// run is the scheduler loop. Channel arguments are captured at Start so a
// later Start/Stop cycle gets fresh channels.
func (p *poller) run(stopCh, pollNowCh, pauseCh, resumeCh chan struct{}) {
	defer p.wg.Done()

	timer := time.NewTimer(p.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return

		case <-pollNowCh:
			if err := p.refresh(context.Background()); err != nil {
				p.logger.WithError(err).Debug("manual poll failed")
			}

		case <-pauseCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if !p.waitResume(stopCh, resumeCh, pollNowCh) {
				return
			}
			timer.Reset(p.nextDelay())

		case <-timer.C:
			p.poll()
			if p.State() == PollingPaused {
				if !p.waitResume(stopCh, resumeCh, pollNowCh) {
					return
				}
			}
			timer.Reset(p.nextDelay())
		}
	}
}

// waitResume blocks while paused. Manual polls still work during a pause.
// Returns false when the scheduler is stopping.
func (p *poller) waitResume(stopCh, resumeCh, pollNowCh chan struct{}) bool {
	for {
		select {
		case <-stopCh:
			return false
		case <-resumeCh:
			return true
		case <-pollNowCh:
			if err := p.refresh(context.Background()); err != nil {
				p.logger.WithError(err).Debug("manual poll failed")
			}
		}
	}
}

// poll runs one scheduled refresh and updates the adaptive interval.
func (p *poller) poll() {
	start := time.Now()
	err := p.refresh(context.Background())
	p.observer.OnPoll(time.Since(start), err)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.interval = p.config.Interval
		p.errs = 0
		return
	}

	p.errs++
	next := time.Duration(float64(p.interval) * p.config.BackoffFactor)
	if next > p.config.MaxInterval {
		next = p.config.MaxInterval
	}
	p.interval = next
	p.logger.WithError(err).WithFields(logrus.Fields{
		"consecutive_errors": p.errs,
		"next_interval":      p.interval,
	}).Warn("poll failed")

	if p.errs >= p.config.MaxConsecutiveErrors && p.state == PollingRunning {
		p.state = PollingPaused
		p.logger.WithField("consecutive_errors", p.errs).Warn("polling auto-paused")
		p.observer.OnPollingPaused(p.errs)
	}
}

// nextDelay is the current interval plus uniform jitter.
func (p *poller) nextDelay() time.Duration {
	p.mu.Lock()
	d := p.interval
	p.mu.Unlock()

	if p.config.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.config.MaxJitter)))
	}
	return d
}
