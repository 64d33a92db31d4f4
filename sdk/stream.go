package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StreamState represents the streaming connection's lifecycle state.
type StreamState int

const (
	// StreamDisconnected means streaming is off.
	StreamDisconnected StreamState = iota
	// StreamConnecting means the first connection attempt is in progress.
	StreamConnecting
	// StreamConnected means the push connection is live.
	StreamConnected
	// StreamReconnecting means the connection dropped and a backoff retry
	// is in progress.
	StreamReconnecting
	// StreamFailed means reconnection attempts were exhausted. Polling
	// fallback has been requested and a single long-interval streaming
	// retry is scheduled.
	StreamFailed
)

// String returns the string representation of the stream state
func (ss StreamState) String() string {
	switch ss {
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamReconnecting:
		return "reconnecting"
	case StreamFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// StreamingConfig holds configuration for the streaming manager.
type StreamingConfig struct {
	// HeartbeatInterval is the server's advertised heartbeat cadence.
	// Silence longer than twice this declares the connection dead.
	// Default: 30s
	HeartbeatInterval time.Duration

	// MaxReconnectAttempts is the number of consecutive failures before
	// the manager gives up, requests polling fallback, and waits for the
	// long retry. Default: 5
	MaxReconnectAttempts int

	// ReconnectBaseDelay is the backoff before the first reconnect.
	// Default: 1s
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps reconnect backoff growth. Default: 30s
	ReconnectMaxDelay time.Duration

	// LongRetryInterval is the single retry delay after entering the
	// failed state, letting streaming silently recover later.
	// Default: 15m
	LongRetryInterval time.Duration
}

// DefaultStreamingConfig returns a streaming configuration with sensible
// defaults.
//
// Default values:
//   - HeartbeatInterval: 30s
//   - MaxReconnectAttempts: 5
//   - ReconnectBaseDelay: 1s
//   - ReconnectMaxDelay: 30s
//   - LongRetryInterval: 15m
func DefaultStreamingConfig() StreamingConfig {
	return StreamingConfig{
		HeartbeatInterval:    30 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		LongRetryInterval:    15 * time.Minute,
	}
}

// streamToken is a short-lived opaque credential for the push connection.
// Unlike the real SDK credential it may appear in a URL, since it is
// single-purpose and expires quickly.
type streamToken struct {
	Token string
	TTL   time.Duration
}

// streamHandlers receives dispatched stream events. All callbacks run on
// the stream reader goroutine and must not block.
type streamHandlers struct {
	onFlagUpdated func(FlagState)
	onFlagDeleted func(key string)
	onFlagsReset  func(map[string]FlagState)

	// onFallback requests the polling fallback. Invoked exactly once per
	// manager lifetime, when reconnection attempts are first exhausted.
	onFallback func()
}

// errTokenExpiring ends a healthy connection so it can be re-established
// with a fresh token before the current one expires.
var errTokenExpiring = errors.New("stream token expiring")

// streamManager owns the push connection: token exchange, SSE framing,
// heartbeat liveness, and reconnection with backoff. Protocol trouble is
// folded into the reconnect state machine and never reaches flag readers.
type streamManager struct {
	config        StreamingConfig
	streamURL     string
	httpClient    *http.Client
	exchangeToken func(ctx context.Context) (streamToken, error)
	handlers      streamHandlers
	logger        logrus.FieldLogger
	observer      Observer

	mu           sync.Mutex
	state        StreamState
	cancel       context.CancelFunc
	fallbackDone bool

	frameMu   sync.Mutex
	lastFrame time.Time

	wg sync.WaitGroup
}

func newStreamManager(config StreamingConfig, streamURL string, httpClient *http.Client,
	exchangeToken func(ctx context.Context) (streamToken, error),
	handlers streamHandlers, logger logrus.FieldLogger, observer Observer) *streamManager {
	return &streamManager{
		config:        config,
		streamURL:     streamURL,
		httpClient:    httpClient,
		exchangeToken: exchangeToken,
		handlers:      handlers,
		logger:        logger,
		observer:      observer,
		state:         StreamDisconnected,
	}
}

// Connect starts the streaming loop. Connecting an already-connected
// manager is a no-op.
func (m *streamManager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.state = StreamConnecting

	m.wg.Add(1)
	go m.run(ctx)
}

// Disconnect stops the streaming loop and waits for it to exit.
func (m *streamManager) Disconnect() {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.cancel = nil
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.state = StreamDisconnected
	m.mu.Unlock()
}

// State returns the current streaming state.
func (m *streamManager) State() StreamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *streamManager) setState(s StreamState) {
	m.mu.Lock()
	old := m.state
	m.state = s
	m.mu.Unlock()
	if old != s {
		m.observer.OnStreamStateChange(old, s)
	}
}

// run is the connection lifecycle loop: connect, read until the connection
// dies, back off, repeat. Exhausting the reconnect budget triggers the
// polling fallback once and a single long-interval retry.
func (m *streamManager) run(ctx context.Context) {
	defer m.wg.Done()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := m.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			failures = 0
		}
		if errors.Is(err, errTokenExpiring) {
			// Planned reconnect with a fresh token; no backoff
			continue
		}

		failures++
		m.logger.WithError(err).WithField("failures", failures).Debug("stream connection lost")

		if failures >= m.config.MaxReconnectAttempts {
			m.setState(StreamFailed)
			m.fireFallback()
			if !sleepCtx(ctx, m.config.LongRetryInterval) {
				return
			}
			failures = 0
			continue
		}

		m.setState(StreamReconnecting)
		if !sleepCtx(ctx, m.reconnectDelay(failures)) {
			return
		}
	}
}

// fireFallback invokes the polling fallback exactly once.
func (m *streamManager) fireFallback() {
	m.mu.Lock()
	fire := !m.fallbackDone && m.handlers.onFallback != nil
	m.fallbackDone = true
	m.mu.Unlock()

	if fire {
		m.logger.Warn("streaming failed, falling back to polling")
		m.handlers.onFallback()
	}
}

// reconnectDelay is exponential in the consecutive-failure count, capped.
func (m *streamManager) reconnectDelay(failures int) time.Duration {
	d := float64(m.config.ReconnectBaseDelay) * math.Pow(2, float64(failures-1))
	if d > float64(m.config.ReconnectMaxDelay) {
		return m.config.ReconnectMaxDelay
	}
	return time.Duration(d)
}

// sleepCtx waits for d; returns false when ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// connectOnce exchanges a token, opens the push connection, and reads
// frames until it dies. Returns whether the connection was established.
func (m *streamManager) connectOnce(ctx context.Context) (bool, error) {
	token, err := m.exchangeToken(ctx)
	if err != nil {
		return false, fmt.Errorf("token exchange: %w", err)
	}

	// connCtx ends the read loop from the watchdog and refresh timers
	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	u, err := url.Parse(m.streamURL)
	if err != nil {
		return false, fmt.Errorf("stream url: %w", err)
	}
	q := u.Query()
	q.Set("token", token.Token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("stream connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream connect: unexpected status %d", resp.StatusCode)
	}

	m.setState(StreamConnected)
	m.touchFrame()
	m.logger.Debug("stream connected")

	// Proactive token refresh: end the connection at 80% of the token's
	// TTL so the next connect runs with a fresh token
	if token.TTL > 0 {
		refresh := time.AfterFunc(token.TTL*8/10, func() {
			cancel(errTokenExpiring)
		})
		defer refresh.Stop()
	}

	// Liveness watchdog: silence beyond twice the heartbeat interval
	// declares the connection dead
	watchdog := time.NewTicker(m.config.HeartbeatInterval / 2)
	defer watchdog.Stop()
	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case <-watchdog.C:
				if m.sinceLastFrame() > 2*m.config.HeartbeatInterval {
					cancel(fmt.Errorf("heartbeat timeout"))
					return
				}
			}
		}
	}()

	err = m.readFrames(resp.Body)
	if cause := context.Cause(connCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	return true, err
}

// readFrames parses the SSE framing: blocks of "event:"/"data:" lines
// terminated by a blank line. Every complete frame, heartbeats included,
// refreshes the liveness timestamp.
func (m *streamManager) readFrames(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	eventName := ""
	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if eventName != "" || len(data) > 0 {
				m.touchFrame()
				m.dispatch(eventName, strings.Join(data, "\n"))
			}
			eventName = ""
			data = nil
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment/keepalive line
			m.touchFrame()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return fmt.Errorf("stream closed by server: %w", ErrStreamClosed)
}

// dispatch routes one frame by event name. Malformed payloads and unknown
// event names are logged and skipped; they never tear the connection down.
func (m *streamManager) dispatch(eventName, data string) {
	switch eventName {
	case "heartbeat":
		// liveness only

	case "flag-updated":
		var state FlagState
		if err := json.Unmarshal([]byte(data), &state); err != nil || state.Key == "" {
			m.logger.WithError(err).Debug("malformed flag-updated frame")
			return
		}
		if m.handlers.onFlagUpdated != nil {
			m.handlers.onFlagUpdated(state)
		}

	case "flag-deleted":
		var payload struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil || payload.Key == "" {
			m.logger.WithError(err).Debug("malformed flag-deleted frame")
			return
		}
		if m.handlers.onFlagDeleted != nil {
			m.handlers.onFlagDeleted(payload.Key)
		}

	case "flags-reset":
		var snapshot map[string]FlagState
		if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
			m.logger.WithError(err).Debug("malformed flags-reset frame")
			return
		}
		if m.handlers.onFlagsReset != nil {
			m.handlers.onFlagsReset(snapshot)
		}

	default:
		m.logger.WithField("event", eventName).Debug("ignoring unknown stream event")
	}
}

func (m *streamManager) touchFrame() {
	m.frameMu.Lock()
	m.lastFrame = time.Now()
	m.frameMu.Unlock()
}

func (m *streamManager) sinceLastFrame() time.Duration {
	m.frameMu.Lock()
	defer m.frameMu.Unlock()
	return time.Since(m.lastFrame)
}
