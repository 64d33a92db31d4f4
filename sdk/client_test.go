package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClientConfig(baseURL string) *Config {
	config := DefaultConfig().
		WithBaseURL(baseURL).
		WithAPIKey("test-key").
		WithLogger(silentLogger())
	config.Retry = fastRetryPolicy(2)
	config.Events.BatchSize = 10
	config.Events.FlushInterval = time.Hour
	return config
}

func TestClientBootstrapServesOffline(t *testing.T) {
	// No server at all: bootstrap works entirely offline
	c, err := NewClient(testClientConfig("http://127.0.0.1:0"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.BootstrapJSON([]byte(`{
		"checkout": {"value": true, "enabled": true, "version": 1},
		"banner":   {"value": "summer", "enabled": true, "version": 4}
	}`)))

	result := c.Evaluate("checkout")
	assert.Equal(t, ReasonBootstrap, result.Reason)
	assert.True(t, result.Enabled)
	on, ok := result.Value.Bool()
	assert.True(t, ok)
	assert.True(t, on)

	all := c.EvaluateAll()
	assert.Len(t, all, 2)

	missing := c.Evaluate("nonexistent")
	assert.Equal(t, ReasonMissing, missing.Reason)
	assert.False(t, missing.Enabled)
}

func TestClientEvaluateAllServesStale(t *testing.T) {
	config := testClientConfig("http://127.0.0.1:0").WithFlagTTL(10 * time.Millisecond)
	c, err := NewClient(config)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Bootstrap(map[string]FlagState{
		"checkout": {Value: BoolValue(true), Enabled: true, Version: 1},
	}))

	time.Sleep(30 * time.Millisecond)

	single := c.Evaluate("checkout")
	require.Equal(t, ReasonStale, single.Reason)

	all := c.EvaluateAll()
	result, ok := all["checkout"]
	require.True(t, ok, "stale flags still show up in bulk evaluation")
	assert.Equal(t, ReasonStale, result.Reason, "bulk and single-key evaluation agree")
	assert.True(t, result.Enabled)
}

func TestClientBootstrapJSONRejectsGarbage(t *testing.T) {
	c, err := NewClient(testClientConfig("http://127.0.0.1:0"))
	require.NoError(t, err)
	defer c.Close()

	assert.Error(t, c.BootstrapJSON([]byte(`not json`)))
}

func TestClientRefreshThenIncrementalUpdates(t *testing.T) {
	var mu sync.Mutex
	inits, updates := 0, 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.URL.Path {
		case "/sdk/init":
			inits++
			json.NewEncoder(w).Encode(initResponse{
				Flags: map[string]FlagState{
					"checkout": {Key: "checkout", Value: BoolValue(false), Version: 1},
					"doomed":   {Key: "doomed", Value: BoolValue(true), Enabled: true, Version: 1},
				},
				ServerTime: time.Now().UTC(),
			})
		case "/sdk/updates":
			updates++
			json.NewEncoder(w).Encode(updatesResponse{
				Flags: map[string]FlagState{
					"checkout": {Key: "checkout", Value: BoolValue(true), Enabled: true, Version: 2},
				},
				Deleted:    []string{"doomed"},
				ServerTime: time.Now().UTC(),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c, err := NewClient(testClientConfig(server.URL))
	require.NoError(t, err)
	defer c.Close()

	// First refresh takes the full snapshot
	require.NoError(t, c.Refresh(context.Background()))
	result := c.Evaluate("checkout")
	assert.Equal(t, ReasonCached, result.Reason)
	assert.False(t, result.Enabled)
	assert.Equal(t, int64(1), result.Version)

	// Second refresh is incremental
	require.NoError(t, c.Refresh(context.Background()))
	result = c.Evaluate("checkout")
	assert.True(t, result.Enabled)
	assert.Equal(t, int64(2), result.Version)
	assert.Equal(t, ReasonMissing, c.Evaluate("doomed").Reason, "deleted flags drop out")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, updates)
}

func TestClientRefreshSupersedesBootstrap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(initResponse{
			Flags: map[string]FlagState{
				"checkout": {Key: "checkout", Value: BoolValue(true), Enabled: true, Version: 5},
			},
			ServerTime: time.Now().UTC(),
		})
	}))
	defer server.Close()

	c, err := NewClient(testClientConfig(server.URL))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Bootstrap(map[string]FlagState{
		"checkout": {Value: BoolValue(false), Version: 1},
	}))
	assert.Equal(t, ReasonBootstrap, c.Evaluate("checkout").Reason)

	require.NoError(t, c.Refresh(context.Background()))

	result := c.Evaluate("checkout")
	assert.Equal(t, ReasonCached, result.Reason, "a synced flag is no longer bootstrap data")
	assert.Equal(t, int64(5), result.Version)
}

func TestClientTrackAndFlush(t *testing.T) {
	var mu sync.Mutex
	var batches [][]AnalyticsEvent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sdk/events/batch" {
			http.NotFound(w, r)
			return
		}
		var req eventsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		batches = append(batches, req.Events)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c, err := NewClient(testClientConfig(server.URL))
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		require.NoError(t, c.Track("page-viewed", map[string]int{"n": i}))
	}

	// Hitting the batch size triggers an immediate flush of 10
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Close delivers the remainder
	require.NoError(t, c.Close())

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	assert.Equal(t, 15, total)
	assert.Equal(t, 10, len(batches[0]))
	assert.Equal(t, "page-viewed", batches[0][0].Type)
}

func TestClientTrackValidation(t *testing.T) {
	c, err := NewClient(testClientConfig("http://127.0.0.1:0"))
	require.NoError(t, err)
	defer c.Close()

	assert.Error(t, c.Track("", nil), "event type is required")
	assert.Error(t, c.Track("bad-payload", func() {}), "unserializable payload is rejected")
	assert.NoError(t, c.Track("ok", nil), "nil payload is fine")
}

func TestClientEvaluateRemote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sdk/evaluate", r.URL.Path)
		var req evaluateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(EvalResult{
			Key: req.Key, Value: NumberValue(42), Enabled: true, Version: 9,
		})
	}))
	defer server.Close()

	c, err := NewClient(testClientConfig(server.URL))
	require.NoError(t, err)
	defer c.Close()

	result, err := c.EvaluateRemote(context.Background(), "limit")
	require.NoError(t, err)
	assert.Equal(t, ReasonRemote, result.Reason)
	n, ok := result.Value.Number()
	assert.True(t, ok)
	assert.Equal(t, float64(42), n)

	// The remote path leaves the local cache untouched
	assert.Equal(t, ReasonMissing, c.Evaluate("limit").Reason)
}

func TestClientEncryptedCacheRoundTrip(t *testing.T) {
	config := testClientConfig("http://127.0.0.1:0").WithEncryptedCache()
	c1, err := NewClient(config)
	require.NoError(t, err)

	require.NoError(t, c1.Bootstrap(map[string]FlagState{
		"checkout": {Value: BoolValue(true), Enabled: true, Version: 3},
	}))
	snapshot, err := c1.ExportCache()
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	// Same credential: the snapshot loads
	c2, err := NewClient(testClientConfig("http://127.0.0.1:0").WithEncryptedCache())
	require.NoError(t, err)
	defer c2.Close()
	require.NoError(t, c2.ImportCache(snapshot))
	assert.True(t, c2.Evaluate("checkout").Enabled)

	// Different credential: integrity failure
	c3, err := NewClient(testClientConfig("http://127.0.0.1:0").
		WithAPIKey("other-key").
		WithEncryptedCache())
	require.NoError(t, err)
	defer c3.Close()
	assert.ErrorIs(t, c3.ImportCache(snapshot), ErrCacheIntegrity)
}

func TestClientExportRequiresEncryptedCache(t *testing.T) {
	c, err := NewClient(testClientConfig("http://127.0.0.1:0"))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.ExportCache()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, c.ImportCache([]byte(`{}`)), ErrInvalidConfig)
}

func TestClientClosedFailsFast(t *testing.T) {
	c, err := NewClient(testClientConfig("http://127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	assert.Equal(t, ReasonMissing, c.Evaluate("x").Reason)
	assert.Empty(t, c.EvaluateAll())
	assert.ErrorIs(t, c.Bootstrap(nil), ErrClientClosed)
	assert.ErrorIs(t, c.Refresh(context.Background()), ErrClientClosed)
	assert.ErrorIs(t, c.Track("clicked", nil), ErrClientClosed)
	assert.ErrorIs(t, c.Flush(context.Background()), ErrClientClosed)
	assert.ErrorIs(t, c.StartPolling(), ErrClientClosed)
	assert.ErrorIs(t, c.StopPolling(), ErrClientClosed)
	assert.ErrorIs(t, c.ConnectStreaming(), ErrClientClosed)
	assert.ErrorIs(t, c.DisconnectStreaming(), ErrClientClosed)
	_, err = c.EvaluateRemote(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClientPollingKeepsFlagsCurrent(t *testing.T) {
	var version atomic.Int64
	version.Store(1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := version.Load()
		flags := map[string]FlagState{
			"checkout": {Key: "checkout", Value: BoolValue(v > 1), Enabled: v > 1, Version: v},
		}
		switch r.URL.Path {
		case "/sdk/init":
			json.NewEncoder(w).Encode(initResponse{Flags: flags, ServerTime: time.Now().UTC()})
		case "/sdk/updates":
			json.NewEncoder(w).Encode(updatesResponse{Flags: flags, ServerTime: time.Now().UTC()})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	config := testClientConfig(server.URL)
	config.Polling.Interval = 10 * time.Millisecond
	c, err := NewClient(config)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.StartPolling())
	assert.Equal(t, PollingRunning, c.PollingState())

	require.Eventually(t, func() bool {
		return c.Evaluate("checkout").Version == 1
	}, 2*time.Second, 5*time.Millisecond)

	version.Store(2)
	require.Eventually(t, func() bool {
		return c.Evaluate("checkout").Version == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.Evaluate("checkout").Enabled)

	require.NoError(t, c.StopPolling())
	assert.Equal(t, PollingStopped, c.PollingState())
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig, "base URL is required")

	_, err = NewClient(DefaultConfig().WithBaseURL("http://localhost"))
	assert.ErrorIs(t, err, ErrInvalidConfig, "a credential is required")

	c, err := NewClient(DefaultConfig().
		WithBaseURL("http://localhost").
		WithAPIKey("k").
		WithLogger(silentLogger()))
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, c.CircuitState())
	assert.Equal(t, StreamDisconnected, c.StreamState())
	require.NoError(t, c.Close())
}
