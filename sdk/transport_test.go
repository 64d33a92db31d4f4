package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTransport(t *testing.T, serverURL string) *transport {
	t.Helper()
	config := DefaultConfig().
		WithBaseURL(serverURL).
		WithAPIKey("test-key")
	config.Retry = fastRetryPolicy(3)
	require.NoError(t, config.Validate())
	return newTransport(config, config.credentials(), NewCircuitBreaker(config.CircuitBreaker), NoopObserver{})
}

func TestTransportSendsIdentityHeaders(t *testing.T) {
	var gotKey, gotVersion, gotLanguage atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("X-API-Key"))
		gotVersion.Store(r.Header.Get("X-SDK-Version"))
		gotLanguage.Store(r.Header.Get("X-SDK-Language"))
		json.NewEncoder(w).Encode(initResponse{Flags: map[string]FlagState{}})
	}))
	defer server.Close()

	tr := testTransport(t, server.URL)
	_, _, err := tr.FetchInit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey.Load())
	assert.Equal(t, Version, gotVersion.Load())
	assert.Equal(t, "go", gotLanguage.Load())
}

func TestTransportFetchInit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/sdk/init", r.URL.Path)
		json.NewEncoder(w).Encode(initResponse{
			Flags: map[string]FlagState{
				"x": {Key: "x", Value: BoolValue(true), Enabled: true, Version: 1},
			},
			ServerTime: time.Now().UTC(),
		})
	}))
	defer server.Close()

	tr := testTransport(t, server.URL)
	flags, serverTime, err := tr.FetchInit(context.Background())
	require.NoError(t, err)

	require.Contains(t, flags, "x")
	assert.Equal(t, int64(1), flags["x"].Version)
	assert.False(t, serverTime.IsZero())
}

func TestTransportFetchUpdatesSinceParam(t *testing.T) {
	since := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sdk/updates", r.URL.Path)
		assert.Equal(t, since.Format(time.RFC3339Nano), r.URL.Query().Get("since"))
		json.NewEncoder(w).Encode(updatesResponse{
			Flags:   map[string]FlagState{"x": {Key: "x", Version: 2}},
			Deleted: []string{"gone"},
		})
	}))
	defer server.Close()

	tr := testTransport(t, server.URL)
	resp, err := tr.FetchUpdates(context.Background(), since)
	require.NoError(t, err)
	assert.Contains(t, resp.Flags, "x")
	assert.Equal(t, []string{"gone"}, resp.Deleted)
}

func TestTransportRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(initResponse{Flags: map[string]FlagState{}})
	}))
	defer server.Close()

	tr := testTransport(t, server.URL)
	_, _, err := tr.FetchInit(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestTransportRotatesCredentialOn401(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if r.Header.Get("X-API-Key") != "fresh-key" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(initResponse{Flags: map[string]FlagState{}})
	}))
	defer server.Close()

	config := DefaultConfig().
		WithBaseURL(server.URL).
		WithAPIKey("stale-key").
		WithSecondaryAPIKey("fresh-key")
	config.Retry = fastRetryPolicy(1)
	require.NoError(t, config.Validate())
	creds := config.credentials()
	tr := newTransport(config, creds, NewCircuitBreaker(config.CircuitBreaker), NoopObserver{})

	_, _, err := tr.FetchInit(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, "fresh-key", creds.Current())
}

func TestTransportCircuitOpenRejectsLocally(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	config := DefaultConfig().
		WithBaseURL(server.URL).
		WithAPIKey("test-key")
	config.Retry = fastRetryPolicy(1)
	config.CircuitBreaker = CircuitBreakerConfig{
		FailureThreshold:  2,
		SuccessThreshold:  1,
		ResetTimeout:      time.Hour,
		HalfOpenMaxProbes: 1,
	}
	require.NoError(t, config.Validate())
	breaker := NewCircuitBreaker(config.CircuitBreaker)
	tr := newTransport(config, config.credentials(), breaker, NoopObserver{})

	// Each failed call records one breaker failure
	_, _, _ = tr.FetchInit(context.Background())
	_, _, _ = tr.FetchInit(context.Background())
	require.Equal(t, CircuitOpen, breaker.State())
	before := requests.Load()

	_, _, err := tr.FetchInit(context.Background())

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, requests.Load(), "open circuit rejects without touching the network")
}

func TestTransportSendEvents(t *testing.T) {
	var received eventsRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sdk/events/batch", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	tr := testTransport(t, server.URL)
	err := tr.SendEvents(context.Background(), []AnalyticsEvent{
		{ID: "e1", Type: "clicked", CreatedAt: time.Now().UTC()},
	})

	require.NoError(t, err)
	require.Len(t, received.Events, 1)
	assert.Equal(t, "e1", received.Events[0].ID)
}

func TestTransportExchangeStreamToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sdk/stream/token", r.URL.Path)
		// The long-lived credential travels in a header, never the URL
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.Empty(t, r.URL.RawQuery)
		json.NewEncoder(w).Encode(tokenResponse{Token: "short-lived", ExpiresIn: 300})
	}))
	defer server.Close()

	tr := testTransport(t, server.URL)
	token, err := tr.ExchangeStreamToken(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "short-lived", token.Token)
	assert.Equal(t, 5*time.Minute, token.TTL)
}

type headerSigner struct{}

func (headerSigner) Sign(req *http.Request, body []byte) error {
	req.Header.Set("X-Signature", "sig-of-"+string(body))
	return nil
}

func TestTransportAppliesSigner(t *testing.T) {
	var gotSig atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig.Store(r.Header.Get("X-Signature"))
		json.NewEncoder(w).Encode(evaluateBatchResponse{Results: map[string]EvalResult{}})
	}))
	defer server.Close()

	config := DefaultConfig().
		WithBaseURL(server.URL).
		WithAPIKey("test-key").
		WithSigner(headerSigner{})
	require.NoError(t, config.Validate())
	tr := newTransport(config, config.credentials(), NewNoopCircuitBreaker(), NoopObserver{})

	_, err := tr.EvaluateRemoteBatch(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, `sig-of-{"keys":["x"]}`, gotSig.Load())
}

func TestTransportEvaluateRemote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req evaluateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "feature-x", req.Key)
		json.NewEncoder(w).Encode(EvalResult{
			Key: req.Key, Value: BoolValue(true), Enabled: true, Version: 7,
		})
	}))
	defer server.Close()

	tr := testTransport(t, server.URL)
	result, err := tr.EvaluateRemote(context.Background(), "feature-x")

	require.NoError(t, err)
	assert.Equal(t, ReasonRemote, result.Reason)
	assert.Equal(t, int64(7), result.Version)
}
