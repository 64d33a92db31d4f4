package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Version is the SDK version reported in request headers.
const Version = "1.0.0"

const (
	headerCredential  = "X-API-Key"
	headerSDKVersion  = "X-SDK-Version"
	headerSDKLanguage = "X-SDK-Language"
)

// RequestSigner adds signature headers computed over a request body.
// Signing is an external concern; when no signer is configured requests go
// out unsigned.
type RequestSigner interface {
	// Sign adds signature, timestamp and key-id headers to req, computed
	// over body.
	Sign(req *http.Request, body []byte) error
}

// initResponse is the payload of GET /sdk/init.
type initResponse struct {
	Flags      map[string]FlagState `json:"flags"`
	ServerTime time.Time            `json:"server_time"`
}

// updatesResponse is the payload of GET /sdk/updates.
type updatesResponse struct {
	Flags      map[string]FlagState `json:"flags"`
	Deleted    []string             `json:"deleted,omitempty"`
	ServerTime time.Time            `json:"server_time"`
}

// evaluateRequest is the payload of POST /sdk/evaluate.
type evaluateRequest struct {
	Key string `json:"key"`
}

// evaluateBatchRequest is the payload of POST /sdk/evaluate/batch.
type evaluateBatchRequest struct {
	Keys []string `json:"keys"`
}

// evaluateBatchResponse is the payload of the batch and all evaluation
// endpoints.
type evaluateBatchResponse struct {
	Results map[string]EvalResult `json:"results"`
}

// eventsRequest is the payload of POST /sdk/events/batch.
type eventsRequest struct {
	Events []AnalyticsEvent `json:"events"`
}

// tokenResponse is the payload of POST /sdk/stream/token.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"` // seconds
}

// transport is the single outbound HTTP path. Every request carries the
// credential and SDK identity headers, runs under the retry policy, and
// feeds the shared circuit breaker: the breaker is consulted once before
// the retry loop (an open circuit rejects locally without counting a new
// failure), and each individual attempt inside the loop records its
// outcome.
type transport struct {
	baseURL     string
	httpClient  *http.Client
	breaker     CircuitBreaker
	retry       *retryExecutor
	credentials CredentialProvider
	signer      RequestSigner
	codec       Codec
	logger      logrus.FieldLogger
	observer    Observer
}

func newTransport(config *Config, credentials CredentialProvider, breaker CircuitBreaker, observer Observer) *transport {
	return &transport{
		baseURL:     config.BaseURL,
		httpClient:  &http.Client{Timeout: config.RequestTimeout},
		breaker:     breaker,
		retry:       newRetryExecutor(config.Retry, credentials),
		credentials: credentials,
		signer:      config.Signer,
		codec:       config.codec(),
		logger:      config.logger(),
		observer:    observer,
	}
}

// do runs one logical request: breaker gate, then the retry loop with
// per-attempt breaker recording. out, when non-nil, receives the decoded
// response body.
func (t *transport) do(ctx context.Context, method, path string, query url.Values, reqBody, out interface{}) error {
	if !t.breaker.CanExecute() {
		t.observer.OnRequestRejected(method, path)
		return NewError(ErrorTypeCircuitOpen, "circuit breaker is open", ErrCircuitOpen)
	}

	var body []byte
	if reqBody != nil {
		var err error
		body, err = t.codec.Marshal(reqBody)
		if err != nil {
			return WrapError(err, ErrorTypeValidation, "failed to encode request body")
		}
	}

	return t.retry.do(ctx, func(ctx context.Context) error {
		start := time.Now()
		err := t.attempt(ctx, method, path, query, body, out)
		t.observer.OnRequest(method, path, time.Since(start), err)

		if err != nil {
			t.breaker.RecordFailure()
		} else {
			t.breaker.RecordSuccess()
		}
		return err
	})
}

// attempt performs one HTTP round trip and classifies the outcome.
func (t *transport) attempt(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}) error {
	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return WrapError(err, ErrorTypeValidation, "failed to build request")
	}

	// Credential is re-read per attempt so a rotation mid-call takes
	// effect on the extra attempt
	req.Header.Set(headerCredential, t.credentials.Current())
	req.Header.Set(headerSDKVersion, Version)
	req.Header.Set(headerSDKLanguage, "go")
	req.Header.Set("Accept", t.codec.ContentType())
	if body != nil {
		req.Header.Set("Content-Type", t.codec.ContentType())
	}
	if t.signer != nil {
		if err := t.signer.Sign(req, body); err != nil {
			return WrapError(err, ErrorTypeValidation, "failed to sign request")
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return WrapError(err, ErrorTypeTimeout, "request canceled or timed out")
		}
		return (&NetworkError{Err: err}).ToError()
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return (&NetworkError{Err: err}).ToError()
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := t.codec.Unmarshal(respBody, out); err != nil {
			return WrapError(err, ErrorTypeServer, "failed to decode response")
		}
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	// Error payloads are {"error": ..., "code": ..., "details": ...}
	_ = json.Unmarshal(respBody, apiErr)
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	e := apiErr.ToError()
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return e
}

// FetchInit retrieves the full flag snapshot.
func (t *transport) FetchInit(ctx context.Context) (map[string]FlagState, time.Time, error) {
	var resp initResponse
	if err := t.do(ctx, http.MethodGet, "/sdk/init", nil, nil, &resp); err != nil {
		return nil, time.Time{}, err
	}
	return resp.Flags, resp.ServerTime, nil
}

// FetchUpdates retrieves flags changed since the given timestamp.
func (t *transport) FetchUpdates(ctx context.Context, since time.Time) (*updatesResponse, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	var resp updatesResponse
	if err := t.do(ctx, http.MethodGet, "/sdk/updates", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EvaluateRemote evaluates one flag server-side.
func (t *transport) EvaluateRemote(ctx context.Context, key string) (EvalResult, error) {
	var result EvalResult
	err := t.do(ctx, http.MethodPost, "/sdk/evaluate", nil, evaluateRequest{Key: key}, &result)
	if err != nil {
		return EvalResult{}, err
	}
	result.Reason = ReasonRemote
	return result, nil
}

// EvaluateRemoteBatch evaluates several flags server-side.
func (t *transport) EvaluateRemoteBatch(ctx context.Context, keys []string) (map[string]EvalResult, error) {
	var resp evaluateBatchResponse
	err := t.do(ctx, http.MethodPost, "/sdk/evaluate/batch", nil, evaluateBatchRequest{Keys: keys}, &resp)
	if err != nil {
		return nil, err
	}
	for key, r := range resp.Results {
		r.Reason = ReasonRemote
		resp.Results[key] = r
	}
	return resp.Results, nil
}

// EvaluateRemoteAll evaluates every flag server-side.
func (t *transport) EvaluateRemoteAll(ctx context.Context) (map[string]EvalResult, error) {
	var resp evaluateBatchResponse
	if err := t.do(ctx, http.MethodPost, "/sdk/evaluate/all", nil, nil, &resp); err != nil {
		return nil, err
	}
	for key, r := range resp.Results {
		r.Reason = ReasonRemote
		resp.Results[key] = r
	}
	return resp.Results, nil
}

// SendEvents delivers one analytics batch.
func (t *transport) SendEvents(ctx context.Context, events []AnalyticsEvent) error {
	return t.do(ctx, http.MethodPost, "/sdk/events/batch", nil, eventsRequest{Events: events}, nil)
}

// ExchangeStreamToken trades the long-lived credential (sent in a header,
// never a URL) for a short-lived stream token.
func (t *transport) ExchangeStreamToken(ctx context.Context) (streamToken, error) {
	var resp tokenResponse
	if err := t.do(ctx, http.MethodPost, "/sdk/stream/token", nil, nil, &resp); err != nil {
		return streamToken{}, err
	}
	return streamToken{
		Token: resp.Token,
		TTL:   time.Duration(resp.ExpiresIn) * time.Second,
	}, nil
}

// StreamURL is the SSE endpoint the streaming manager connects to.
func (t *transport) StreamURL() string {
	return t.baseURL + "/sdk/stream"
}
