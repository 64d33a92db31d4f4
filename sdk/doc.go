// Package sdk provides a resilient feature-flag client.
//
// Flag reads are served from an in-memory cache and never block on the
// network or disk: producers keep the cache current (bootstrap data, a
// polling scheduler with adaptive backoff, and an SSE streaming connection
// with automatic fallback to polling), and every evaluation result carries
// a reason tagging how trustworthy the value is.
//
// # Quick start
//
//	config := sdk.DefaultConfig().
//	    WithBaseURL("https://flags.example.com").
//	    WithAPIKey("sdk-key-123")
//
//	client, err := sdk.NewClient(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Refresh(ctx); err != nil {
//	    log.Printf("initial refresh failed, serving bootstrap/stale values: %v", err)
//	}
//
//	res := client.Evaluate("new-checkout")
//	if on, ok := res.Value.Bool(); ok && on {
//	    enableNewCheckout()
//	}
//
// # Resilience
//
// All outbound traffic runs through a retry policy with exponential backoff
// and jitter, behind a shared circuit breaker. A 401 triggers a one-shot
// rotation to the secondary credential when one is configured. When the
// circuit is open, requests are rejected locally and flag reads keep
// serving the last-known values.
//
// # Analytics events
//
// Track persists events to an append-only log before delivery, so a crash
// never loses acknowledged Track calls. Delivery is at-least-once in
// batches; receivers deduplicate by event ID. Storage I/O problems degrade
// the queue to memory-only operation rather than surfacing errors.
//
// # Offline and encrypted operation
//
// Bootstrap seeds the cache without any network traffic. With
// WithEncryptedCache, the cache keeps an AES-256-GCM copy of every entry
// keyed by the SDK credential; ExportCache/ImportCache persist warm flags
// across restarts, and a snapshot from a rotated credential is rejected
// with ErrCacheIntegrity instead of being silently trusted.
package sdk
