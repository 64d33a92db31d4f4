package sdk

import (
	"encoding/json"
	"time"
)

// ValueKind identifies which variant a FlagValue holds.
type ValueKind int

const (
	// KindNull is the zero value; the flag carries no payload.
	KindNull ValueKind = iota
	// KindBool is a boolean flag value.
	KindBool
	// KindString is a string flag value.
	KindString
	// KindNumber is a numeric flag value (stored as float64, matching JSON).
	KindNumber
	// KindJSON is an arbitrary JSON document (object or array).
	KindJSON
)

// String returns the string representation of the value kind
func (k ValueKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindJSON:
		return "json"
	default:
		return "null"
	}
}

// FlagValue is the tagged union of possible flag payloads.
// Accessors are non-coercing: asking a string flag for its bool value
// reports absence rather than inventing a default.
//
// Example:
//
//	if on, ok := result.Value.Bool(); ok && on {
//	    enableNewCheckout()
//	}
type FlagValue struct {
	kind ValueKind
	b    bool
	s    string
	n    float64
	j    json.RawMessage
}

// NullValue returns the null flag value.
func NullValue() FlagValue { return FlagValue{} }

// BoolValue constructs a boolean flag value.
func BoolValue(v bool) FlagValue { return FlagValue{kind: KindBool, b: v} }

// StringValue constructs a string flag value.
func StringValue(v string) FlagValue { return FlagValue{kind: KindString, s: v} }

// NumberValue constructs a numeric flag value.
func NumberValue(v float64) FlagValue { return FlagValue{kind: KindNumber, n: v} }

// JSONValue constructs a flag value holding an arbitrary JSON document.
func JSONValue(raw json.RawMessage) FlagValue {
	return FlagValue{kind: KindJSON, j: raw}
}

// Kind returns which variant this value holds.
func (v FlagValue) Kind() ValueKind { return v.kind }

// IsNull reports whether the value is the null variant.
func (v FlagValue) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean payload. The second return is false when the
// value holds a different variant.
func (v FlagValue) Bool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// String returns the string payload. The second return is false when the
// value holds a different variant.
func (v FlagValue) String() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Number returns the numeric payload. The second return is false when the
// value holds a different variant.
func (v FlagValue) Number() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.n, true
}

// JSON returns the raw JSON payload. The second return is false when the
// value holds a different variant.
func (v FlagValue) JSON() (json.RawMessage, bool) {
	if v.kind != KindJSON {
		return nil, false
	}
	return v.j, true
}

// MarshalJSON encodes the value as its natural JSON representation.
func (v FlagValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return json.Marshal(v.b)
	case KindString:
		return json.Marshal(v.s)
	case KindNumber:
		return json.Marshal(v.n)
	case KindJSON:
		if len(v.j) == 0 {
			return []byte("null"), nil
		}
		return v.j, nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a JSON value into the matching variant.
// Booleans, strings and numbers map to their typed variants; objects and
// arrays are kept as raw JSON; JSON null maps to the null variant.
func (v *FlagValue) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = BoolValue(b)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*v = NumberValue(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = StringValue(s)
		return nil
	}
	trimmed := string(data)
	if trimmed == "null" {
		*v = NullValue()
		return nil
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	*v = JSONValue(raw)
	return nil
}

// FlagState is the evaluated state of a single flag as owned by the flag
// cache. Producers (bootstrap, polling, streaming) replace it wholesale on
// every update; there is no partial merge. Version never decreases for a
// given key.
type FlagState struct {
	// Key is the flag key
	Key string `json:"key"`
	// Value is the evaluated flag payload
	Value FlagValue `json:"value"`
	// Enabled reports whether the flag is on for this environment
	Enabled bool `json:"enabled"`
	// Version is a monotonically non-decreasing revision counter
	Version int64 `json:"version"`
	// Metadata is optional server-supplied metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// UpdatedAt is when the server last changed this flag
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// EvalReason explains where an evaluation result came from.
type EvalReason string

const (
	// ReasonCached means the value came from a fresh cache entry.
	ReasonCached EvalReason = "cached"
	// ReasonBootstrap means the value came from bootstrap data and no
	// producer has refreshed it yet.
	ReasonBootstrap EvalReason = "bootstrap"
	// ReasonStale means the cache entry has passed its TTL but is the best
	// value available. Flag reads degrade rather than fail.
	ReasonStale EvalReason = "stale"
	// ReasonMissing means the flag is not known locally.
	ReasonMissing EvalReason = "missing"
	// ReasonRemote means the value came from a server-side evaluation call.
	ReasonRemote EvalReason = "remote"
)

// EvalResult is what flag readers receive. Reads never fail for network or
// persistence reasons; Reason tags how trustworthy the value is.
//
// Example:
//
//	res := client.Evaluate("new-checkout")
//	if res.Reason == sdk.ReasonMissing {
//	    // fall back to application default
//	}
type EvalResult struct {
	// Key is the flag key that was evaluated
	Key string `json:"key"`
	// Value is the flag payload (null when Reason is missing)
	Value FlagValue `json:"value"`
	// Enabled reports whether the flag is on
	Enabled bool `json:"enabled"`
	// Version is the flag revision the value came from (0 when missing)
	Version int64 `json:"version"`
	// Reason tags the provenance of the value
	Reason EvalReason `json:"reason"`
}
