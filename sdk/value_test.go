package sdk

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagValueAccessorsDoNotCoerce(t *testing.T) {
	v := StringValue("42")

	_, ok := v.Bool()
	assert.False(t, ok, "a string flag has no bool value")
	_, ok = v.Number()
	assert.False(t, ok, "a string flag has no numeric value")
	_, ok = v.JSON()
	assert.False(t, ok)

	s, ok := v.String()
	assert.True(t, ok)
	assert.Equal(t, "42", s)
	assert.Equal(t, KindString, v.Kind())
	assert.False(t, v.IsNull())
}

func TestFlagValueNull(t *testing.T) {
	v := NullValue()
	assert.True(t, v.IsNull())
	assert.Equal(t, KindNull, v.Kind())

	_, ok := v.Bool()
	assert.False(t, ok)

	var zero FlagValue
	assert.True(t, zero.IsNull(), "the zero value is null")
}

func TestFlagValueUnmarshalPicksVariant(t *testing.T) {
	cases := map[string]struct {
		input string
		kind  ValueKind
	}{
		"bool":   {`true`, KindBool},
		"number": {`3.5`, KindNumber},
		"string": {`"hello"`, KindString},
		"object": {`{"a":1}`, KindJSON},
		"array":  {`[1,2]`, KindJSON},
		"null":   {`null`, KindNull},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var v FlagValue
			require.NoError(t, json.Unmarshal([]byte(tc.input), &v))
			assert.Equal(t, tc.kind, v.Kind())
		})
	}
}

func TestFlagValueMarshalNatural(t *testing.T) {
	data, err := json.Marshal(BoolValue(true))
	require.NoError(t, err)
	assert.Equal(t, `true`, string(data))

	data, err = json.Marshal(JSONValue(json.RawMessage(`{"a":[1,2]}`)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[1,2]}`, string(data))

	data, err = json.Marshal(NullValue())
	require.NoError(t, err)
	assert.Equal(t, `null`, string(data))
}

func TestFlagStateDecodesWireForm(t *testing.T) {
	var state FlagState
	require.NoError(t, json.Unmarshal([]byte(`{
		"key": "rollout-pct",
		"value": 25,
		"enabled": true,
		"version": 12,
		"metadata": {"owner": "growth"}
	}`), &state))

	assert.Equal(t, "rollout-pct", state.Key)
	n, ok := state.Value.Number()
	require.True(t, ok)
	assert.Equal(t, float64(25), n)
	assert.True(t, state.Enabled)
	assert.Equal(t, int64(12), state.Version)
	assert.Equal(t, "growth", state.Metadata["owner"])
}
