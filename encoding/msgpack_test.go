package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripFieldMap(t *testing.T) {
	fields := map[string]interface{}{
		"name":    "alpha",
		"count":   int64(42),
		"ratio":   1.5,
		"enabled": true,
	}

	data, err := Marshal(fields)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, Unmarshal(data, &decoded))

	assert.Equal(t, fields, decoded)
}

// Strings must decode as strings, not []byte, so decoded field maps compare
// equal to maps that never went over the wire.
func TestStringsStayStrings(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"k": "value"})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, Unmarshal(data, &decoded))

	v, ok := decoded["k"].(string)
	require.True(t, ok, "expected string, got %T", decoded["k"])
	assert.Equal(t, "value", v)
}

func TestIntegersDecodeAsInt64(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"n": 7})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, Unmarshal(data, &decoded))

	_, ok := decoded["n"].(int64)
	assert.True(t, ok, "expected int64, got %T", decoded["n"])
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var decoded map[string]interface{}
	err := Unmarshal([]byte{0xc1}, &decoded)
	assert.Error(t, err)
}

func TestFieldsRoundTrip(t *testing.T) {
	fields := map[string]interface{}{"name": "alpha", "count": int64(3)}

	data, err := MarshalFields(fields)
	require.NoError(t, err)
	require.NotNil(t, data)

	decoded, err := UnmarshalFields(data)
	require.NoError(t, err)
	assert.Equal(t, fields, decoded)
}

// Payload-free operations store no blob at all: empty in, nil out.
func TestFieldsEmptyEncodesToNil(t *testing.T) {
	for _, fields := range []map[string]interface{}{nil, {}} {
		data, err := MarshalFields(fields)
		require.NoError(t, err)
		assert.Nil(t, data)
	}

	decoded, err := UnmarshalFields(nil)
	require.NoError(t, err)
	assert.Nil(t, decoded)
}
