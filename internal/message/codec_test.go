package message

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRoundTripWithBinaryFields(t *testing.T) {
	data := Record{"binary_text": []byte("abcd"), "text": "abcd"}
	original := Record{
		"id":     "1234",
		"count":  int64(3),
		"ratio":  0.25,
		"ok":     true,
		"audio":  []byte{0x00, 0xff, 0x10},
		"nested": data,
	}

	encoded, err := JSON.Encode(original)
	require.NoError(t, err)

	decoded, err := JSON.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestJSONEncodeRenamesBinaryFields(t *testing.T) {
	encoded, err := JSON.Encode(Record{"a": []byte{1, 2, 3}, "inner": Record{"b": []byte("x")}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a_base64":"AQID","inner":{"b_base64":"eA=="}}`, string(encoded))
}

func TestJSONEncodeIsCompact(t *testing.T) {
	encoded, err := JSON.Encode(Record{"text": "line one\nline two"})
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "\n")
}

func TestJSONDecodeNumbers(t *testing.T) {
	_, err := JSON.Decode([]byte(`{"big": 1e400}`))
	require.ErrorIs(t, err, ErrDecode)

	decoded, err := JSON.Decode([]byte(`{"i": 42, "f": 1.5}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), decoded["i"])
	assert.Equal(t, 1.5, decoded["f"])
}

func TestJSONDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
	}{
		{"malformed", `{"id": `, ""},
		{"not an object", `[1, 2]`, ""},
		{"null", `null`, ""},
		{"trailing data", `{"id": "a"} {"id": "b"}`, ""},
		{"invalid base64", `{"audio_base64": "not base64!"}`, "audio_base64"},
		{"base64 not a string", `{"audio_base64": 12}`, "audio_base64"},
		{"nested invalid base64", `{"outer": {"pcm_base64": "%%%"}}`, "outer.pcm_base64"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSON.Decode([]byte(tt.input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecode), "error %v should match ErrDecode", err)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.field, de.Field)
		})
	}
}

func TestJSONDecodeKeepsBareSuffix(t *testing.T) {
	decoded, err := JSON.Decode([]byte(`{"_base64": "kept"}`))
	require.NoError(t, err)
	assert.Equal(t, "kept", decoded["_base64"])
}
