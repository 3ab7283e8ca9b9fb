package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkrpc/message"
)

func testRoundTrip(t *testing.T, c Codec) {
	original := &message.Envelope{
		Kind: message.KindArgument,
		Type: "string",
		Data: []byte(`"x"`),
	}

	data, err := c.Encode(original)
	require.NoError(t, err)

	var decoded message.Envelope
	require.NoError(t, c.Decode(data, &decoded))

	assert.Equal(t, original.Kind, decoded.Kind)
	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, original.Data, decoded.Data)
}

func TestJSONCodec(t *testing.T) {
	testRoundTrip(t, &JSONCodec{})
}

func TestCBORCodec(t *testing.T) {
	testRoundTrip(t, &CBORCodec{})
}

func TestCBORFault(t *testing.T) {
	c := &CBORCodec{}
	data, err := c.Encode(&message.Fault{Type: "*errors.fundamental", Message: "boom"})
	require.NoError(t, err)

	var fault message.Fault
	require.NoError(t, c.Decode(data, &fault))
	assert.Equal(t, "boom", fault.Message)
}

func TestGetCodec(t *testing.T) {
	assert.Equal(t, CodecTypeJSON, GetCodec(CodecTypeJSON).Type())
	assert.Equal(t, CodecTypeCBOR, GetCodec(CodecTypeCBOR).Type())
}

func TestParseCodecType(t *testing.T) {
	for name, want := range map[string]CodecType{"": CodecTypeJSON, "json": CodecTypeJSON, "cbor": CodecTypeCBOR} {
		got, err := ParseCodecType(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if name != "" {
			assert.Equal(t, name, got.String())
		}
	}

	_, err := ParseCodecType("gob")
	assert.Error(t, err)
}
