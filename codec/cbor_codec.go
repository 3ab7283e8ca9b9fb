package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// CBORCodec encodes frames as CBOR. Byte strings travel unexpanded, which matters for
// resource payloads and large arguments.
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
