package codec

import (
	"fmt"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"gridlink/message"
)

// encMode uses Core Deterministic Encoding so the same message always
// produces the same bytes.
var encMode cbor.EncMode

// decMode decodes CBOR maps into map[string]any, which is what handlers and
// encoding/json expect, instead of the CBOR default map[any]any.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// BinaryCodec packs messages as CBOR arrays. This is the codec used for
// binary websocket frames and for durable log payloads.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(msg message.Message) ([]byte, error) {
	return encMode.Marshal(msg.Array())
}

func (c *BinaryCodec) Decode(data []byte) (message.Message, error) {
	var v any
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedMessage, err)
	}
	return Parse(v)
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// Marshal encodes an arbitrary value with the same deterministic CBOR
// settings as the wire codec.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. When v is a *any, non-negative
// integers that fit in an int64 come back as int64, as they do from
// JSONCodec.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return err
	}
	if p, ok := v.(*any); ok {
		*p = normalizeIntegers(*p)
	}
	return nil
}

func normalizeIntegers(v any) any {
	switch t := v.(type) {
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t)
		}
		return t
	case []any:
		for i := range t {
			t[i] = normalizeIntegers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeIntegers(t[k])
		}
		return t
	}
	return v
}
