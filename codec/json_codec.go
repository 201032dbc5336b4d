package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"gridlink/message"
)

// JSONCodec encodes messages as JSON arrays.
// Pros: human-readable, easy to debug with any websocket client.
// Cons: larger frames, and integers come back as int64 (or float64 when
// they carry a fraction) regardless of the type that was sent.
type JSONCodec struct{}

func (c *JSONCodec) Encode(msg message.Message) ([]byte, error) {
	return json.Marshal(msg.Array())
}

func (c *JSONCodec) Decode(data []byte) (message.Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedMessage, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrUnrecognizedMessage)
	}

	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: not an array", ErrUnrecognizedMessage)
	}
	// Keep the id as json.Number so Parse can read the full uint64 range,
	// and normalize numbers everywhere else.
	for i := range arr {
		if i == 1 {
			continue
		}
		arr[i] = normalizeNumbers(arr[i])
	}
	return Parse(arr)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil || math.IsInf(f, 0) {
			return t.String()
		}
		return f
	case []any:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
		return t
	}
	return v
}
