package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gridlink/message"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// ErrUnrecognizedMessage is returned for any frame that does not decode to
// one of the three message shapes. Callers log and drop such frames.
var ErrUnrecognizedMessage = errors.New("codec: unrecognized message")

type Codec interface {
	Encode(msg message.Message) ([]byte, error)
	Decode(data []byte) (message.Message, error)
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// Parse validates a decoded wire array and builds the message it describes.
// The array must start with an integer tag and have exactly the length of
// its variant: 4 for requests and responses, 3 for notifications.
func Parse(v any) (message.Message, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("%w: not an array", ErrUnrecognizedMessage)
	}
	tag, ok := toInt64(arr[0])
	if !ok {
		return nil, fmt.Errorf("%w: tag %v is not an integer", ErrUnrecognizedMessage, arr[0])
	}

	switch {
	case message.Kind(tag) == message.KindRequest && len(arr) == 4:
		id, ok := toUint64(arr[1])
		if !ok {
			return nil, fmt.Errorf("%w: bad request id %v", ErrUnrecognizedMessage, arr[1])
		}
		method, ok := arr[2].(string)
		if !ok {
			return nil, fmt.Errorf("%w: bad method %v", ErrUnrecognizedMessage, arr[2])
		}
		params, ok := arr[3].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: params is not an array", ErrUnrecognizedMessage)
		}
		return &message.Request{ID: id, Method: method, Params: params}, nil

	case message.Kind(tag) == message.KindResponse && len(arr) == 4:
		id, ok := toUint64(arr[1])
		if !ok {
			return nil, fmt.Errorf("%w: bad response id %v", ErrUnrecognizedMessage, arr[1])
		}
		return &message.Response{ID: id, Error: arr[2], Result: arr[3]}, nil

	case message.Kind(tag) == message.KindNotification && len(arr) == 3:
		method, ok := arr[1].(string)
		if !ok {
			return nil, fmt.Errorf("%w: bad method %v", ErrUnrecognizedMessage, arr[1])
		}
		params, ok := arr[2].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: params is not an array", ErrUnrecognizedMessage)
		}
		return &message.Notification{Method: method, Params: params}, nil
	}

	return nil, fmt.Errorf("%w: tag %d with %d elements", ErrUnrecognizedMessage, tag, len(arr))
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int:
		return uint64(n), n >= 0
	case int64:
		return uint64(n), n >= 0
	case json.Number:
		var u uint64
		_, err := fmt.Sscan(n.String(), &u)
		return u, err == nil
	}
	return 0, false
}
