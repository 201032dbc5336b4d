// Package message defines the RPC messages exchanged between agent and master.
//
// Every message is one of three shapes and travels on the wire as an array
// whose first element is the kind tag:
//
//	Request:      [0, id, method, params]
//	Response:     [1, id, error, result]
//	Notification: [2, method, params]
//
// The codec layer turns these arrays into bytes; this package only knows the
// shapes.
package message

// Kind is the integer tag in the first slot of a wire array.
type Kind int

const (
	KindRequest      Kind = 0
	KindResponse     Kind = 1
	KindNotification Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	}
	return "unknown"
}

// Message is implemented by *Request, *Response and *Notification.
type Message interface {
	Kind() Kind
	// Array returns the wire array form of the message.
	Array() []any
}

// Request asks the peer to run Method with Params. ID is chosen by the
// requester and must be unique among its outstanding requests.
type Request struct {
	ID     uint64
	Method string // e.g. "/etcd/get"
	Params []any
}

// Response answers the Request with the same ID. Error is non-nil if the
// handler failed, in which case Result is nil.
type Response struct {
	ID     uint64
	Error  any
	Result any
}

// Notification is a one-way call. No Response is ever sent for it.
type Notification struct {
	Method string
	Params []any
}

func (r *Request) Kind() Kind      { return KindRequest }
func (r *Response) Kind() Kind     { return KindResponse }
func (n *Notification) Kind() Kind { return KindNotification }

func (r *Request) Array() []any {
	return []any{int64(KindRequest), r.ID, r.Method, params(r.Params)}
}

func (r *Response) Array() []any {
	return []any{int64(KindResponse), r.ID, r.Error, r.Result}
}

func (n *Notification) Array() []any {
	return []any{int64(KindNotification), n.Method, params(n.Params)}
}

// params keeps the params slot an array even when the caller passed none.
func params(p []any) []any {
	if p == nil {
		return []any{}
	}
	return p
}

// Error codes carried in the error slot of a Response.
const (
	CodeBadRequest      = 400
	CodeNotFound        = 404
	CodeTimeout         = 408
	CodeTooManyRequests = 429
	CodeInternal        = 500
	CodeUnavailable     = 503
)

// ErrorPayload builds the value placed in Response.Error:
// {"code": code, "message": text}.
func ErrorPayload(code int, text string) map[string]any {
	return map[string]any{"code": int64(code), "message": text}
}

// ErrorResponse answers request id with an error payload.
func ErrorResponse(id uint64, code int, text string) *Response {
	return &Response{ID: id, Error: ErrorPayload(code, text)}
}
