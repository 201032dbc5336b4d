package durable

import (
	"context"
	"time"
)

// Record is one entry of the shared log.
type Record struct {
	// Seq is assigned by the store on append and grows with log order.
	Seq       uint64
	Channel   string
	Payload   []byte // CBOR-encoded data
	CreatedAt time.Time
}

// Log is the capped, insertion-ordered, tailable store the pub/sub is built
// on. Size bounds are enforced by the store itself; this package never
// deletes records.
type Log interface {
	// Ensure makes sure the log exists and is bounded, creating or
	// converting it if needed. It reports whether it had to do so.
	Ensure(ctx context.Context) (created bool, err error)

	// Append stores rec and returns its sequence number. Seq on rec is
	// ignored.
	Append(ctx context.Context, rec Record) (uint64, error)

	// Head returns the sequence number of the newest record, or 0 for an
	// empty log.
	Head(ctx context.Context) (uint64, error)

	// Tail calls fn, in log order, for every record whose CreatedAt is
	// strictly after cutoff. It blocks waiting for new records until ctx
	// is done, the store fails, or fn returns an error.
	Tail(ctx context.Context, cutoff time.Time, fn func(Record) error) error

	Close() error
}

// Identifier is implemented by logs that can name the store behind them.
// Two logs reporting the same non-empty Identity share one store, and only
// one PubSub per process may serve it.
type Identifier interface {
	Identity() string
}
