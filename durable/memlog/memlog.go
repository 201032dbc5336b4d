// Package memlog is an in-process durable.Log. Records live in a byte-capped
// slice; tailers wait on a condition variable for new appends.
package memlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"gridlink/durable"
)

// DefaultMaxBytes matches the size of the shared log in production.
const DefaultMaxBytes = 24 * 1024 * 1024

// recordOverhead approximates the per-record bookkeeping charged against
// the byte cap.
const recordOverhead = 32

var ErrClosed = errors.New("memlog: log closed")

type Log struct {
	mu       sync.Mutex
	cond     *sync.Cond
	records  []durable.Record
	size     int
	maxBytes int
	seq      uint64
	capped   bool
	closed   bool
	tailErr  error
	now      func() time.Time
}

// New returns an empty log holding at most maxBytes of records. maxBytes
// below 1 uses DefaultMaxBytes.
func New(maxBytes int) *Log {
	if maxBytes < 1 {
		maxBytes = DefaultMaxBytes
	}
	l := &Log{maxBytes: maxBytes, now: time.Now}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *Log) Ensure(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, ErrClosed
	}
	if l.capped {
		return false, nil
	}
	l.capped = true
	l.evict()
	return true, nil
}

func (l *Log) Append(ctx context.Context, rec durable.Record) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}
	l.seq++
	rec.Seq = l.seq
	rec.Payload = append([]byte(nil), rec.Payload...)
	l.records = append(l.records, rec)
	l.size += sizeOf(rec)
	if l.capped {
		l.evict()
	}
	l.cond.Broadcast()
	return rec.Seq, nil
}

// evict drops the oldest records until the log fits, always keeping the
// newest one.
func (l *Log) evict() {
	for l.size > l.maxBytes && len(l.records) > 1 {
		l.size -= sizeOf(l.records[0])
		l.records[0] = durable.Record{}
		l.records = l.records[1:]
	}
}

func sizeOf(rec durable.Record) int {
	return len(rec.Channel) + len(rec.Payload) + recordOverhead
}

func (l *Log) Head(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	return l.seq, nil
}

func (l *Log) Tail(ctx context.Context, cutoff time.Time, fn func(durable.Record) error) error {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.mu.Lock()
	next := l.seq + 1
	for _, r := range l.records {
		if r.CreatedAt.After(cutoff) {
			next = r.Seq
			break
		}
	}

	for {
		for l.seq < next && ctx.Err() == nil && !l.closed && l.tailErr == nil {
			l.cond.Wait()
		}
		if err := ctx.Err(); err != nil {
			l.mu.Unlock()
			return err
		}
		if l.closed {
			l.mu.Unlock()
			return ErrClosed
		}
		if err := l.tailErr; err != nil {
			l.tailErr = nil
			l.mu.Unlock()
			return err
		}

		batch := l.since(next)
		next = l.seq + 1
		l.mu.Unlock()

		for _, r := range batch {
			if !r.CreatedAt.After(cutoff) {
				continue
			}
			if err := fn(r); err != nil {
				return err
			}
		}
		l.mu.Lock()
	}
}

// since copies the records with Seq >= seq that are still retained.
func (l *Log) since(seq uint64) []durable.Record {
	if len(l.records) == 0 {
		return nil
	}
	first := l.records[0].Seq
	i := 0
	if seq > first {
		i = int(seq - first)
	}
	if i >= len(l.records) {
		return nil
	}
	return append([]durable.Record(nil), l.records[i:]...)
}

// FailTail makes the next wakeup of a running tailer return err, as a
// broken cursor would.
func (l *Log) FailTail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tailErr = err
	l.cond.Broadcast()
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Records returns a copy of the retained records, oldest first.
func (l *Log) Records() []durable.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]durable.Record(nil), l.records...)
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cond.Broadcast()
	return nil
}
