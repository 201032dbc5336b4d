// Package etcdlog is a durable.Log kept in etcd.
//
//	Key:   {prefix}records/{created_at nanos}-{random}
//	Value: CBOR {channel, payload, created_at}
//
// Every record is attached to a retention lease, so etcd itself evicts old
// records when the lease expires. The record's sequence number is its etcd
// ModRevision; tailers follow the prefix with a Watch.
package etcdlog

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"gridlink/codec"
	"gridlink/durable"
)

const (
	DefaultPrefix      = "/gridlink/events/"
	DefaultRetention   = 10 * time.Minute
	DefaultDialTimeout = 5 * time.Second
)

var ErrWatchClosed = errors.New("etcdlog: watch closed")

type Config struct {
	Endpoints   []string
	Prefix      string
	Retention   time.Duration
	DialTimeout time.Duration
	Logger      *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
	if c.Retention < 2*time.Second {
		c.Retention = DefaultRetention
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type Log struct {
	client    *clientv3.Client
	ownClient bool
	prefix    string
	retention time.Duration
	logger    *zap.Logger

	mu           sync.Mutex
	leaseID      clientv3.LeaseID
	leaseGranted time.Time
}

// Open dials etcd and returns a log that closes the client on Close.
func Open(cfg Config) (*Log, error) {
	cfg = cfg.withDefaults()
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      cfg.Logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcdlog: dial: %w", err)
	}
	l := New(c, cfg)
	l.ownClient = true
	return l, nil
}

// New uses an existing client. Close leaves the client open.
func New(client *clientv3.Client, cfg Config) *Log {
	cfg = cfg.withDefaults()
	return &Log{
		client:    client,
		prefix:    cfg.Prefix,
		retention: cfg.Retention,
		logger:    cfg.Logger,
	}
}

// Identity implements durable.Identifier: the client's endpoints and the
// key prefix.
func (l *Log) Identity() string {
	endpoints := slices.Clone(l.client.Endpoints())
	slices.Sort(endpoints)
	return "etcd:" + strings.Join(endpoints, ",") + l.prefix
}

func (l *Log) metaKey() string       { return l.prefix + "meta" }
func (l *Log) recordsPrefix() string { return l.prefix + "records/" }

type storedRecord struct {
	Channel   string `cbor:"channel"`
	Payload   []byte `cbor:"payload"`
	CreatedAt int64  `cbor:"created_at"`
}

// Ensure writes the meta key holding the retention if it does not exist yet.
func (l *Log) Ensure(ctx context.Context) (bool, error) {
	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(l.metaKey()), "=", 0)).
		Then(clientv3.OpPut(l.metaKey(), l.retention.String())).
		Commit()
	if err != nil {
		return false, fmt.Errorf("etcdlog: ensure: %w", err)
	}
	if resp.Succeeded {
		l.logger.Info("created event log", zap.String("prefix", l.prefix), zap.Duration("retention", l.retention))
	}
	return resp.Succeeded, nil
}

// lease returns the current retention lease, granting a new one once the
// current one is half way to expiry.
func (l *Log) lease(ctx context.Context) (clientv3.LeaseID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.leaseID != 0 && time.Since(l.leaseGranted) < l.retention/2 {
		return l.leaseID, nil
	}
	resp, err := l.client.Grant(ctx, int64(l.retention/time.Second))
	if err != nil {
		return 0, fmt.Errorf("etcdlog: grant lease: %w", err)
	}
	l.leaseID = resp.ID
	l.leaseGranted = time.Now()
	return resp.ID, nil
}

func (l *Log) Append(ctx context.Context, rec durable.Record) (uint64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	value, err := codec.Marshal(storedRecord{
		Channel:   rec.Channel,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt.UnixNano(),
	})
	if err != nil {
		return 0, fmt.Errorf("etcdlog: encode: %w", err)
	}
	leaseID, err := l.lease(ctx)
	if err != nil {
		return 0, err
	}

	key := fmt.Sprintf("%s%020d-%016x", l.recordsPrefix(), rec.CreatedAt.UnixNano(), rand.Uint64())
	resp, err := l.client.Put(ctx, key, string(value), clientv3.WithLease(leaseID))
	if err != nil {
		return 0, fmt.Errorf("etcdlog: put: %w", err)
	}
	return uint64(resp.Header.Revision), nil
}

// Head returns the current etcd revision. Every record appended later has
// a greater ModRevision.
func (l *Log) Head(ctx context.Context) (uint64, error) {
	resp, err := l.client.Get(ctx, l.metaKey())
	if err != nil {
		return 0, fmt.Errorf("etcdlog: head: %w", err)
	}
	return uint64(resp.Header.Revision), nil
}

func (l *Log) Tail(ctx context.Context, cutoff time.Time, fn func(durable.Record) error) error {
	ctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	// Records written since cutoff, then everything after that revision.
	from := fmt.Sprintf("%s%020d", l.recordsPrefix(), cutoff.UnixNano())
	resp, err := l.client.Get(ctx, from,
		clientv3.WithRange(clientv3.GetPrefixRangeEnd(l.recordsPrefix())),
		clientv3.WithSort(clientv3.SortByModRevision, clientv3.SortAscend),
	)
	if err != nil {
		return fmt.Errorf("etcdlog: read backlog: %w", err)
	}
	for _, kv := range resp.Kvs {
		if err := l.emit(kv.Value, kv.ModRevision, cutoff, fn); err != nil {
			return err
		}
	}

	watch := l.client.Watch(ctx, l.recordsPrefix(),
		clientv3.WithPrefix(),
		clientv3.WithRev(resp.Header.Revision+1),
	)
	for wresp := range watch {
		if err := wresp.Err(); err != nil {
			return fmt.Errorf("etcdlog: watch: %w", err)
		}
		for _, ev := range wresp.Events {
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			if err := l.emit(ev.Kv.Value, ev.Kv.ModRevision, cutoff, fn); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrWatchClosed
}

func (l *Log) emit(value []byte, rev int64, cutoff time.Time, fn func(durable.Record) error) error {
	var stored storedRecord
	if err := codec.Unmarshal(value, &stored); err != nil {
		l.logger.Warn("skipping malformed record", zap.Int64("revision", rev), zap.Error(err))
		return nil
	}
	createdAt := time.Unix(0, stored.CreatedAt)
	if !createdAt.After(cutoff) {
		return nil
	}
	return fn(durable.Record{
		Seq:       uint64(rev),
		Channel:   stored.Channel,
		Payload:   stored.Payload,
		CreatedAt: createdAt,
	})
}

func (l *Log) Close() error {
	if !l.ownClient {
		return nil
	}
	return l.client.Close()
}
