// Package sqlitelog is a durable.Log stored in a SQLite table, shareable by
// every process that opens the same database file.
//
// The byte cap is enforced inside SQLite by an AFTER INSERT trigger that
// deletes the oldest rows once the running total exceeds the limit, so
// writers never evict anything themselves. Tailers poll by rowid; tailers
// in the appending process are woken immediately.
package sqlitelog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"gridlink/durable"
)

const (
	DefaultTable        = "events"
	DefaultMaxBytes     = 24 * 1024 * 1024
	DefaultPollInterval = 50 * time.Millisecond
	DefaultPoolSize     = 4

	recordOverhead = 32
	batchSize      = 256
)

var (
	ErrClosed       = errors.New("sqlitelog: log closed")
	errInvalidTable = errors.New("sqlitelog: invalid table name")
	tableName       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

type Config struct {
	// Path of the database file. It is created if missing.
	Path         string
	Table        string
	MaxBytes     int64
	PollInterval time.Duration
	PoolSize     int
	Logger       *zap.Logger
}

type Log struct {
	pool     *sqlitex.Pool
	identity string
	table    string
	max      int64
	poll     time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	appends chan struct{} // closed and replaced on every local append

	closeOnce sync.Once
	closing   chan struct{}
}

func Open(cfg Config) (*Log, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitelog: Path is required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("%w: %q", errInvalidTable, cfg.Table)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    cfg.PoolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitelog: opening %s: %w", cfg.Path, err)
	}
	cfg.Logger.Info("sqlite log opened",
		zap.String("path", cfg.Path),
		zap.String("table", cfg.Table),
		zap.Int64("max_bytes", cfg.MaxBytes),
	)

	return &Log{
		pool:     pool,
		identity: identity(cfg.Path, cfg.Table),
		table:    cfg.Table,
		max:      cfg.MaxBytes,
		poll:     cfg.PollInterval,
		logger:   cfg.Logger,
		appends:  make(chan struct{}),
		closing:  make(chan struct{}),
	}, nil
}

// identity names the database file and table. In-memory and URI paths have
// no stable name and return "".
func identity(path, table string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	return "sqlite:" + abs + "#" + table
}

// Identity implements durable.Identifier.
func (l *Log) Identity() string { return l.identity }

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitelog: %s: %w", pragma, err)
		}
	}
	return nil
}

// schema creates the table, the size bookkeeping row and the cap triggers.
// Once the total exceeds max_bytes the oldest rows are deleted down to 90%
// of the cap, so eviction runs in batches rather than on every insert.
const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	channel    TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	created_at INTEGER NOT NULL,
	size       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS %[1]s_meta (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	total     INTEGER NOT NULL,
	max_bytes INTEGER NOT NULL
);

INSERT OR REPLACE INTO %[1]s_meta (id, total, max_bytes)
	VALUES (1, (SELECT COALESCE(SUM(size), 0) FROM %[1]s), %[2]d);

CREATE TRIGGER IF NOT EXISTS %[1]s_uncount AFTER DELETE ON %[1]s
BEGIN
	UPDATE %[1]s_meta SET total = total - OLD.size WHERE id = 1;
END;

CREATE TRIGGER IF NOT EXISTS %[1]s_cap AFTER INSERT ON %[1]s
BEGIN
	UPDATE %[1]s_meta SET total = total + NEW.size WHERE id = 1;
	DELETE FROM %[1]s WHERE id IN (
		SELECT id FROM (
			SELECT id, SUM(size) OVER (ORDER BY id) AS running
			FROM %[1]s WHERE id < NEW.id
		)
		WHERE running <= (
			SELECT CASE WHEN total > max_bytes THEN total - max_bytes * 9 / 10 ELSE 0 END
			FROM %[1]s_meta WHERE id = 1
		)
	);
END;
`

// Ensure creates the table and its cap triggers when they are missing.
func (l *Log) Ensure(ctx context.Context) (created bool, err error) {
	conn, err := l.take(ctx)
	if err != nil {
		return false, err
	}
	defer l.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return false, fmt.Errorf("sqlitelog: begin: %w", err)
	}
	defer endTransaction(&err)

	capped := false
	err = sqlitex.Execute(conn,
		"SELECT name FROM sqlite_master WHERE type = 'trigger' AND name = ?",
		&sqlitex.ExecOptions{
			Args: []any{l.table + "_cap"},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				capped = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("sqlitelog: inspect schema: %w", err)
	}
	if capped {
		return false, nil
	}

	if err = sqlitex.ExecuteScript(conn, fmt.Sprintf(schema, l.table, l.max), nil); err != nil {
		return false, fmt.Errorf("sqlitelog: create schema: %w", err)
	}
	l.logger.Info("created capped log table", zap.String("table", l.table))
	return true, nil
}

func (l *Log) Append(ctx context.Context, rec durable.Record) (uint64, error) {
	conn, err := l.take(ctx)
	if err != nil {
		return 0, err
	}
	defer l.pool.Put(conn)

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	size := int64(len(rec.Channel) + len(payload) + recordOverhead)

	err = sqlitex.Execute(conn,
		fmt.Sprintf("INSERT INTO %s (channel, payload, created_at, size) VALUES (?, ?, ?, ?)", l.table),
		&sqlitex.ExecOptions{
			Args: []any{rec.Channel, payload, rec.CreatedAt.UnixNano(), size},
		})
	if err != nil {
		return 0, fmt.Errorf("sqlitelog: insert: %w", err)
	}
	seq := uint64(conn.LastInsertRowID())

	l.mu.Lock()
	close(l.appends)
	l.appends = make(chan struct{})
	l.mu.Unlock()
	return seq, nil
}

func (l *Log) Head(ctx context.Context) (uint64, error) {
	conn, err := l.take(ctx)
	if err != nil {
		return 0, err
	}
	defer l.pool.Put(conn)

	var head int64
	err = sqlitex.Execute(conn,
		fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", l.table),
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				head = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("sqlitelog: head: %w", err)
	}
	return uint64(head), nil
}

func (l *Log) Tail(ctx context.Context, cutoff time.Time, fn func(durable.Record) error) error {
	last, err := l.lastBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		l.mu.Lock()
		wake := l.appends
		l.mu.Unlock()

		batch, err := l.fetch(ctx, last)
		if err != nil {
			return err
		}
		for _, rec := range batch {
			last = rec.Seq
			if !rec.CreatedAt.After(cutoff) {
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(batch) == batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closing:
			return ErrClosed
		case <-wake:
		case <-ticker.C:
		}
	}
}

// lastBefore returns the id of the newest row written at or before cutoff.
func (l *Log) lastBefore(ctx context.Context, cutoff time.Time) (uint64, error) {
	conn, err := l.take(ctx)
	if err != nil {
		return 0, err
	}
	defer l.pool.Put(conn)

	var id int64
	err = sqlitex.Execute(conn,
		fmt.Sprintf("SELECT id FROM %s WHERE created_at <= ? ORDER BY id DESC LIMIT 1", l.table),
		&sqlitex.ExecOptions{
			Args: []any{cutoff.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("sqlitelog: locate cutoff: %w", err)
	}
	return uint64(id), nil
}

func (l *Log) fetch(ctx context.Context, after uint64) ([]durable.Record, error) {
	conn, err := l.take(ctx)
	if err != nil {
		return nil, err
	}
	defer l.pool.Put(conn)

	var batch []durable.Record
	err = sqlitex.Execute(conn,
		fmt.Sprintf("SELECT id, channel, payload, created_at FROM %s WHERE id > ? ORDER BY id LIMIT %d", l.table, batchSize),
		&sqlitex.ExecOptions{
			Args: []any{int64(after)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, payload)
				batch = append(batch, durable.Record{
					Seq:       uint64(stmt.ColumnInt64(0)),
					Channel:   stmt.ColumnText(1),
					Payload:   payload,
					CreatedAt: time.Unix(0, stmt.ColumnInt64(3)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlitelog: fetch: %w", err)
	}
	return batch, nil
}

// Stats returns the number of retained rows and their accounted size.
func (l *Log) Stats(ctx context.Context) (rows int64, bytes int64, err error) {
	conn, err := l.take(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		fmt.Sprintf("SELECT COUNT(*), COALESCE(SUM(size), 0) FROM %s", l.table),
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = stmt.ColumnInt64(0)
				bytes = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return 0, 0, fmt.Errorf("sqlitelog: stats: %w", err)
	}
	return rows, bytes, nil
}

func (l *Log) take(ctx context.Context) (*sqlite.Conn, error) {
	select {
	case <-l.closing:
		return nil, ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitelog: take: %w", err)
	}
	return conn, nil
}

// Close stops running tailers and closes the pool.
func (l *Log) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closing)
		if err = l.pool.Close(); err != nil {
			err = fmt.Errorf("sqlitelog: close: %w", err)
		}
	})
	return err
}
