package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id            INTEGER PRIMARY KEY,
	session_id    TEXT NOT NULL UNIQUE,
	call_id       TEXT NOT NULL,
	channel_id    TEXT,
	caller_number TEXT,
	callee_number TEXT,
	status        TEXT NOT NULL DEFAULT 'initiating',
	start_time    INTEGER,
	end_time      INTEGER,
	duration      INTEGER,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calls_call_id ON calls(call_id);
CREATE INDEX IF NOT EXISTS idx_calls_channel_id ON calls(channel_id);

CREATE TABLE IF NOT EXISTS audio_streams (
	id          INTEGER PRIMARY KEY,
	stream_id   TEXT NOT NULL UNIQUE,
	session_id  TEXT NOT NULL,
	recording   TEXT,
	format      TEXT NOT NULL,
	sample_rate INTEGER NOT NULL,
	channels    INTEGER NOT NULL,
	start_time  INTEGER,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audio_streams_session ON audio_streams(session_id);

CREATE TABLE IF NOT EXISTS audio_chunks (
	id          INTEGER PRIMARY KEY,
	session_id  TEXT NOT NULL,
	stream_id   TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	source      TEXT,
	size        INTEGER NOT NULL,
	timestamp   INTEGER NOT NULL,
	UNIQUE(stream_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_audio_chunks_session ON audio_chunks(session_id);
`

// SQLiteConfig configures the SQLite sink.
type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string
	// PoolSize defaults to max(NumCPU, 4).
	PoolSize int
	Logger   *slog.Logger
}

// SQLiteSink persists calls, streams and chunk metadata to SQLite.
type SQLiteSink struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ Sink    = (*SQLiteSink)(nil)
	_ History = (*SQLiteSink)(nil)
)

// OpenSQLite opens (creating if needed) the database and applies the
// schema on every pooled connection.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteSink, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite sink: path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite sink: opening %s: %w", cfg.Path, err)
	}

	logger.Info("[Sink] SQLite store opened", "path", cfg.Path, "pool_size", size)
	return &SQLiteSink{pool: pool, path: cfg.Path, logger: logger, now: time.Now}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

func (s *SQLiteSink) withConn(ctx context.Context, op string, fn func(*sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite sink: %s: %w", op, err)
	}
	defer s.pool.Put(conn)
	if err := fn(conn); err != nil {
		return fmt.Errorf("sqlite sink: %s: %w", op, err)
	}
	return nil
}

func unixNanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func (s *SQLiteSink) RecordSessionStart(ctx context.Context, meta SessionMeta) error {
	now := s.now().UnixNano()
	return s.withConn(ctx, "session start", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO calls (session_id, call_id, channel_id, caller_number, callee_number,
				status, start_time, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'initiating', ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{
				meta.SessionID, meta.CallID, meta.ChannelID, meta.CallerNumber, meta.CalleeNumber,
				unixNanos(meta.StartTime), now, now,
			}})
	})
}

func (s *SQLiteSink) RecordSessionStatus(ctx context.Context, sessionID string, status CallStatus, duration time.Duration) error {
	now := s.now()
	var endTime, seconds any
	if status.IsFinal() {
		endTime = now.UnixNano()
	}
	if duration > 0 {
		seconds = int64(duration / time.Second)
	}
	return s.withConn(ctx, "session status", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			UPDATE calls SET status = ?,
				end_time = COALESCE(?, end_time),
				duration = COALESCE(?, duration),
				updated_at = ?
			WHERE session_id = ?`,
			&sqlitex.ExecOptions{Args: []any{status.String(), endTime, seconds, now.UnixNano(), sessionID}})
	})
}

func (s *SQLiteSink) RecordStreamMeta(ctx context.Context, meta StreamMeta) error {
	return s.withConn(ctx, "stream meta", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT OR IGNORE INTO audio_streams (stream_id, session_id, recording, format,
				sample_rate, channels, start_time, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				meta.StreamID, meta.SessionID, meta.Recording, meta.Format,
				meta.SampleRate, meta.Channels, unixNanos(meta.StartTime), s.now().UnixNano(),
			}})
	})
}

func (s *SQLiteSink) RecordChunk(ctx context.Context, chunk Chunk) error {
	ts := chunk.Time
	if ts.IsZero() {
		ts = s.now()
	}
	return s.withConn(ctx, "chunk", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT OR IGNORE INTO audio_chunks (session_id, stream_id, chunk_index, source, size, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				chunk.SessionID, chunk.StreamID, chunk.Index, chunk.Source, len(chunk.Data), ts.UnixNano(),
			}})
	})
}

// Call loads a session's persisted record with its chunk count.
func (s *SQLiteSink) Call(ctx context.Context, sessionID string) (CallRecord, error) {
	var rec CallRecord
	found := false
	err := s.withConn(ctx, "call lookup", func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			SELECT c.session_id, c.call_id, c.channel_id, c.caller_number, c.callee_number,
				c.status, c.start_time, c.end_time, c.duration,
				(SELECT COUNT(*) FROM audio_chunks k WHERE k.session_id = c.session_id)
			FROM calls c WHERE c.session_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{sessionID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					rec = CallRecord{
						SessionID:    stmt.ColumnText(0),
						CallID:       stmt.ColumnText(1),
						ChannelID:    stmt.ColumnText(2),
						CallerNumber: stmt.ColumnText(3),
						CalleeNumber: stmt.ColumnText(4),
						Status:       stmt.ColumnText(5),
						Duration:     time.Duration(stmt.ColumnInt64(8)) * time.Second,
						Chunks:       stmt.ColumnInt(9),
					}
					if stmt.ColumnType(6) != sqlite.TypeNull {
						rec.StartTime = time.Unix(0, stmt.ColumnInt64(6))
					}
					if stmt.ColumnType(7) != sqlite.TypeNull {
						rec.EndTime = time.Unix(0, stmt.ColumnInt64(7))
					}
					return nil
				},
			})
		return err
	})
	if err != nil {
		return CallRecord{}, err
	}
	if !found {
		return CallRecord{}, fmt.Errorf("%w: %s", ErrCallNotFound, sessionID)
	}
	return rec, nil
}

// StreamCount returns how many streams were recorded for a session.
func (s *SQLiteSink) StreamCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.withConn(ctx, "stream count", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT COUNT(*) FROM audio_streams WHERE session_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{sessionID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					n = stmt.ColumnInt(0)
					return nil
				},
			})
	})
	return n, err
}

// Close closes the pool. Blocks until borrowed connections are returned.
func (s *SQLiteSink) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite sink: closing %s: %w", s.path, err)
	}
	s.logger.Info("[Sink] SQLite store closed", "path", s.path)
	return nil
}
