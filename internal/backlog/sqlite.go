package backlog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Write transactions begin IMMEDIATE so that a second process waits on
// busy_timeout for the writer lock instead of failing on upgrade.
const sqlitePragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

// SQLiteStore keeps the backlog in a SQLite file that several processes may
// share. Id assignment is an upsert on backlog_channels inside the same
// transaction as the row insert, so SQLite's writer lock serializes it.
type SQLiteStore struct {
	db      *sql.DB
	now     func() time.Time
	defKeep Retention
}

func OpenSQLite(path string, defKeep Retention) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+sqlitePragmas)
	if err != nil {
		return nil, unavailable("open", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, now: time.Now, defKeep: defKeep}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS backlog_channels (
  channel TEXT PRIMARY KEY,
  last_id INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS backlog_messages (
  channel TEXT NOT NULL,
  id INTEGER NOT NULL,
  payload BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY(channel, id)
);
CREATE INDEX IF NOT EXISTS idx_backlog_messages_created_at ON backlog_messages(channel, created_at);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return unavailable("init", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, channel string, payload []byte, keep Retention) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("append", err)
	}
	defer tx.Rollback()

	var id int64
	row := tx.QueryRowContext(
		ctx,
		`INSERT INTO backlog_channels(channel, last_id) VALUES (?, 1)
		 ON CONFLICT(channel) DO UPDATE SET last_id = last_id + 1
		 RETURNING last_id`,
		channel,
	)
	if err := row.Scan(&id); err != nil {
		return 0, unavailable("append", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO backlog_messages(channel, id, payload, created_at) VALUES (?, ?, ?, ?)`,
		channel, id, payload, s.now().UTC().UnixNano(),
	); err != nil {
		return 0, unavailable("append", err)
	}
	if _, err := trimTx(ctx, tx, channel, uint64(id), keep.Or(s.defKeep), s.now()); err != nil {
		return 0, unavailable("append", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("append", err)
	}
	return uint64(id), nil
}

func (s *SQLiteStore) ReadRange(ctx context.Context, channel string, afterID uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, payload, created_at FROM backlog_messages
		 WHERE channel=? AND id>? AND created_at>=?
		 ORDER BY id ASC LIMIT ?`,
		channel, int64(afterID), s.cutoffNanos(), limit,
	)
	if err != nil {
		return nil, unavailable("read range", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		var id, ts int64
		if err := rows.Scan(&id, &e.Payload, &ts); err != nil {
			return nil, unavailable("read range", err)
		}
		e.ID = uint64(id)
		e.CreatedAt = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read range", err)
	}
	return out, nil
}

func (s *SQLiteStore) LastID(ctx context.Context, channel string) (uint64, error) {
	last, err := lastID(ctx, s.db, channel)
	if err != nil {
		return 0, unavailable("last id", err)
	}
	return last, nil
}

func (s *SQLiteStore) Window(ctx context.Context, channel string) (uint64, uint64, error) {
	last, err := lastID(ctx, s.db, channel)
	if err != nil {
		return 0, 0, unavailable("window", err)
	}
	var oldest sql.NullInt64
	row := s.db.QueryRowContext(
		ctx,
		`SELECT MIN(id) FROM backlog_messages WHERE channel=? AND created_at>=?`,
		channel, s.cutoffNanos(),
	)
	if err := row.Scan(&oldest); err != nil {
		return 0, 0, unavailable("window", err)
	}
	if !oldest.Valid {
		return 0, last, nil
	}
	return uint64(oldest.Int64), last, nil
}

func (s *SQLiteStore) Trim(ctx context.Context, channel string, keep Retention) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("trim", err)
	}
	defer tx.Rollback()

	last, err := lastID(ctx, tx, channel)
	if err != nil {
		return 0, unavailable("trim", err)
	}
	n, err := trimTx(ctx, tx, channel, last, keep, s.now())
	if err != nil {
		return 0, unavailable("trim", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("trim", err)
	}
	return n, nil
}

func (s *SQLiteStore) cutoffNanos() int64 {
	cutoff := s.defKeep.cutoff(s.now())
	if cutoff.IsZero() {
		return 0
	}
	return cutoff.UnixNano()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lastID(ctx context.Context, q queryer, channel string) (uint64, error) {
	var last int64
	row := q.QueryRowContext(ctx, `SELECT last_id FROM backlog_channels WHERE channel=?`, channel)
	if err := row.Scan(&last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return uint64(last), nil
}

// trimTx relies on ids being contiguous above the oldest retained row, which
// holds because rows are only ever removed from the bottom.
func trimTx(ctx context.Context, tx *sql.Tx, channel string, last uint64, keep Retention, now time.Time) (int, error) {
	total := 0
	if keep.MaxCount > 0 && last > uint64(keep.MaxCount) {
		res, err := tx.ExecContext(
			ctx,
			`DELETE FROM backlog_messages WHERE channel=? AND id<=?`,
			channel, int64(last-uint64(keep.MaxCount)),
		)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	if cutoff := keep.cutoff(now); !cutoff.IsZero() {
		res, err := tx.ExecContext(
			ctx,
			`DELETE FROM backlog_messages WHERE channel=? AND created_at<?`,
			channel, cutoff.UnixNano(),
		)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}
