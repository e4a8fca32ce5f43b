package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"agentcore/internal/store"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);

CREATE TABLE IF NOT EXISTS set_members (
	key TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY(key, member)
);

CREATE TABLE IF NOT EXISTS list_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL,
	value BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_list_items_key ON list_items(key, id);

CREATE TABLE IF NOT EXISTS key_expiry (
	key TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_key_expiry_expires ON key_expiry(expires_at);

CREATE TABLE IF NOT EXISTS channel_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_channel_messages_channel ON channel_messages(channel, id);
`

const defaultPollInterval = 200 * time.Millisecond

// channelRetention bounds how long published messages stay readable by late pollers.
const channelRetention = 10 * time.Minute

type Store struct {
	db           *sql.DB
	pollInterval time.Duration
	now          func() time.Time
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	s := &Store{db: db, pollInterval: defaultPollInterval, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expires sql.NullInt64
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expires)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	if expires.Valid && s.now().UnixMilli() >= expires.Int64 {
		return nil, store.ErrNotFound
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(
			ctx,
			`INSERT INTO kv(key, value, expires_at, updated_at) VALUES(?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
			key, value, expiryMillis(now, ttl), now.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("set key: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM kv WHERE key = ?`,
			`DELETE FROM set_members WHERE key = ?`,
			`DELETE FROM list_items WHERE key = ?`,
			`DELETE FROM key_expiry WHERE key = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.Get(ctx, key); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	n, err := s.collectionSize(ctx, key)
	if err != nil {
		return false, fmt.Errorf("exists key: %w", err)
	}
	return n > 0, nil
}

// collectionSize counts the set members and list items stored under key,
// dropping the key first if its deadline has passed.
func (s *Store) collectionSize(ctx context.Context, key string) (int, error) {
	if err := s.dropIfExpired(ctx, key); err != nil {
		return 0, err
	}
	var n int
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(
			ctx,
			`SELECT (SELECT COUNT(1) FROM set_members WHERE key = ?) + (SELECT COUNT(1) FROM list_items WHERE key = ?)`,
			key, key,
		).Scan(&n)
	})
	return n, err
}

// dropIfExpired deletes a set or list key whose deadline has passed.
func (s *Store) dropIfExpired(ctx context.Context, key string) error {
	var at int64
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT expires_at FROM key_expiry WHERE key = ?`, key).Scan(&at)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check key expiry: %w", err)
	}
	if s.now().UnixMilli() < at {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM set_members WHERE key = ?`,
			`DELETE FROM list_items WHERE key = ?`,
			`DELETE FROM key_expiry WHERE key = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, key); err != nil {
				return err
			}
		}
		return nil
	})
}

// clearEmptyExpiry forgets the deadline of a collection that no longer holds anything.
func clearEmptyExpiry(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM key_expiry WHERE key = ?
		AND NOT EXISTS (SELECT 1 FROM list_items WHERE key = ?)
		AND NOT EXISTS (SELECT 1 FROM set_members WHERE key = ?)`,
		key, key, key,
	)
	return err
}

// Expire sets the deadline of a value, set or list key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if _, err := s.Get(ctx, key); errors.Is(err, store.ErrNotFound) {
		return s.expireCollection(ctx, key, ttl)
	} else if err != nil {
		return err
	}
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE kv SET expires_at = ? WHERE key = ?`, expiryMillis(s.now(), ttl), key)
		return err
	})
	if err != nil {
		return fmt.Errorf("expire key: %w", err)
	}
	return nil
}

func (s *Store) expireCollection(ctx context.Context, key string, ttl time.Duration) error {
	n, err := s.collectionSize(ctx, key)
	if err != nil {
		return fmt.Errorf("expire key: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	err = s.withRetry(ctx, func() error {
		if ttl <= 0 {
			_, err := s.db.ExecContext(ctx, `DELETE FROM key_expiry WHERE key = ?`, key)
			return err
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO key_expiry(key, expires_at) VALUES(?, ?)
			ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`,
			key, s.now().Add(ttl).UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("expire key: %w", err)
	}
	return nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if err := s.dropIfExpired(ctx, key); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range members {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO set_members(key, member) VALUES(?, ?)`, key, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set add: %w", err)
	}
	return nil
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if err := s.dropIfExpired(ctx, key); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range members {
			if _, err := tx.ExecContext(ctx, `DELETE FROM set_members WHERE key = ? AND member = ?`, key, m); err != nil {
				return err
			}
		}
		return clearEmptyExpiry(ctx, tx, key)
	})
	if err != nil {
		return fmt.Errorf("set remove: %w", err)
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := s.dropIfExpired(ctx, key); err != nil {
		return nil, err
	}
	var members []string
	err := s.withRetry(ctx, func() error {
		members = members[:0]
		rows, err := s.db.QueryContext(ctx, `SELECT member FROM set_members WHERE key = ? ORDER BY member`, key)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m string
			if err := rows.Scan(&m); err != nil {
				return err
			}
			members = append(members, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("set members: %w", err)
	}
	return members, nil
}

func (s *Store) RPush(ctx context.Context, key string, values ...[]byte) error {
	if err := s.dropIfExpired(ctx, key); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, v := range values {
			if _, err := tx.ExecContext(ctx, `INSERT INTO list_items(key, value) VALUES(?, ?)`, key, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list push: %w", err)
	}
	return nil
}

func (s *Store) LPop(ctx context.Context, key string) ([]byte, error) {
	if err := s.dropIfExpired(ctx, key); err != nil {
		return nil, err
	}
	var value []byte
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var id int64
		if err := tx.QueryRowContext(ctx, `SELECT id, value FROM list_items WHERE key = ? ORDER BY id ASC LIMIT 1`, key).Scan(&id, &value); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM list_items WHERE id = ?`, id); err != nil {
			return err
		}
		return clearEmptyExpiry(ctx, tx, key)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("list pop: %w", err)
	}
	return value, nil
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	if err := s.dropIfExpired(ctx, key); err != nil {
		return nil, err
	}
	var all [][]byte
	err := s.withRetry(ctx, func() error {
		all = all[:0]
		rows, err := s.db.QueryContext(ctx, `SELECT value FROM list_items WHERE key = ? ORDER BY id ASC`, key)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var v []byte
			if err := rows.Scan(&v); err != nil {
				return err
			}
			all = append(all, v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list range: %w", err)
	}
	from, to, ok := store.NormalizeRange(start, stop, len(all))
	if !ok {
		return nil, nil
	}
	return all[from:to], nil
}

func (s *Store) LLen(ctx context.Context, key string) (int, error) {
	if err := s.dropIfExpired(ctx, key); err != nil {
		return 0, err
	}
	var n int
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM list_items WHERE key = ?`, key).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("list length: %w", err)
	}
	return n, nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(
			ctx,
			`INSERT INTO channel_messages(channel, payload, created_at) VALUES(?, ?, ?)`,
			channel, payload, s.now().UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe polls channel_messages for rows published after the call.
func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var lastID int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM channel_messages WHERE channel = ?`, channel).Scan(&lastID); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			payloads, newLast, err := s.readChannel(ctx, channel, lastID)
			if err != nil {
				continue
			}
			lastID = newLast
			for _, p := range payloads {
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) readChannel(ctx context.Context, channel string, after int64) ([][]byte, int64, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, payload FROM channel_messages WHERE channel = ? AND id > ? ORDER BY id ASC LIMIT 256`,
		channel, after,
	)
	if err != nil {
		return nil, after, err
	}
	defer rows.Close()

	last := after
	var payloads [][]byte
	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, after, err
		}
		payloads = append(payloads, payload)
		last = id
	}
	if err := rows.Err(); err != nil {
		return nil, after, err
	}
	return payloads, last, nil
}

// Purge deletes expired keys, sets and lists and channel messages older than
// the retention window.
func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	var removed int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixMilli())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n
		res, err = tx.ExecContext(ctx, `DELETE FROM channel_messages WHERE created_at < ?`, now.Add(-channelRetention).UnixMilli())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += n

		cutoff := now.UnixMilli()
		for _, stmt := range []string{
			`DELETE FROM list_items WHERE key IN (SELECT key FROM key_expiry WHERE expires_at <= ?)`,
			`DELETE FROM set_members WHERE key IN (SELECT key FROM key_expiry WHERE expires_at <= ?)`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, cutoff); err != nil {
				return err
			}
		}
		res, err = tx.ExecContext(ctx, `DELETE FROM key_expiry WHERE expires_at <= ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return int(removed), nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// withRetry retries fn while SQLite reports the database as busy.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 30 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isSQLiteBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func expiryMillis(now time.Time, ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return now.Add(ttl).UnixMilli()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
