package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteFileName = "store.sqlite"

var sqliteSchema = sqlitemigration.Schema{
	Migrations: []string{
		`CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key BLOB NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (bucket, key)
		) WITHOUT ROWID;`,
	},
}

// SQLiteStore is a [PersistentStore] backed by an SQLite database in WAL mode.
// Writes go straight to the database while holding the store's lock exclusively;
// Flush checkpoints the write-ahead log into the main database file.
type SQLiteStore struct {
	path string
	lock *fileLock
	pool *sqlitemigration.Pool

	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens the SQLite store in dir, creating it if needed.
func OpenSQLite(dir string, opts *Options) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "open sqlite store")
	}
	path := filepath.Join(dir, sqliteFileName)
	pool := sqlitemigration.NewPool(path, sqliteSchema, sqlitemigration.Options{
		Flags: sqlite.OpenCreate | sqlite.OpenReadWrite | sqlite.OpenWAL,
		PrepareConn: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, `PRAGMA busy_timeout = 5000;`, nil)
		},
		OnError: func(err error) {
			log.Errorf(context.Background(), "sqlite store %s: %v", path, err)
		},
	})
	return &SQLiteStore{
		path: path,
		lock: &fileLock{path: filepath.Join(dir, lockFileName), timeout: opts.lockTimeout()},
		pool: pool,
	}, nil
}

// OpenBucket implements [PersistentStore].
func (s *SQLiteStore) OpenBucket(ctx context.Context, name string) (Bucket, error) {
	if name == "" {
		return nil, errors.New("open bucket: empty name")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &sqliteBucket{store: s, name: name}, nil
}

// withConn runs f on a pooled connection.
func (s *SQLiteStore) withConn(ctx context.Context, f func(conn *sqlite.Conn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errors.Wrap(err, "sqlite store")
	}
	defer s.pool.Put(conn)
	return f(conn)
}

// write runs f on a pooled connection while holding the store lock exclusively.
func (s *SQLiteStore) write(ctx context.Context, f func(conn *sqlite.Conn) error) error {
	return s.lock.with(ctx, true, func() error {
		return s.withConn(ctx, f)
	})
}

// Flush implements [PersistentStore].
func (s *SQLiteStore) Flush(ctx context.Context) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.ExecuteTransient(conn, `PRAGMA wal_checkpoint(FULL);`, nil)
		return errors.Wrap(err, "flush")
	})
}

// Close releases the store's connections.
func (s *SQLiteStore) Close() error {
	if err := s.Flush(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
		log.Warnf(context.Background(), "Flush %s before close: %v", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.pool.Close()
}

type sqliteBucket struct {
	store *SQLiteStore
	name  string
}

func (b *sqliteBucket) Name() string { return b.name }

func (b *sqliteBucket) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	found := false
	err := b.store.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM entries WHERE bucket = ? AND key = ?;`, &sqlitex.ExecOptions{
			Args: []any{b.name, key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get from %s", b.name)
	}
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

func (b *sqliteBucket) Put(ctx context.Context, key, value []byte) error {
	if len(key) == 0 {
		return errors.New("put: empty key")
	}
	if value == nil {
		value = []byte{}
	}
	err := b.store.write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO entries (bucket, key, value) VALUES (?, ?, ?)
			ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value;`, &sqlitex.ExecOptions{
			Args: []any{b.name, key, value},
		})
	})
	return errors.Wrapf(err, "put into %s", b.name)
}

func (b *sqliteBucket) Remove(ctx context.Context, key []byte) error {
	err := b.store.write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM entries WHERE bucket = ? AND key = ?;`, &sqlitex.ExecOptions{
			Args: []any{b.name, key},
		})
	})
	return errors.Wrapf(err, "remove from %s", b.name)
}

func (b *sqliteBucket) ForEach(ctx context.Context, fn func(key, value []byte) error) error {
	var keys, values [][]byte
	err := b.store.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT key, value FROM entries WHERE bucket = ? ORDER BY key;`, &sqlitex.ExecOptions{
			Args: []any{b.name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				k := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, k)
				v := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, v)
				keys = append(keys, k)
				values = append(values, v)
				return nil
			},
		})
	})
	if err != nil {
		return errors.Wrapf(err, "list %s", b.name)
	}
	for i := range keys {
		if err := fn(keys[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}
