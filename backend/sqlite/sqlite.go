// Package sqlite provides a B-tree backend on modernc.org/sqlite.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/hupe1980/dualkv/backend"
	_ "modernc.org/sqlite"
)

const (
	fileName   = "primary.db"
	rangeChunk = 512
)

// Backend is a backend.Backend stored in a single SQLite table.
type Backend struct {
	db     *sql.DB
	sync   bool
	closed atomic.Bool
}

var _ backend.Backend = (*Backend)(nil)

// Open opens or creates <path>/primary.db.
func Open(path string, cfg backend.Config) (backend.Backend, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	synchronous := "NORMAL"
	if cfg.Sync {
		synchronous = "FULL"
	}

	// Pragmas go into the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous("+synchronous+")")
	q.Add("_pragma", "busy_timeout(5000)")
	if cfg.MemoryBudget > 0 {
		q.Add("_pragma", fmt.Sprintf("cache_size(-%d)", cfg.MemoryBudget/1024))
	}
	dsn := "file:" + filepath.Join(path, fileName) + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   BLOB PRIMARY KEY,
		value BLOB NOT NULL
	) WITHOUT ROWID`); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.Logger != nil {
		cfg.Logger.Debug("sqlite backend opened", "path", path, "synchronous", synchronous)
	}
	return &Backend{db: db, sync: cfg.Sync}, nil
}

func (b *Backend) Put(ctx context.Context, kvs []backend.KV) (err error) {
	if b.closed.Load() {
		return backend.ErrClosed
	}
	if len(kvs) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	upsert, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer upsert.Close()

	del, err := tx.PrepareContext(ctx, "DELETE FROM kv WHERE key = ?")
	if err != nil {
		return err
	}
	defer del.Close()

	for _, kv := range kvs {
		if kv.Value == nil {
			_, err = del.ExecContext(ctx, kv.Key)
		} else {
			_, err = upsert.ExecContext(ctx, kv.Key, kv.Value)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *Backend) Get(ctx context.Context, key []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, backend.ErrClosed
	}
	var v []byte
	err := b.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Range pages through the table so no statement stays open while the
// caller runs.
func (b *Backend) Range(ctx context.Context, start, end []byte) iter.Seq2[backend.KV, error] {
	return func(yield func(backend.KV, error) bool) {
		from := start
		for {
			chunk, err := b.chunk(ctx, from, end)
			if err != nil {
				yield(backend.KV{}, err)
				return
			}
			for _, kv := range chunk {
				if !yield(kv, nil) {
					return
				}
			}
			if len(chunk) < rangeChunk {
				return
			}
			from = append(bytes.Clone(chunk[len(chunk)-1].Key), 0)
		}
	}
}

func (b *Backend) chunk(ctx context.Context, from, end []byte) ([]backend.KV, error) {
	if b.closed.Load() {
		return nil, backend.ErrClosed
	}
	query := "SELECT key, value FROM kv"
	var (
		conds []string
		args  []any
	)
	if len(from) > 0 {
		conds = append(conds, "key >= ?")
		args = append(args, from)
	}
	if end != nil {
		conds = append(conds, "key < ?")
		args = append(args, end)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY key LIMIT ?"
	args = append(args, rangeChunk)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]backend.KV, 0, rangeChunk)
	for rows.Next() {
		var kv backend.KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

// Flush checkpoints the WAL into the main database file.
func (b *Backend) Flush(ctx context.Context) error {
	if b.closed.Load() {
		return backend.ErrClosed
	}
	_, err := b.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.db.Close()
}
