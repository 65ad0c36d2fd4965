package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle backing all configuration and activity queries.
type DB struct {
	sql *sql.DB
}

// Open opens the sqlite database at path and brings its schema up to date.
// All pragmas ride on the DSN: foreign keys on, WAL journaling for read
// concurrency across listener goroutines, and a busy timeout so a contended
// write queues instead of failing.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	dsn := "file:" + path +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)"
	h, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// The driver is embedded; a single connection sidesteps sqlite's
	// single-writer contention entirely.
	h.SetMaxOpenConns(1)

	db := &DB{sql: h}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err = h.PingContext(pingCtx)
	cancel()
	if err == nil {
		err = db.migrate(ctx)
	}
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}
