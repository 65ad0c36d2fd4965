package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrate runs every embedded schema script that has not been applied yet, in
// name order, each inside its own transaction. Applied scripts are remembered
// together with a content checksum: editing a script after it ran is an error,
// never a silent divergence between old and new installations.
func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.sql.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_history (
  name TEXT PRIMARY KEY,
  checksum TEXT NOT NULL,
  applied_at INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := fs.ReadFile(migrationFiles, name)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(body)
		checksum := hex.EncodeToString(sum[:])

		var applied string
		err = d.sql.QueryRowContext(ctx,
			`SELECT checksum FROM schema_history WHERE name=?`, name).Scan(&applied)
		if err == nil {
			if applied != checksum {
				return fmt.Errorf("migration %s changed after being applied", name)
			}
			continue
		}
		if err != sql.ErrNoRows {
			return err
		}

		if err := d.applyScript(ctx, name, checksum, string(body)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (d *DB) applyScript(ctx context.Context, name, checksum, script string) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_history(name, checksum, applied_at) VALUES(?, ?, ?)`,
		name, checksum, nowUnix()); err != nil {
		return err
	}
	return tx.Commit()
}
