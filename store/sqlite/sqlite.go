// Package sqlite provides the SQLite-backed Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully static
// and works without a C compiler.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/whisper-darkly/beadboard/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the journal database at path and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema.  New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS activity (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			kind    TEXT    NOT NULL,
			subject TEXT    NOT NULL,
			detail  TEXT    NOT NULL DEFAULT '',
			ok      INTEGER NOT NULL,
			ts      TEXT    NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_activity_ts ON activity(ts)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *DB) Record(ctx context.Context, kind store.Kind, subject, detail string, ok bool) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity (kind, subject, detail, ok, ts)
		VALUES (?, ?, ?, ?, ?)
	`, string(kind), subject, detail, okInt, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *DB) Recent(ctx context.Context, limit int) ([]store.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, subject, detail, ok, ts
		  FROM activity
		 ORDER BY id DESC
		 LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.Entry
	for rows.Next() {
		var e store.Entry
		var okInt int
		var ts string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Subject, &e.Detail, &okInt, &ts); err != nil {
			return nil, err
		}
		e.OK = okInt != 0
		e.TS, _ = time.Parse(time.RFC3339, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *DB) Close() error { return s.db.Close() }
