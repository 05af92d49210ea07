package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" with database/sql
	_ "modernc.org/sqlite"             // pure Go sqlite, registers "sqlite"
)

// sqlStore keeps documents in a single table, one row per (collection, key).
// The same code serves SQLite and Postgres; only the schema, placeholder
// style and row locking differ.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (collection, key)
)`

const postgresSchema = `CREATE TABLE IF NOT EXISTS documents (
	collection TEXT  NOT NULL,
	key        TEXT  NOT NULL,
	data       JSONB NOT NULL,
	PRIMARY KEY (collection, key)
)`

// openSQLiteStore opens (or creates) a SQLite database file.
// ":memory:" or an empty path gives a throwaway in-memory database.
func openSQLiteStore(ctx context.Context, path string) (*sqlStore, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows one writer at a time, and every connection to ":memory:"
	// is its own database. A single connection handles both.
	db.SetMaxOpenConns(1)

	return initSQLStore(ctx, db, sqliteSchema, false)
}

// openPostgresStore connects through pgx's database/sql driver
func openPostgresStore(ctx context.Context, dsn string) (*sqlStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return initSQLStore(ctx, db, postgresSchema, true)
}

func initSQLStore(ctx context.Context, db *sql.DB, schema string, postgres bool) (*sqlStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	return &sqlStore{db: db, postgres: postgres}, nil
}

// rebind rewrites "?" placeholders to "$1, $2, ..." for Postgres
func (s *sqlStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) List(ctx context.Context, collection string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT key, data FROM documents WHERE collection = ? ORDER BY key`),
		collection)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.Key, &doc.Data); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func (s *sqlStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT data FROM documents WHERE collection = ? AND key = ?`),
		collection, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select document: %w", err)
	}
	return data, nil
}

// Set is an upsert; both SQLite (3.24+) and Postgres accept ON CONFLICT
func (s *sqlStore) Set(ctx context.Context, collection, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO documents (collection, key, data) VALUES (?, ?, ?)
		ON CONFLICT (collection, key) DO UPDATE SET data = excluded.data`),
		collection, key, string(data))
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, collection, key string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM documents WHERE collection = ? AND key = ?`),
		collection, key)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Update reads and writes inside one transaction. An existing row is locked
// (FOR UPDATE on Postgres; SQLite has a single connection). A missing row
// cannot be locked, so the insert uses ON CONFLICT DO NOTHING and a zero
// row count means another writer created it first: roll back and retry.
func (s *sqlStore) Update(ctx context.Context, collection, key string, fn UpdateFunc) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		retry, err := s.updateOnce(ctx, collection, key, fn)
		if err != nil || !retry {
			return err
		}
		if err := conflictBackoff(ctx, attempt); err != nil {
			return err
		}
	}
	return errUpdateContention
}

func (s *sqlStore) updateOnce(ctx context.Context, collection, key string, fn UpdateFunc) (retry bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil || retry {
			_ = tx.Rollback()
		}
	}()

	query := `SELECT data FROM documents WHERE collection = ? AND key = ?`
	if s.postgres {
		query += ` FOR UPDATE`
	}
	var current []byte
	err = tx.QueryRowContext(ctx, s.rebind(query), collection, key).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = nil
	case err != nil:
		return false, fmt.Errorf("select document: %w", err)
	}

	next, err := fn(current)
	if err != nil {
		return false, err
	}

	switch {
	case next == nil && current == nil:
		// nothing to do
	case next == nil:
		if _, err = tx.ExecContext(ctx,
			s.rebind(`DELETE FROM documents WHERE collection = ? AND key = ?`),
			collection, key); err != nil {
			return false, fmt.Errorf("delete document: %w", err)
		}
	case current == nil:
		res, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO documents (collection, key, data) VALUES (?, ?, ?)
			ON CONFLICT (collection, key) DO NOTHING`),
			collection, key, string(next))
		if err != nil {
			return false, fmt.Errorf("insert document: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("insert document: %w", err)
		}
		if n == 0 {
			return true, nil
		}
	default:
		if _, err = tx.ExecContext(ctx,
			s.rebind(`UPDATE documents SET data = ? WHERE collection = ? AND key = ?`),
			string(next), collection, key); err != nil {
			return false, fmt.Errorf("update document: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return false, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
