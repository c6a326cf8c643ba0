package costguard

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore persists cost Records to SQLite/Postgres, reusing the same
// dual-dialect pattern as internal/requestlog.SQLWriter, and sweeps rows
// older than the most recent maxHistory to keep the table bounded the same
// way the in-memory Guard history is bounded.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteStore opens (or creates) a sqlite-backed cost record store.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "loom-costs.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cost store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens a postgres-backed cost record store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres cost store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "postgres"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s cost store: %w", s.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS cost_records (
	id INTEGER PRIMARY KEY,
	request_id TEXT,
	provider TEXT NOT NULL,
	model TEXT,
	cost REAL NOT NULL,
	tokens INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);`
	if s.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS cost_records (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT,
	provider TEXT NOT NULL,
	model TEXT,
	cost DOUBLE PRECISION NOT NULL,
	tokens INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize cost record schema: %w", err)
	}
	return nil
}

// Write inserts rec and sweeps the table down to the most recent
// maxHistory rows, bounding storage the same way Guard bounds its
// in-memory history.
func (s *SQLStore) Write(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	insert := `INSERT INTO cost_records(request_id, provider, model, cost, tokens, created_at) VALUES(?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		insert = `INSERT INTO cost_records(request_id, provider, model, cost, tokens, created_at) VALUES($1, $2, $3, $4, $5, $6)`
	}
	if _, err := s.db.Exec(insert, rec.RequestID, rec.Provider, rec.Model, rec.Cost, rec.Tokens, rec.Timestamp); err != nil {
		return fmt.Errorf("write cost record: %w", err)
	}

	sweep := `DELETE FROM cost_records WHERE id NOT IN (SELECT id FROM cost_records ORDER BY id DESC LIMIT ?)`
	if s.dialect == "postgres" {
		sweep = `DELETE FROM cost_records WHERE id NOT IN (SELECT id FROM cost_records ORDER BY id DESC LIMIT $1)`
	}
	if _, err := s.db.Exec(sweep, maxHistory); err != nil {
		return fmt.Errorf("sweep cost records: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
