package gateway

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// ErrIdempotencyMismatch is returned when an idempotency key is reused with a
// different request body.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// SQLiteStore persists idempotency keys and the request audit log.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the gateway database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            subject TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(subject, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL,
            subject TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            response_status INTEGER NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoredResponse is a cached response for a replayed idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response for (subject, key), nil when
// the key is unseen, or ErrIdempotencyMismatch when the body hash differs.
func (s *SQLiteStore) LookupIdempotency(ctx context.Context, subject, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE subject = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, subject, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// SaveIdempotency caches the response for (subject, key).
func (s *SQLiteStore) SaveIdempotency(ctx context.Context, subject, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(subject, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, subject, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry is one row of the request audit trail.
type AuditEntry struct {
	Subject        string
	Method         string
	Path           string
	ResponseStatus int
	Timestamp      time.Time
}

// InsertAuditLog appends one entry to the audit trail.
func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(subject, method, path, response_status, occurred_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.Subject, entry.Method, entry.Path, entry.ResponseStatus, entry.Timestamp)
	return err
}
