package idempotency

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore provides durable idempotency enforcement backed by
// PostgreSQL, surviving process restarts. It upserts atomically via
// ON CONFLICT so two concurrent Reserve calls racing for the same key
// never both observe StatusNew.
//
// Schema:
//
//	CREATE TABLE idempotency_keys (
//		key               TEXT PRIMARY KEY,
//		principal_id      TEXT NOT NULL,
//		finalized         BOOLEAN NOT NULL DEFAULT FALSE,
//		status_code       INT,
//		response_snapshot BYTEA,
//		created_at        TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresStore constructs a Store backed by db. A zero ttl uses
// DefaultTTL.
func NewPostgresStore(db *sql.DB, ttl time.Duration) *PostgresStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PostgresStore{db: db, ttl: ttl}
}

func (s *PostgresStore) Reserve(ctx context.Context, key, principalID string) (ReserveResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReserveResult{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, principal_id, finalized, created_at)
		VALUES ($1, $2, FALSE, NOW())
		ON CONFLICT (key) DO NOTHING`, key, principalID)
	if err != nil {
		return ReserveResult{}, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return ReserveResult{}, err
	}

	var rec Record
	var createdAt time.Time
	row := tx.QueryRowContext(ctx, `
		SELECT principal_id, finalized, status_code, response_snapshot, created_at
		FROM idempotency_keys WHERE key = $1 FOR UPDATE`, key)
	var statusCode sql.NullInt64
	var snapshot []byte
	if err := row.Scan(&rec.PrincipalID, &rec.Finalized, &statusCode, &snapshot, &createdAt); err != nil {
		return ReserveResult{}, err
	}
	rec.Key = key
	rec.CreatedAt = createdAt
	rec.StatusCode = int(statusCode.Int64)
	rec.ResponseSnapshot = snapshot

	if err := tx.Commit(); err != nil {
		return ReserveResult{}, err
	}

	if inserted == 1 {
		return ReserveResult{Status: StatusNew, Record: &rec}, nil
	}
	if time.Since(createdAt) >= s.ttl {
		return s.reinsertExpired(ctx, key, principalID)
	}

	if rec.PrincipalID != principalID {
		return ReserveResult{}, ErrConflict
	}
	if rec.Finalized {
		return ReserveResult{Status: StatusFinalized, Record: &rec}, nil
	}
	return ReserveResult{Status: StatusPending, Record: &rec}, nil
}

// reinsertExpired replaces an expired record with a fresh reservation for
// principalID, treating it as if the key had never been used.
func (s *PostgresStore) reinsertExpired(ctx context.Context, key, principalID string) (ReserveResult, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET principal_id = $2, finalized = FALSE, status_code = NULL, response_snapshot = NULL, created_at = NOW()
		WHERE key = $1`, key, principalID)
	if err != nil {
		return ReserveResult{}, err
	}
	return ReserveResult{Status: StatusNew, Record: &Record{Key: key, PrincipalID: principalID, CreatedAt: time.Now().UTC()}}, nil
}

func (s *PostgresStore) Finalize(ctx context.Context, key string, statusCode int, response []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET finalized = TRUE, status_code = $2, response_snapshot = $3 WHERE key = $1`,
		key, statusCode, response)
	return err
}
