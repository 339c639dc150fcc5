package signer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	// lib/pq registers the "postgres" driver used by database/sql.Open.
	_ "github.com/lib/pq"
)

// PostgresStore persists signer records in a `signer_records` table:
//
//	CREATE TABLE signer_records (
//	    kid         TEXT PRIMARY KEY,
//	    algorithm   TEXT NOT NULL,
//	    public_key  BYTEA NOT NULL,
//	    status      TEXT NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    retired_at  TIMESTAMPTZ
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-open *sql.DB (driver "postgres").
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, kid string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT kid, algorithm, public_key, status, created_at, retired_at
		FROM signer_records WHERE kid = $1`, kid)

	var rec Record
	var retiredAt sql.NullTime
	if err := row.Scan(&rec.KID, &rec.Algorithm, &rec.PublicKey, &rec.Status, &rec.CreatedAt, &retiredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("signer: postgres get: %w", err)
	}
	if retiredAt.Valid {
		rec.RetiredAt = retiredAt.Time
	}
	return &rec, nil
}

func (p *PostgresStore) Put(ctx context.Context, rec *Record) error {
	var retiredAt any
	if !rec.RetiredAt.IsZero() {
		retiredAt = rec.RetiredAt
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO signer_records (kid, algorithm, public_key, status, created_at, retired_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kid) DO UPDATE SET
			algorithm = EXCLUDED.algorithm,
			public_key = EXCLUDED.public_key,
			status = EXCLUDED.status,
			retired_at = EXCLUDED.retired_at
	`, rec.KID, rec.Algorithm, rec.PublicKey, rec.Status, rec.CreatedAt, retiredAt)
	if err != nil {
		return fmt.Errorf("signer: postgres put: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT kid, algorithm, public_key, status, created_at, retired_at
		FROM signer_records ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("signer: postgres list: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		var retiredAt sql.NullTime
		if err := rows.Scan(&rec.KID, &rec.Algorithm, &rec.PublicKey, &rec.Status, &rec.CreatedAt, &retiredAt); err != nil {
			return nil, fmt.Errorf("signer: postgres list scan: %w", err)
		}
		if retiredAt.Valid {
			rec.RetiredAt = retiredAt.Time
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
