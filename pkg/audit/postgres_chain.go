package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/trustplane/kernel/pkg/signer"
	"github.com/trustplane/kernel/pkg/signing"
)

// PostgresChain persists the chain to Postgres. It serializes Append using
// `SELECT ... FOR UPDATE` against a dedicated tail-tracking row, per
// spec.md §5's strategy (b), instead of locking the whole table: the
// FOR UPDATE row lock is held for the duration of the transaction, so a
// second concurrent Append blocks until the first commits or rolls back.
//
// Schema (created out of band by migrations, documented here for
// reference):
//
//	CREATE TABLE audit_chain_tail (
//		id         INT PRIMARY KEY DEFAULT 1,
//		head_seq   BIGINT NOT NULL DEFAULT 0,
//		head_hash  BYTEA
//	);
//	INSERT INTO audit_chain_tail (id, head_seq, head_hash) VALUES (1, 0, NULL)
//		ON CONFLICT (id) DO NOTHING;
//
//	CREATE TABLE audit_events (
//		seq        BIGINT PRIMARY KEY,
//		event_type TEXT NOT NULL,
//		payload    JSONB NOT NULL,
//		prev_hash  BYTEA,
//		hash       BYTEA NOT NULL,
//		signature  BYTEA NOT NULL,
//		signer_kid TEXT NOT NULL,
//		created_at TIMESTAMPTZ NOT NULL
//	);
type PostgresChain struct {
	db       *sql.DB
	provider signing.Provider
	verifier signing.Verifier
	registry *signer.Registry
}

// NewPostgresChain constructs a chain backed by db, which must already
// have the audit_chain_tail seed row inserted.
func NewPostgresChain(db *sql.DB, provider signing.Provider, verifier signing.Verifier, registry *signer.Registry) *PostgresChain {
	return &PostgresChain{db: db, provider: provider, verifier: verifier, registry: registry}
}

func (c *PostgresChain) Append(ctx context.Context, eventType string, payload any) (*Event, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: begin tx: %w", err)
	}
	defer tx.Rollback()

	var headSeq uint64
	var headHash []byte
	row := tx.QueryRowContext(ctx, `SELECT head_seq, head_hash FROM audit_chain_tail WHERE id = 1 FOR UPDATE`)
	if err := row.Scan(&headSeq, &headHash); err != nil {
		return nil, fmt.Errorf("audit: lock tail: %w", err)
	}

	event, err := appendCore(ctx, c.provider, c.registry, eventType, payload, headHash, headSeq+1)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (seq, event_type, payload, prev_hash, hash, signature, signer_kid, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.Seq, event.EventType, []byte(event.Payload), event.PrevHash, event.Hash, event.Signature, event.SignerKID, event.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: insert event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE audit_chain_tail SET head_seq = $1, head_hash = $2 WHERE id = 1`, event.Seq, event.Hash)
	if err != nil {
		return nil, fmt.Errorf("audit: advance tail: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit: commit: %w", err)
	}
	return event, nil
}

func (c *PostgresChain) Get(ctx context.Context, seq uint64) (*Event, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT seq, event_type, payload, prev_hash, hash, signature, signer_kid, created_at
		FROM audit_events WHERE seq = $1`, seq)
	return scanEvent(row)
}

func (c *PostgresChain) Head(ctx context.Context) (*Event, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT seq, event_type, payload, prev_hash, hash, signature, signer_kid, created_at
		FROM audit_events ORDER BY seq DESC LIMIT 1`)
	return scanEvent(row)
}

func (c *PostgresChain) VerifyChain(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT seq, event_type, payload, prev_hash, hash, signature, signer_kid, created_at
		FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var prevHash []byte
	seenGenesis := false
	for rows.Next() {
		e, err := scanRows(rows)
		if err != nil {
			return err
		}
		if len(e.PrevHash) == 0 {
			if seenGenesis {
				return &VerifyFailure{Seq: e.Seq, Reason: ReasonDuplicateGenesis}
			}
			seenGenesis = true
		}
		if err := verifyEvent(ctx, c.registry, e, prevHash); err != nil {
			return err
		}
		prevHash = e.Hash
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	var payload []byte
	var createdAt time.Time
	if err := row.Scan(&e.Seq, &e.EventType, &payload, &e.PrevHash, &e.Hash, &e.Signature, &e.SignerKID, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("audit: scan event: %w", err)
	}
	e.Payload = json.RawMessage(payload)
	e.CreatedAt = createdAt
	return &e, nil
}

func scanRows(rows *sql.Rows) (*Event, error) {
	return scanEvent(rows)
}
