package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trustplane/kernel/pkg/signer"
	"github.com/trustplane/kernel/pkg/signing"
)

// SQLiteChain persists the chain to an embedded SQLite database, for
// single-node or edge deployments that want a durable chain without
// standing up Postgres. SQLite has no row-level locking, so it cannot
// use PostgresChain's `SELECT ... FOR UPDATE` strategy; instead each
// Append opens a `BEGIN IMMEDIATE` transaction, which takes SQLite's
// RESERVED lock up front, and a second concurrent Append blocks waiting
// for the chain's single connection rather than race past a stale read of
// the tail, achieving the
// same serialization spec.md §5 strategy (b) asks for.
//
// Schema (created out of band by migrations, documented here for
// reference):
//
//	CREATE TABLE audit_chain_tail (
//		id        INTEGER PRIMARY KEY CHECK (id = 1),
//		head_seq  INTEGER NOT NULL DEFAULT 0,
//		head_hash BLOB
//	);
//	INSERT OR IGNORE INTO audit_chain_tail (id, head_seq, head_hash) VALUES (1, 0, NULL);
//
//	CREATE TABLE audit_events (
//		seq        INTEGER PRIMARY KEY,
//		event_type TEXT NOT NULL,
//		payload    TEXT NOT NULL,
//		prev_hash  BLOB,
//		hash       BLOB NOT NULL,
//		signature  BLOB NOT NULL,
//		signer_kid TEXT NOT NULL,
//		created_at TEXT NOT NULL
//	);
type SQLiteChain struct {
	db       *sql.DB
	provider signing.Provider
	verifier signing.Verifier
	registry *signer.Registry
}

// NewSQLiteChain constructs a chain backed by db, which must already have
// the audit_chain_tail seed row inserted and must have been opened with
// driver "sqlite" (modernc.org/sqlite) against a single file, since the
// BEGIN IMMEDIATE serialization strategy assumes one writer process.
func NewSQLiteChain(db *sql.DB, provider signing.Provider, verifier signing.Verifier, registry *signer.Registry) *SQLiteChain {
	db.SetMaxOpenConns(1)
	return &SQLiteChain{db: db, provider: provider, verifier: verifier, registry: registry}
}

// EnsureSchema creates the chain's tables and seeds the tail row if they
// don't already exist. Unlike PostgresChain — a multi-node deployment
// expected to run real migrations — the SQLite backend is the no-ops
// embedded option, so the chain provisions its own single-file schema.
func (c *SQLiteChain) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_chain_tail (
			id        INTEGER PRIMARY KEY CHECK (id = 1),
			head_seq  INTEGER NOT NULL DEFAULT 0,
			head_hash BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq        INTEGER PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload    TEXT NOT NULL,
			prev_hash  BLOB,
			hash       BLOB NOT NULL,
			signature  BLOB NOT NULL,
			signer_kid TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`INSERT OR IGNORE INTO audit_chain_tail (id, head_seq, head_hash) VALUES (1, 0, NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit: sqlite ensure schema: %w", err)
		}
	}
	return nil
}

// Append holds the chain's one connection (db.Conn) from BEGIN IMMEDIATE
// through COMMIT rather than going through a *sql.Tx: SetMaxOpenConns(1)
// pins the whole chain to one physical connection, so database/sql itself
// queues concurrent callers until Append releases it, and BEGIN IMMEDIATE
// below takes SQLite's RESERVED lock the instant this goroutine gets it —
// equivalent to PostgresChain's row lock, just at connection-pool
// granularity instead of row granularity.
func (c *SQLiteChain) Append(ctx context.Context, eventType string, payload any) (*Event, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return nil, fmt.Errorf("audit: acquire write lock: %w", err)
	}
	event, err := c.appendLocked(ctx, conn, eventType, payload)
	if err != nil {
		_, _ = conn.ExecContext(ctx, `ROLLBACK`)
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return nil, fmt.Errorf("audit: commit: %w", err)
	}
	return event, nil
}

func (c *SQLiteChain) appendLocked(ctx context.Context, conn *sql.Conn, eventType string, payload any) (*Event, error) {
	var headSeq uint64
	var headHash []byte
	row := conn.QueryRowContext(ctx, `SELECT head_seq, head_hash FROM audit_chain_tail WHERE id = 1`)
	if err := row.Scan(&headSeq, &headHash); err != nil {
		return nil, fmt.Errorf("audit: read tail: %w", err)
	}

	event, err := appendCore(ctx, c.provider, c.registry, eventType, payload, headHash, headSeq+1)
	if err != nil {
		return nil, err
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO audit_events (seq, event_type, payload, prev_hash, hash, signature, signer_kid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Seq, event.EventType, []byte(event.Payload), event.PrevHash, event.Hash, event.Signature, event.SignerKID, event.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: insert event: %w", err)
	}

	_, err = conn.ExecContext(ctx, `UPDATE audit_chain_tail SET head_seq = ?, head_hash = ? WHERE id = 1`, event.Seq, event.Hash)
	if err != nil {
		return nil, fmt.Errorf("audit: advance tail: %w", err)
	}
	return event, nil
}

func (c *SQLiteChain) Get(ctx context.Context, seq uint64) (*Event, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT seq, event_type, payload, prev_hash, hash, signature, signer_kid, created_at
		FROM audit_events WHERE seq = ?`, seq)
	return scanSQLiteEvent(row)
}

func (c *SQLiteChain) Head(ctx context.Context) (*Event, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT seq, event_type, payload, prev_hash, hash, signature, signer_kid, created_at
		FROM audit_events ORDER BY seq DESC LIMIT 1`)
	return scanSQLiteEvent(row)
}

func (c *SQLiteChain) VerifyChain(ctx context.Context) error {
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
		e, err := scanSQLiteRows(rows)
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

func scanSQLiteEvent(row rowScanner) (*Event, error) {
	var e Event
	var payload []byte
	var createdAt string
	if err := row.Scan(&e.Seq, &e.EventType, &payload, &e.PrevHash, &e.Hash, &e.Signature, &e.SignerKID, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("audit: scan event: %w", err)
	}
	e.Payload = json.RawMessage(payload)
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("audit: parse created_at: %w", err)
	}
	e.CreatedAt = ts
	return &e, nil
}

func scanSQLiteRows(rows *sql.Rows) (*Event, error) {
	return scanSQLiteEvent(rows)
}
