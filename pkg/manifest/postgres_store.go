package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists manifests and approvals in PostgreSQL. Every
// multi-step operation runs inside a SERIALIZABLE transaction so
// concurrent approvals can never both observe a stale approval count,
// per spec.md §4.6 ("all transitions are atomic w.r.t. concurrent
// approvals"). Approval uniqueness (invariant I5) is additionally
// enforced by a UNIQUE(manifest_id, approver_id) constraint, so a
// duplicate insert fails fast even under SERIALIZABLE's optimistic
// retries.
//
// Schema:
//
//	CREATE TABLE manifests (
//		id                  TEXT PRIMARY KEY,
//		package_ref         TEXT NOT NULL,
//		impact              TEXT NOT NULL,
//		preconditions       JSONB NOT NULL,
//		status              TEXT NOT NULL,
//		signature_id        TEXT,
//		manifest_hash       TEXT,
//		multisig_threshold  INT NOT NULL DEFAULT 0,
//		created_at          TIMESTAMPTZ NOT NULL,
//		updated_at          TIMESTAMPTZ NOT NULL,
//		applied_at          TIMESTAMPTZ
//	);
//	CREATE TABLE manifest_approvals (
//		id           TEXT PRIMARY KEY,
//		manifest_id  TEXT NOT NULL REFERENCES manifests(id),
//		approver_id  TEXT NOT NULL,
//		decision     TEXT NOT NULL,
//		signature    BYTEA NOT NULL,
//		notes        TEXT,
//		created_at   TIMESTAMPTZ NOT NULL,
//		UNIQUE (manifest_id, approver_id)
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a Store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) withSerializableTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("manifest: begin serializable tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Create(ctx context.Context, m *Manifest) error {
	preconditions, err := json.Marshal(m.Preconditions)
	if err != nil {
		return fmt.Errorf("manifest: marshal preconditions: %w", err)
	}
	now := time.Now().UTC()

	return s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO manifests (id, package_ref, impact, preconditions, status, multisig_threshold, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			m.ID, m.PackageRef, string(m.Impact), preconditions, string(StatusDraft), m.MultisigThreshold, now)
		return err
	})
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Manifest, error) {
	m, err := s.loadManifest(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	approvals, err := s.loadApprovals(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	m.Approvals = approvals
	return m, nil
}

func (s *PostgresStore) SubmitForSigning(ctx context.Context, id, signatureID, manifestHash string) (*Manifest, error) {
	var result *Manifest
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		m, err := s.loadManifest(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := transition(m, "submit_for_signing"); err != nil {
			return err
		}
		m.SignatureID = signatureID
		m.ManifestHash = manifestHash
		m.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE manifests SET status = $2, signature_id = $3, manifest_hash = $4, updated_at = $5 WHERE id = $1`,
			id, string(m.Status), m.SignatureID, m.ManifestHash, m.UpdatedAt)
		if err != nil {
			return err
		}
		result = m
		return nil
	})
	return result, err
}

func (s *PostgresStore) RequestMultisig(ctx context.Context, id string, threshold int) (*Manifest, error) {
	var result *Manifest
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		m, err := s.loadManifest(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := transition(m, "request_multisig"); err != nil {
			return err
		}
		m.MultisigThreshold = threshold
		m.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE manifests SET status = $2, multisig_threshold = $3, updated_at = $4 WHERE id = $1`,
			id, string(m.Status), threshold, m.UpdatedAt)
		if err != nil {
			return err
		}
		result = m
		return nil
	})
	return result, err
}

func (s *PostgresStore) RecordApproval(ctx context.Context, a Approval) (*Manifest, bool, error) {
	var result *Manifest
	var duplicate bool

	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		m, err := s.loadManifest(ctx, tx, a.ManifestID)
		if err != nil {
			return err
		}
		approvals, err := s.loadApprovals(ctx, tx, a.ManifestID)
		if err != nil {
			return err
		}
		m.Approvals = approvals

		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO manifest_approvals (id, manifest_id, approver_id, decision, signature, notes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ID, a.ManifestID, a.ApproverID, string(a.Decision), a.Signature, a.Notes, a.CreatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				duplicate = true
				result = m
				return nil
			}
			return err
		}
		m.Approvals = append(m.Approvals, a)

		if a.Decision == DecisionRejected {
			if err := transition(m, "reject"); err != nil {
				return err
			}
		} else {
			count := approvedCount(m.Approvals)
			op := "approve_partial"
			if count >= m.MultisigThreshold {
				op = "approve_complete"
			}
			if err := transition(m, op); err != nil {
				return err
			}
		}
		m.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `UPDATE manifests SET status = $2, updated_at = $3 WHERE id = $1`,
			a.ManifestID, string(m.Status), m.UpdatedAt)
		if err != nil {
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, duplicate, nil
}

func (s *PostgresStore) Apply(ctx context.Context, id string) (*Manifest, bool, error) {
	var result *Manifest
	var alreadyApplied bool

	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		m, err := s.loadManifest(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.Status == StatusApplied {
			alreadyApplied = true
			result = m
			return nil
		}

		op := "apply_after_multisig"
		if m.Status == StatusSigned && m.MultisigThreshold == 0 {
			op = "apply_no_multisig"
		}
		if err := transition(m, op); err != nil {
			return err
		}
		now := time.Now().UTC()
		m.AppliedAt = &now
		m.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `UPDATE manifests SET status = $2, applied_at = $3, updated_at = $3 WHERE id = $1`,
			id, string(m.Status), now)
		if err != nil {
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, alreadyApplied, nil
}

func (s *PostgresStore) Reject(ctx context.Context, id string) (*Manifest, error) {
	var result *Manifest
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		m, err := s.loadManifest(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := transition(m, "reject"); err != nil {
			return err
		}
		m.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `UPDATE manifests SET status = $2, updated_at = $3 WHERE id = $1`,
			id, string(m.Status), m.UpdatedAt)
		if err != nil {
			return err
		}
		result = m
		return nil
	})
	return result, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) loadManifest(ctx context.Context, q queryRower, id string) (*Manifest, error) {
	var m Manifest
	var impact, status string
	var preconditions []byte
	var signatureID, manifestHash sql.NullString
	var appliedAt sql.NullTime

	row := q.QueryRowContext(ctx, `
		SELECT id, package_ref, impact, preconditions, status, signature_id, manifest_hash, multisig_threshold, created_at, updated_at, applied_at
		FROM manifests WHERE id = $1`, id)
	err := row.Scan(&m.ID, &m.PackageRef, &impact, &preconditions, &status, &signatureID, &manifestHash, &m.MultisigThreshold, &m.CreatedAt, &m.UpdatedAt, &appliedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("manifest: %s not found", id)
		}
		return nil, fmt.Errorf("manifest: load %s: %w", id, err)
	}

	m.Impact = Impact(impact)
	m.Status = Status(status)
	m.SignatureID = signatureID.String
	m.ManifestHash = manifestHash.String
	if appliedAt.Valid {
		m.AppliedAt = &appliedAt.Time
	}
	if err := json.Unmarshal(preconditions, &m.Preconditions); err != nil {
		return nil, fmt.Errorf("manifest: unmarshal preconditions: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) loadApprovals(ctx context.Context, q queryRower, manifestID string) ([]Approval, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, manifest_id, approver_id, decision, signature, notes, created_at
		FROM manifest_approvals WHERE manifest_id = $1 ORDER BY created_at ASC`, manifestID)
	if err != nil {
		return nil, fmt.Errorf("manifest: load approvals for %s: %w", manifestID, err)
	}
	defer rows.Close()

	var approvals []Approval
	for rows.Next() {
		var a Approval
		var decision string
		var notes sql.NullString
		if err := rows.Scan(&a.ID, &a.ManifestID, &a.ApproverID, &decision, &a.Signature, &notes, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("manifest: scan approval: %w", err)
		}
		a.Decision = Decision(decision)
		a.Notes = notes.String
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}
