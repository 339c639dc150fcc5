// Package manifest implements the Manifest Store and its governance state
// machine: a manifest moves from draft through signing and multi-approver
// review to application, per spec.md §4.6.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Status is a manifest's position in the governance state machine.
type Status string

const (
	StatusDraft            Status = "draft"
	StatusSigned           Status = "signed"
	StatusAwaitingMultisig Status = "awaiting_multisig"
	StatusMultisigPartial  Status = "multisig_partial"
	StatusMultisigComplete Status = "multisig_complete"
	StatusApplied          Status = "applied"
	StatusRejected         Status = "rejected"
)

// Impact is the blast-radius classification of a manifest's change,
// which selects the JSON Schema its preconditions must satisfy.
type Impact string

const (
	ImpactLow      Impact = "LOW"
	ImpactMedium   Impact = "MEDIUM"
	ImpactHigh     Impact = "HIGH"
	ImpactCritical Impact = "CRITICAL"
)

// Manifest is the governed unit: {id, package_ref, impact, preconditions,
// status, signature_id?, multisig_threshold, approvals[], created_at,
// updated_at, applied_at?} per spec.md §3.
type Manifest struct {
	ID                string
	PackageRef        string
	Impact            Impact
	Preconditions     map[string]any
	Status            Status
	SignatureID       string
	ManifestHash      string
	MultisigThreshold int
	Approvals         []Approval
	CreatedAt         time.Time
	UpdatedAt         time.Time
	AppliedAt         *time.Time
}

// Decision is an approver's verdict on a manifest.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Approval is one approver's recorded decision, unique per
// (manifest_id, approver_id) — invariant I5.
type Approval struct {
	ID         string
	ManifestID string
	ApproverID string
	Decision   Decision
	Signature  []byte
	Notes      string
	CreatedAt  time.Time
}

// ErrInvalidTransition reports an attempt to move a manifest along an edge
// the state machine in spec.md §4.6 does not allow.
type ErrInvalidTransition struct {
	From Status
	Op   string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("manifest: invalid transition %q from state %q", e.Op, e.From)
}

// ErrDuplicateApproval indicates a second approval from an approver who
// already recorded a decision for this manifest (invariant I5); callers
// treat this as a no-op, not a failure, per spec.md §4.6.
var ErrDuplicateApproval = fmt.Errorf("manifest: approver already recorded a decision")

// Store persists manifests and approvals and enforces the state machine
// atomically with respect to concurrent approvals (a SERIALIZABLE
// transaction, or the in-memory equivalent of one).
type Store interface {
	Create(ctx context.Context, m *Manifest) error
	Get(ctx context.Context, id string) (*Manifest, error)
	SubmitForSigning(ctx context.Context, id, signatureID, manifestHash string) (*Manifest, error)
	RequestMultisig(ctx context.Context, id string, threshold int) (*Manifest, error)
	RecordApproval(ctx context.Context, a Approval) (*Manifest, bool, error)
	Apply(ctx context.Context, id string) (*Manifest, bool, error)
	Reject(ctx context.Context, id string) (*Manifest, error)
}

// transition validates and applies an in-memory state change, shared by
// every Store implementation so the edge set lives in exactly one place.
func transition(m *Manifest, op string) error {
	switch op {
	case "submit_for_signing":
		if m.Status != StatusDraft {
			return &ErrInvalidTransition{From: m.Status, Op: op}
		}
		m.Status = StatusSigned
	case "request_multisig":
		if m.Status != StatusSigned {
			return &ErrInvalidTransition{From: m.Status, Op: op}
		}
		m.Status = StatusAwaitingMultisig
	case "apply_no_multisig":
		if m.Status != StatusSigned || m.MultisigThreshold != 0 {
			return &ErrInvalidTransition{From: m.Status, Op: op}
		}
		m.Status = StatusApplied
	case "apply_after_multisig":
		if m.Status != StatusMultisigComplete {
			return &ErrInvalidTransition{From: m.Status, Op: op}
		}
		m.Status = StatusApplied
	case "approve_partial":
		if m.Status != StatusAwaitingMultisig && m.Status != StatusMultisigPartial {
			return &ErrInvalidTransition{From: m.Status, Op: op}
		}
		m.Status = StatusMultisigPartial
	case "approve_complete":
		if m.Status != StatusAwaitingMultisig && m.Status != StatusMultisigPartial {
			return &ErrInvalidTransition{From: m.Status, Op: op}
		}
		m.Status = StatusMultisigComplete
	case "reject":
		if m.Status == StatusApplied || m.Status == StatusRejected {
			return &ErrInvalidTransition{From: m.Status, Op: op}
		}
		m.Status = StatusRejected
	default:
		return fmt.Errorf("manifest: unknown transition %q", op)
	}
	return nil
}

// approvedCount returns the number of distinct approvers whose decision
// is DecisionApproved, per spec.md §4.6 ("counted by distinct approver_id
// whose decision=approved").
func approvedCount(approvals []Approval) int {
	seen := make(map[string]bool, len(approvals))
	count := 0
	for _, a := range approvals {
		if a.Decision == DecisionApproved && !seen[a.ApproverID] {
			seen[a.ApproverID] = true
			count++
		}
	}
	return count
}

// ValidatePackageRef requires ref to be a valid semantic version, per
// SPEC_FULL.md's package_ref precondition.
func ValidatePackageRef(ref string) (*semver.Version, error) {
	v, err := semver.NewVersion(ref)
	if err != nil {
		return nil, fmt.Errorf("manifest: package_ref %q is not a valid semantic version: %w", ref, err)
	}
	return v, nil
}

// PreconditionSchemas maps an Impact level to the compiled JSON Schema its
// preconditions object must satisfy. Higher-impact manifests are expected
// to require richer preconditions (e.g. CRITICAL may mandate a rollback
// plan and a change ticket reference); the schemas themselves are
// operator-supplied configuration, not hardcoded here.
type PreconditionSchemas map[Impact]*jsonschema.Schema

// ValidatePreconditions checks preconditions against the schema
// registered for impact, if one is configured. An impact level with no
// registered schema is permissive (preconditions pass unchecked).
func (s PreconditionSchemas) ValidatePreconditions(impact Impact, preconditions map[string]any) error {
	schema, ok := s[impact]
	if !ok || schema == nil {
		return nil
	}
	if err := schema.Validate(preconditions); err != nil {
		return fmt.Errorf("manifest: preconditions failed schema for impact %s: %w", impact, err)
	}
	return nil
}

// CompilePreconditionSchema compiles a JSON Schema document (already
// decoded into a Go value, e.g. via encoding/json.Unmarshal) for use with
// PreconditionSchemas.
func CompilePreconditionSchema(name string, schemaDoc any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal schema document: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("manifest: add schema resource: %w", err)
	}
	return compiler.Compile(name)
}
