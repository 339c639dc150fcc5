// Package governance implements the Governance Coordinator: the single
// orchestrator that drives a manifest through submit → sign → multisig →
// apply while emitting the matching audit trail, per spec.md §4.7. No
// other component calls more than one of the Idempotency Store, Manifest
// Store, Signing Provider, Signer Registry, Audit Chain, and Policy Gate
// in the same request — that sequencing lives here, and only here.
package governance

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/trustplane/kernel/pkg/audit"
	"github.com/trustplane/kernel/pkg/canonicalize"
	"github.com/trustplane/kernel/pkg/idempotency"
	"github.com/trustplane/kernel/pkg/kernelerr"
	"github.com/trustplane/kernel/pkg/manifest"
	"github.com/trustplane/kernel/pkg/policy"
	"github.com/trustplane/kernel/pkg/signer"
	"github.com/trustplane/kernel/pkg/signing"
	"github.com/trustplane/kernel/pkg/telemetry"
)

// SubmitRequest is the Coordinator's input for a new manifest submission.
type SubmitRequest struct {
	ManifestID        string
	PackageRef        string
	Impact            manifest.Impact
	Preconditions     map[string]any
	MultisigThreshold int
}

// Coordinator wires together every other component to implement the
// submit/request_multisig/approve/apply lifecycle.
type Coordinator struct {
	Idempotency idempotency.Store
	Manifests   manifest.Store
	Provider    signing.Provider
	Registry    *signer.Registry
	Chain       audit.Chain
	Gate        policy.Gate
	Schemas     manifest.PreconditionSchemas
	Telemetry   *telemetry.Provider
}

// New constructs a Coordinator. gate may be nil, in which case apply
// always proceeds (spec.md §4.8 describes the gate as optional); tel may
// be nil, in which case operations run without tracing/metrics.
func New(idem idempotency.Store, manifests manifest.Store, provider signing.Provider, registry *signer.Registry, chain audit.Chain, gate policy.Gate, schemas manifest.PreconditionSchemas, tel *telemetry.Provider) *Coordinator {
	if gate == nil {
		gate = policy.AllowAll{}
	}
	return &Coordinator{
		Idempotency: idem,
		Manifests:   manifests,
		Provider:    provider,
		Registry:    registry,
		Chain:       chain,
		Gate:        gate,
		Schemas:     schemas,
		Telemetry:   tel,
	}
}

// submittedEnvelope is the JSON shape persisted as the idempotency
// response snapshot, and replayed verbatim to a retrying caller.
type submittedEnvelope struct {
	ManifestID  string `json:"manifest_id"`
	Status      string `json:"status"`
	SignatureID string `json:"signature_id"`
}

// manifestSigningView is the canonicalized payload a manifest is signed
// over — stable regardless of later mutation of approvals/status.
type manifestSigningView struct {
	ID            string         `json:"id"`
	PackageRef    string         `json:"package_ref"`
	Impact        string         `json:"impact"`
	Preconditions map[string]any `json:"preconditions"`
}

func signingViewOf(m *manifest.Manifest) manifestSigningView {
	return manifestSigningView{ID: m.ID, PackageRef: m.PackageRef, Impact: string(m.Impact), Preconditions: m.Preconditions}
}

// Submit accepts a new manifest submission: reserve the idempotency key,
// persist a draft, sign it, transition to signed, and append the matching
// audit trail. A retry under the same (key, principal) replays the first
// call's response without re-signing or re-appending, per spec.md P6.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest, idempotencyKey, principal string) (*manifest.Manifest, error) {
	ctx, done := c.track(ctx, "manifest.submit", req.ManifestID)
	var err error
	defer func() { done(err) }()

	var reserve idempotency.ReserveResult
	reserve, err = c.Idempotency.Reserve(ctx, idempotencyKey, principal)
	if err != nil {
		err = kernelerr.Wrap(kernelerr.KindConflict, "governance: reserve idempotency key", err)
		return nil, err
	}

	switch reserve.Status {
	case idempotency.StatusPending:
		err = kernelerr.New(kernelerr.KindConflict, "governance: submission with this idempotency key is already in flight")
		return nil, err
	case idempotency.StatusFinalized:
		var env submittedEnvelope
		if jsonErr := json.Unmarshal(reserve.Record.ResponseSnapshot, &env); jsonErr != nil {
			err = kernelerr.Wrap(kernelerr.KindInternal, "governance: decode replayed submission", jsonErr)
			return nil, err
		}
		var m *manifest.Manifest
		m, err = c.Manifests.Get(ctx, env.ManifestID)
		if err != nil {
			err = kernelerr.Wrap(kernelerr.KindInternal, "governance: load replayed manifest", err)
			return nil, err
		}
		return m, nil
	}

	if _, verr := manifest.ValidatePackageRef(req.PackageRef); verr != nil {
		err = kernelerr.Wrap(kernelerr.KindValidation, "governance: invalid package_ref", verr)
		return nil, err
	}
	if verr := c.Schemas.ValidatePreconditions(req.Impact, req.Preconditions); verr != nil {
		err = kernelerr.Wrap(kernelerr.KindValidation, "governance: invalid preconditions", verr)
		return nil, err
	}

	now := time.Now().UTC()
	m := &manifest.Manifest{
		ID:                req.ManifestID,
		PackageRef:        req.PackageRef,
		Impact:            req.Impact,
		Preconditions:     req.Preconditions,
		Status:            manifest.StatusDraft,
		MultisigThreshold: req.MultisigThreshold,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err = c.Manifests.Create(ctx, m); err != nil {
		err = kernelerr.Wrap(kernelerr.KindInternal, "governance: persist draft manifest", err)
		return nil, err
	}

	if _, err = c.Chain.Append(ctx, "manifest.submitted", map[string]any{
		"manifest_id": m.ID,
		"package_ref": m.PackageRef,
		"impact":      string(m.Impact),
	}); err != nil {
		err = classifyErr(err)
		return nil, err
	}

	canonicalPayload, cerr := canonicalize.JCS(signingViewOf(m))
	if cerr != nil {
		err = kernelerr.Wrap(kernelerr.KindValidation, "governance: canonicalize manifest", cerr)
		return nil, err
	}

	sig, serr := c.Provider.Sign(ctx, signing.Request{Payload: canonicalPayload, Purpose: signing.PurposeManifest})
	if serr != nil {
		err = classifyErr(serr)
		return nil, err
	}

	if c.Registry != nil {
		if _, rerr := c.Registry.ResolveActive(ctx, sig.KID); rerr != nil {
			err = kernelerr.Wrap(kernelerr.KindConflict, "governance: signer is not active", rerr)
			return nil, err
		}
	}

	signatureID := "sig-" + uuid.New().String()
	manifestHash := canonicalize.HashBytes(canonicalPayload)

	m, err = c.Manifests.SubmitForSigning(ctx, m.ID, signatureID, manifestHash)
	if err != nil {
		err = kernelerr.Wrap(kernelerr.KindInternal, "governance: transition to signed", err)
		return nil, err
	}

	if _, err = c.Chain.Append(ctx, "manifest.signed", map[string]any{
		"manifest_id":  m.ID,
		"signer_kid":   sig.KID,
		"signature_id": signatureID,
	}); err != nil {
		err = classifyErr(err)
		return nil, err
	}

	env := submittedEnvelope{ManifestID: m.ID, Status: string(m.Status), SignatureID: signatureID}
	snapshot, _ := json.Marshal(env)
	if ferr := c.Idempotency.Finalize(ctx, idempotencyKey, 201, snapshot); ferr != nil {
		err = kernelerr.Wrap(kernelerr.KindInternal, "governance: finalize idempotency record", ferr)
		return nil, err
	}

	return m, nil
}

// RequestMultisig moves a signed manifest into awaiting_multisig with the
// given approval threshold, per spec.md §4.7 step 2.
func (c *Coordinator) RequestMultisig(ctx context.Context, manifestID string, threshold int) (*manifest.Manifest, error) {
	ctx, done := c.track(ctx, "manifest.request_multisig", manifestID)
	var err error
	defer func() { done(err) }()

	var m *manifest.Manifest
	m, err = c.Manifests.RequestMultisig(ctx, manifestID, threshold)
	if err != nil {
		err = kernelerr.Wrap(kernelerr.KindConflict, "governance: request multisig", err)
		return nil, err
	}

	if _, aerr := c.Chain.Append(ctx, "manifest.multisig_requested", map[string]any{
		"manifest_id": m.ID,
		"threshold":   threshold,
	}); aerr != nil {
		err = classifyErr(aerr)
		return nil, err
	}
	return m, nil
}

// ApproveRequest is the Coordinator's input for recording one approver's
// decision.
type ApproveRequest struct {
	ManifestID string
	ApproverID string
	Decision   manifest.Decision
	Signature  []byte
	Notes      string
}

// approvalSigningView is the canonicalized payload an approver signs,
// per spec.md §4.7 step 3: C({manifest_id, manifest_hash, approver_id,
// decision, notes?}).
type approvalSigningView struct {
	ManifestID   string `json:"manifest_id"`
	ManifestHash string `json:"manifest_hash"`
	ApproverID   string `json:"approver_id"`
	Decision     string `json:"decision"`
	Notes        string `json:"notes,omitempty"`
}

// Approve verifies an approver's signature, records the decision, and
// advances the state machine if the approval threshold is now met. A
// repeated approval from the same approver is swallowed as success
// (invariant I5; spec.md §7's ConflictError-recovery rule).
func (c *Coordinator) Approve(ctx context.Context, req ApproveRequest) (*manifest.Manifest, error) {
	ctx, done := c.track(ctx, "manifest.approve", req.ManifestID)
	var err error
	defer func() { done(err) }()

	var m *manifest.Manifest
	m, err = c.Manifests.Get(ctx, req.ManifestID)
	if err != nil {
		err = kernelerr.Wrap(kernelerr.KindNotFound, "governance: load manifest", err)
		return nil, err
	}

	var rec *signer.Record
	rec, err = c.Registry.Resolve(ctx, req.ApproverID)
	if err != nil {
		err = kernelerr.Wrap(kernelerr.KindForbidden, "governance: resolve approver identity", err)
		return nil, err
	}

	view := approvalSigningView{
		ManifestID:   m.ID,
		ManifestHash: m.ManifestHash,
		ApproverID:   req.ApproverID,
		Decision:     string(req.Decision),
		Notes:        req.Notes,
	}
	canonicalPayload, cerr := canonicalize.JCS(view)
	if cerr != nil {
		err = kernelerr.Wrap(kernelerr.KindValidation, "governance: canonicalize approval", cerr)
		return nil, err
	}
	digest := sha256.Sum256(canonicalPayload)

	ok, verr := signer.VerifySignature(rec, digest[:], req.Signature)
	if verr != nil {
		err = kernelerr.Wrap(kernelerr.KindValidation, "governance: verify approver signature", verr)
		return nil, err
	}
	if !ok {
		err = kernelerr.New(kernelerr.KindValidation, "governance: approver signature does not verify")
		return nil, err
	}

	approval := manifest.Approval{
		ID:         uuid.New().String(),
		ManifestID: m.ID,
		ApproverID: req.ApproverID,
		Decision:   req.Decision,
		Signature:  req.Signature,
		Notes:      req.Notes,
		CreatedAt:  time.Now().UTC(),
	}

	var duplicate bool
	m, duplicate, err = c.Manifests.RecordApproval(ctx, approval)
	if err != nil {
		err = kernelerr.Wrap(kernelerr.KindConflict, "governance: record approval", err)
		return nil, err
	}
	if duplicate {
		// ConflictError caused by duplicate approval is recovered as
		// success, per spec.md §7.
		return m, nil
	}

	if req.Decision == manifest.DecisionRejected {
		// RecordApproval already transitioned the manifest to rejected.
		if _, aerr := c.Chain.Append(ctx, "manifest.rejected", map[string]any{
			"manifest_id": m.ID,
			"approver_id": req.ApproverID,
		}); aerr != nil {
			err = classifyErr(aerr)
			return nil, err
		}
		return m, nil
	}

	if _, aerr := c.Chain.Append(ctx, "manifest.approval.recorded", map[string]any{
		"manifest_id": m.ID,
		"approver_id": req.ApproverID,
	}); aerr != nil {
		err = classifyErr(aerr)
		return nil, err
	}

	if m.Status == manifest.StatusMultisigComplete {
		if _, aerr := c.Chain.Append(ctx, "manifest.multisig_complete", map[string]any{
			"manifest_id": m.ID,
		}); aerr != nil {
			err = classifyErr(aerr)
			return nil, err
		}
	}

	return m, nil
}

// Apply consults the policy gate (if configured) and, on allow,
// transitions the manifest to applied and emits the closing audit event.
// A deny short-circuits and emits manifest.blocked without advancing
// state, per spec.md §4.8.
func (c *Coordinator) Apply(ctx context.Context, manifestID, actor string) (*manifest.Manifest, error) {
	ctx, done := c.track(ctx, "manifest.apply", manifestID)
	var err error
	defer func() { done(err) }()

	var m *manifest.Manifest
	m, err = c.Manifests.Get(ctx, manifestID)
	if err != nil {
		err = kernelerr.Wrap(kernelerr.KindNotFound, "governance: load manifest", err)
		return nil, err
	}

	decision, derr := c.Gate.Decide(ctx, "apply", actor, "manifest:"+manifestID, map[string]any{
		"impact": string(m.Impact),
	})
	if derr != nil {
		err = kernelerr.Wrap(kernelerr.KindInternal, "governance: evaluate policy gate", derr)
		return nil, err
	}
	if !decision.Allow {
		if _, aerr := c.Chain.Append(ctx, "manifest.blocked", map[string]any{
			"manifest_id": m.ID,
			"policy_id":   decision.PolicyID,
			"reason":      decision.Reason,
		}); aerr != nil {
			err = classifyErr(aerr)
			return nil, err
		}
		err = kernelerr.PolicyDenied(decision.PolicyID, decision.Reason)
		return nil, err
	}

	var alreadyApplied bool
	m, alreadyApplied, err = c.Manifests.Apply(ctx, manifestID)
	if err != nil {
		err = kernelerr.Wrap(kernelerr.KindConflict, "governance: apply manifest", err)
		return nil, err
	}
	if alreadyApplied {
		return m, nil
	}

	if _, aerr := c.Chain.Append(ctx, "manifest.applied", map[string]any{
		"manifest_id": m.ID,
	}); aerr != nil {
		err = classifyErr(aerr)
		return nil, err
	}
	return m, nil
}

// classifyErr maps a lower-level error onto the kernelerr kind the
// Coordinator's caller (pkg/api) uses to decide retryability.
func classifyErr(err error) error {
	var kerr *kernelerr.Error
	if kernelerr.As(err, &kerr) {
		return kerr
	}
	return kernelerr.Wrap(kernelerr.KindInternal, "governance: downstream call failed", err)
}
