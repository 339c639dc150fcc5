// Package api is the kernel's minimal net/http surface over the
// Governance Coordinator: not a requirement of the design, but one
// concrete transport that makes the trust kernel runnable end to end.
package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/trustplane/kernel/pkg/audit"
	"github.com/trustplane/kernel/pkg/authn"
	"github.com/trustplane/kernel/pkg/governance"
	"github.com/trustplane/kernel/pkg/kernelerr"
	"github.com/trustplane/kernel/pkg/manifest"
)

// Handler wires the Governance Coordinator and Audit Chain into HTTP
// endpoints. It holds no state of its own beyond those two references.
type Handler struct {
	Coordinator *governance.Coordinator
	Chain       audit.Chain
}

// NewHandler constructs a Handler over coord and chain.
func NewHandler(coord *governance.Coordinator, chain audit.Chain) *Handler {
	return &Handler{Coordinator: coord, Chain: chain}
}

type submitBody struct {
	ManifestID        string         `json:"manifest_id"`
	PackageRef        string         `json:"package_ref"`
	Impact            string         `json:"impact"`
	Preconditions     map[string]any `json:"preconditions"`
	MultisigThreshold int            `json:"multisig_threshold,omitempty"`
}

type manifestResponse struct {
	ManifestID  string `json:"manifest_id"`
	Status      string `json:"status"`
	SignatureID string `json:"signature_id,omitempty"`
}

func toManifestResponse(m *manifest.Manifest) manifestResponse {
	return manifestResponse{ManifestID: m.ID, Status: string(m.Status), SignatureID: m.SignatureID}
}

// HandleSubmit handles POST /v1/manifests. A manifest freshly submitted
// returns 201; a replayed idempotency key returns 200 with the identical
// body, per spec.md §8 scenario 2.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindValidation, "method not allowed"))
		return
	}

	principal, err := authn.FromContext(r.Context())
	if err != nil {
		kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindUnauthenticated, "authentication required"))
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindValidation, "missing Idempotency-Key header"))
		return
	}

	var body submitBody
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindValidation, "invalid request body"))
		return
	}

	req := governance.SubmitRequest{
		ManifestID:        body.ManifestID,
		PackageRef:        body.PackageRef,
		Impact:            manifest.Impact(body.Impact),
		Preconditions:     body.Preconditions,
		MultisigThreshold: body.MultisigThreshold,
	}

	existing, getErr := h.Coordinator.Manifests.Get(r.Context(), body.ManifestID)
	status := http.StatusCreated
	if getErr == nil && existing != nil {
		status = http.StatusOK
	}

	m, err := h.Coordinator.Submit(r.Context(), req, idempotencyKey, principal.ID)
	if err != nil {
		kernelerr.WriteHTTP(w, r, err)
		return
	}

	writeJSON(w, status, toManifestResponse(m))
}

// HandleRequestMultisig handles POST /v1/manifests/{id}/multisig.
func (h *Handler) HandleRequestMultisig(w http.ResponseWriter, r *http.Request, manifestID string) {
	if r.Method != http.MethodPost {
		kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindValidation, "method not allowed"))
		return
	}

	var body struct {
		Threshold int `json:"threshold"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindValidation, "invalid request body"))
		return
	}

	m, err := h.Coordinator.RequestMultisig(r.Context(), manifestID, body.Threshold)
	if err != nil {
		kernelerr.WriteHTTP(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toManifestResponse(m))
}

type approveBody struct {
	ApproverID   string `json:"approver_id"`
	Decision     string `json:"decision"`
	SignatureB64 string `json:"signature_b64"`
	Notes        string `json:"notes,omitempty"`
}

// HandleApprove handles POST /v1/manifests/{id}/approve. A duplicate
// approval from the same approver_id is swallowed by the Coordinator and
// still answers 200, per spec.md §8 scenario 4.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request, manifestID string) {
	if r.Method != http.MethodPost {
		kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindValidation, "method not allowed"))
		return
	}

	var body approveBody
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindValidation, "invalid request body"))
		return
	}

	sig, err := base64.StdEncoding.DecodeString(body.SignatureB64)
	if err != nil {
		kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindValidation, "signature_b64 is not valid base64"))
		return
	}

	m, err := h.Coordinator.Approve(r.Context(), governance.ApproveRequest{
		ManifestID: manifestID,
		ApproverID: body.ApproverID,
		Decision:   manifest.Decision(body.Decision),
		Signature:  sig,
		Notes:      body.Notes,
	})
	if err != nil {
		kernelerr.WriteHTTP(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toManifestResponse(m))
}

// HandleApply handles POST /v1/manifests/{id}/apply.
func (h *Handler) HandleApply(w http.ResponseWriter, r *http.Request, manifestID string) {
	if r.Method != http.MethodPost {
		kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindValidation, "method not allowed"))
		return
	}

	principal, err := authn.FromContext(r.Context())
	actor := "unknown"
	if err == nil {
		actor = principal.ID
	}

	m, err := h.Coordinator.Apply(r.Context(), manifestID, actor)
	if err != nil {
		kernelerr.WriteHTTP(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toManifestResponse(m))
}

// HandleGetManifest handles GET /v1/manifests/{id}.
func (h *Handler) HandleGetManifest(w http.ResponseWriter, r *http.Request, manifestID string) {
	if r.Method != http.MethodGet {
		kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindValidation, "method not allowed"))
		return
	}

	m, err := h.Coordinator.Manifests.Get(r.Context(), manifestID)
	if err != nil {
		kernelerr.WriteHTTP(w, r, kernelerr.Wrap(kernelerr.KindNotFound, "manifest not found", err))
		return
	}

	writeJSON(w, http.StatusOK, m)
}

// HandleVerifyChain handles GET /v1/audit/verify, exposing P2/P3 as a
// runnable endpoint: it returns 200 when the chain verifies end to end
// and a ChainIntegrityError otherwise.
func (h *Handler) HandleVerifyChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindValidation, "method not allowed"))
		return
	}

	if err := h.Chain.VerifyChain(r.Context()); err != nil {
		kernelerr.WriteHTTP(w, r, kernelerr.Wrap(kernelerr.KindChainIntegrity, "chain verification failed", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

// HandleHealthz answers the liveness probe Middleware always admits.
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
