// Package audit implements the Audit Chain: an append-only, linearly
// hash-chained, digitally signed log of governance events. Every entry's
// hash commits to its canonicalized payload and the previous entry's hash,
// so any tamper or reordering is detectable by recomputing the chain.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trustplane/kernel/pkg/canonicalize"
	"github.com/trustplane/kernel/pkg/kernelerr"
	"github.com/trustplane/kernel/pkg/signer"
	"github.com/trustplane/kernel/pkg/signing"
)

// Event is one entry in the chain: (seq, event_type, payload, prev_hash,
// hash, signature, signer_kid, created_at) per spec.md §3.
type Event struct {
	Seq       uint64          `json:"seq"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  []byte          `json:"prev_hash"` // nil for the genesis event
	Hash      []byte          `json:"hash"`
	Signature []byte          `json:"signature"`
	SignerKID string          `json:"signer_kid"`
	CreatedAt time.Time       `json:"created_at"`
}

// FailureReason enumerates the ways VerifyChain can detect a broken chain.
type FailureReason string

const (
	ReasonHashMismatch     FailureReason = "hash_mismatch"
	ReasonPrevLinkBroken   FailureReason = "prev_link_broken"
	ReasonSignatureInvalid FailureReason = "signature_invalid"
	ReasonSignerUnknown    FailureReason = "signer_unknown"
	ReasonDuplicateGenesis FailureReason = "duplicate_genesis"
)

// VerifyFailure reports where and why chain verification failed.
type VerifyFailure struct {
	Seq    uint64
	Reason FailureReason
}

func (f *VerifyFailure) Error() string {
	return fmt.Sprintf("audit: chain verification failed at seq %d: %s", f.Seq, f.Reason)
}

// ErrChainBusy is returned when the backpressure limiter rejects an
// append because appends exceed its rate and burst.
var ErrChainBusy = errors.New("audit: chain is busy, retry later")

// Chain is the append-only hash chain contract. Implementations serialize
// Append against concurrent writers: PostgresChain and SQLiteChain lock a
// dedicated tail row (spec.md §5's strategy (b)), MemoryChain holds a
// process-local mutex.
type Chain interface {
	Append(ctx context.Context, eventType string, payload any) (*Event, error)
	Get(ctx context.Context, seq uint64) (*Event, error)
	Head(ctx context.Context) (*Event, error)
	VerifyChain(ctx context.Context) error
}

// appendCore implements the algorithm from spec.md §4.4, shared by every
// storage backend: it only needs a way to read the current tail and a way
// to persist the new row; the hashing/signing logic is identical.
func appendCore(ctx context.Context, provider signing.Provider, registry *signer.Registry, eventType string, payload any, prevHash []byte, nextSeq uint64) (*Event, error) {
	canonicalPayload, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindValidation, "audit: canonicalize payload", err)
	}

	digest := computeDigest(canonicalPayload, prevHash)

	sig, err := provider.Sign(ctx, signing.Request{DigestHex: hex.EncodeToString(digest), Purpose: signing.PurposeAudit})
	if err != nil {
		if errors.Is(err, signing.ErrSignerUnavailable) || errors.Is(err, signing.ErrRemote) || errors.Is(err, signing.ErrTimeout) {
			return nil, kernelerr.Wrap(kernelerr.KindSignerUnavailable, "audit: signing provider unavailable", err)
		}
		return nil, kernelerr.Wrap(kernelerr.KindInternal, "audit: sign digest", err)
	}

	if registry != nil {
		if _, err := registry.ResolveActive(ctx, sig.KID); err != nil {
			return nil, kernelerr.Wrap(kernelerr.KindConflict, "audit: signer retired", err)
		}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindValidation, "audit: marshal payload", err)
	}

	return &Event{
		Seq:       nextSeq,
		EventType: eventType,
		Payload:   payloadJSON,
		PrevHash:  prevHash,
		Hash:      digest,
		Signature: sig.Sig,
		SignerKID: sig.KID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// computeDigest implements hash = SHA-256(C(payload) || prev_hash_bytes),
// with prev_hash_bytes empty for the genesis event.
func computeDigest(canonicalPayload, prevHash []byte) []byte {
	data := make([]byte, 0, len(canonicalPayload)+len(prevHash))
	data = append(data, canonicalPayload...)
	data = append(data, prevHash...)
	sum := canonicalize.HashBytes(data)
	// HashBytes returns "sha256:<hex>"; the chain stores raw digest bytes.
	raw, _ := hex.DecodeString(sum[len("sha256:"):])
	return raw
}

// verifyEvent recomputes an event's hash from its stored payload and
// prev_hash, resolves e.SignerKID against registry, and verifies the
// signature against that kid's own published public key material — per
// spec.md §4.4 ("verify stored signature_n... using the signer_kid_n's
// public key from §4.2"), not against whichever provider happens to be
// live. A retired kid is still resolvable here (Resolve, not
// ResolveActive) so historical events remain verifiable across rotation.
func verifyEvent(ctx context.Context, registry *signer.Registry, e *Event, expectedPrevHash []byte) error {
	var payload any
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return &VerifyFailure{Seq: e.Seq, Reason: ReasonHashMismatch}
	}
	canonicalPayload, err := canonicalize.JCS(payload)
	if err != nil {
		return &VerifyFailure{Seq: e.Seq, Reason: ReasonHashMismatch}
	}

	computed := computeDigest(canonicalPayload, e.PrevHash)
	if hex.EncodeToString(computed) != hex.EncodeToString(e.Hash) {
		return &VerifyFailure{Seq: e.Seq, Reason: ReasonHashMismatch}
	}

	if hex.EncodeToString(e.PrevHash) != hex.EncodeToString(expectedPrevHash) {
		return &VerifyFailure{Seq: e.Seq, Reason: ReasonPrevLinkBroken}
	}

	if registry != nil {
		rec, err := registry.Resolve(ctx, e.SignerKID)
		if err != nil {
			return &VerifyFailure{Seq: e.Seq, Reason: ReasonSignerUnknown}
		}
		ok, err := signer.VerifySignature(rec, e.Hash, e.Signature)
		if err != nil {
			return &VerifyFailure{Seq: e.Seq, Reason: ReasonSignerUnknown}
		}
		if !ok {
			return &VerifyFailure{Seq: e.Seq, Reason: ReasonSignatureInvalid}
		}
	}

	return nil
}
