// Package signing implements the Signing Provider: the pluggable component
// that turns a canonicalized payload into a Signature bound to a registered
// signer kid, via a local key, an HTTPS/mTLS proxy, or a cloud KMS.
package signing

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Purpose tags the kind of material being signed, per the contract in
// spec.md §4.3. Providers may use it for routing or audit context; it does
// not change the signing algorithm.
type Purpose string

const (
	PurposeManifest Purpose = "manifest"
	PurposeAudit    Purpose = "audit"
	PurposeApproval Purpose = "approval"
	PurposeLicense  Purpose = "license"
)

// Sentinel errors surfaced by every Provider implementation. When an audit
// append's signature fails, pkg/audit maps ErrSignerUnavailable, ErrRemote
// and ErrTimeout onto the retryable kernelerr.KindSignerUnavailable; any
// other signing error there becomes kernelerr.KindInternal.
var (
	ErrSignerUnavailable = errors.New("signing: signer unavailable")
	ErrSignerRetired     = errors.New("signing: signer retired")
	ErrTimeout           = errors.New("signing: timeout")
	ErrRemote            = errors.New("signing: remote error")
)

// Request is the input to Sign: an already-canonicalized byte string (or,
// for digest-mode callers such as the audit chain, a precomputed SHA-256
// digest) plus a purpose tag.
type Request struct {
	// Exactly one of Payload or DigestHex is set. DigestHex is 64 lowercase
	// hex characters; it is used by callers (the audit chain) that have
	// already computed SHA-256(C(payload) || prev_hash).
	Payload   []byte
	DigestHex string
	Purpose   Purpose
}

// Signature is the output of Sign: bound to exactly one payload via KID +
// Algorithm + the signature bytes. It carries no meaning independent of
// the payload it was produced for.
type Signature struct {
	KID       string
	Algorithm string
	Sig       []byte
	Timestamp time.Time
}

// Provider produces signatures under a single registered signer identity
// (or, for Proxy/KMS, a small pool the remote/cloud side manages). Sign is
// the complete contract: pkg/signer.Registry handles kid lookup and
// verification independently, using the public key published at
// registration time.
type Provider interface {
	Sign(ctx context.Context, req Request) (*Signature, error)
}

// Verifier is implemented by providers that can also verify signatures
// they produced without delegating to pkg/signer.Registry (used by tests
// and by the Local provider's own round-trip checks).
type Verifier interface {
	Verify(ctx context.Context, req Request, sig *Signature) (bool, error)
}

// withRetry runs fn once, and on an error wrapping ErrRemote retries
// exactly once after a jittered backoff of up to 250ms, per spec.md §4.3
// ("On transient RemoteError the provider retries once with jittered
// backoff (≤250 ms)").
func withRetry(ctx context.Context, fn func(ctx context.Context) (*Signature, error)) (*Signature, error) {
	sig, err := fn(ctx)
	if err == nil || !errors.Is(err, ErrRemote) {
		return sig, err
	}

	jitter := time.Duration(rand.Intn(250)) * time.Millisecond
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return fn(ctx)
}
