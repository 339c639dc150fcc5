// Package signer implements the Signer Registry: the authoritative mapping
// from a key identifier (kid) to the public key material and lifecycle
// state needed to verify a signature produced under that kid.
package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Status is the lifecycle state of a registered signer identity.
type Status string

const (
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

// Algorithm identifies the signing algorithm a Record's key material uses.
type Algorithm string

const (
	AlgEd25519   Algorithm = "ed25519"
	AlgRSAPSS    Algorithm = "rsa-pss-sha256"
	AlgECDSAP256 Algorithm = "ecdsa-p256-sha256"
	AlgHMACSHA256 Algorithm = "hmac-sha256"
)

// ErrNotFound indicates the kid has no registered record.
var ErrNotFound = errors.New("signer: kid not found")

// ErrRetired indicates the kid is known but no longer accepts new signatures.
// A retired key is still resolvable for verification of historical
// signatures; only Registry.ResolveActive enforces this error.
var ErrRetired = errors.New("signer: kid is retired")

// Record is the durable representation of one signer identity.
type Record struct {
	KID       string    `json:"kid"`
	Algorithm Algorithm `json:"algorithm"`
	PublicKey []byte    `json:"public_key"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	RetiredAt time.Time `json:"retired_at,omitempty"`
}

// Store is the durable backing for signer records. Implementations never
// delete a record on retirement — kids are retired, not removed, so that
// audit entries signed under a retired kid remain verifiable forever.
type Store interface {
	Get(ctx context.Context, kid string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	List(ctx context.Context) ([]*Record, error)
}

type cacheEntry struct {
	rec       *Record
	expiresAt time.Time
}

// AuditSink is the minimal audit-append capability Registry needs to emit
// signer.registered/signer.retired events (spec.md §4.2, §4.4). It is a
// callback rather than an audit.Chain reference because pkg/audit already
// imports pkg/signer (to resolve signer_kid against this registry while
// verifying a chain); importing pkg/audit back here would create an import
// cycle. Wire it with SetAuditSink once both the registry and the chain
// exist, e.g.:
//
//	registry.SetAuditSink(func(ctx context.Context, eventType string, payload any) error {
//		_, err := chain.Append(ctx, eventType, payload)
//		return err
//	})
type AuditSink func(ctx context.Context, eventType string, payload any) error

// Registry resolves kids to Records, fronting a Store with a short-TTL
// in-memory cache so hot-path signature verification does not round-trip
// to the store on every call. register/retire invalidate the local entry
// immediately; a verify-time cache miss or expiry always re-reads the
// Store, so a Registry replica never serves a key past its actual
// lifecycle for longer than the cache TTL.
type Registry struct {
	store Store
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry

	auditMu sync.RWMutex
	audit   AuditSink
}

// NewRegistry constructs a Registry over store with the given cache TTL.
// A zero ttl disables caching (every Resolve hits the store).
func NewRegistry(store Store, ttl time.Duration) *Registry {
	return &Registry{
		store: store,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// SetAuditSink wires the callback Register/Retire use to emit their audit
// events. Safe to leave unset — emission is then skipped, which existing
// callers that construct a Registry ahead of their Chain rely on during
// that brief bootstrap window.
func (r *Registry) SetAuditSink(sink AuditSink) {
	r.auditMu.Lock()
	defer r.auditMu.Unlock()
	r.audit = sink
}

func (r *Registry) emit(ctx context.Context, eventType string, payload any) {
	r.auditMu.RLock()
	sink := r.audit
	r.auditMu.RUnlock()
	if sink == nil {
		return
	}
	if err := sink(ctx, eventType, payload); err != nil {
		slog.Error("signer: audit emission failed", "event_type", eventType, "error", err)
	}
}

// Register adds or replaces the active record for kid.
func (r *Registry) Register(ctx context.Context, rec *Record) error {
	if rec.KID == "" {
		return fmt.Errorf("signer: register: kid is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("signer: register %s: %w", rec.KID, err)
	}
	r.invalidate(rec.KID)
	r.emit(ctx, "signer.registered", map[string]any{
		"kid":       rec.KID,
		"algorithm": rec.Algorithm,
		"status":    rec.Status,
	})
	return nil
}

// Retire marks kid as no longer eligible to sign new material. Historical
// signatures under kid remain verifiable.
func (r *Registry) Retire(ctx context.Context, kid string) error {
	rec, err := r.store.Get(ctx, kid)
	if err != nil {
		return fmt.Errorf("signer: retire %s: %w", kid, err)
	}
	rec.Status = StatusRetired
	rec.RetiredAt = time.Now().UTC()
	if err := r.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("signer: retire %s: %w", kid, err)
	}
	r.invalidate(kid)
	r.emit(ctx, "signer.retired", map[string]any{
		"kid":        rec.KID,
		"algorithm":  rec.Algorithm,
		"retired_at": rec.RetiredAt,
	})
	return nil
}

// Resolve returns the Record for kid, regardless of lifecycle state.
func (r *Registry) Resolve(ctx context.Context, kid string) (*Record, error) {
	if rec, ok := r.lookupCache(kid); ok {
		return rec, nil
	}

	rec, err := r.store.Get(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("signer: resolve %s: %w", kid, err)
	}
	r.storeCache(kid, rec)
	return rec, nil
}

// ResolveActive resolves kid and fails with ErrRetired if it is not active.
// Callers that are about to produce a new signature use this; verifiers
// of historical material use Resolve instead.
func (r *Registry) ResolveActive(ctx context.Context, kid string) (*Record, error) {
	rec, err := r.Resolve(ctx, kid)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrRetired, kid)
	}
	return rec, nil
}

func (r *Registry) lookupCache(kid string) (*Record, bool) {
	if r.ttl <= 0 {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[kid]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.rec, true
}

func (r *Registry) storeCache(kid string, rec *Record) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[kid] = cacheEntry{rec: rec, expiresAt: time.Now().Add(r.ttl)}
}

func (r *Registry) invalidate(kid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, kid)
}
