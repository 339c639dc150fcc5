// Package idempotency implements the Idempotency Store: dedupe
// at-most-once submissions by key+principal, per spec.md §4.5.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is the minimum retention window spec.md §3 requires
// ("sufficient to cover client retry windows", min 24h).
const DefaultTTL = 24 * time.Hour

// ErrConflict is returned by Reserve when key was first used by a
// different principal, per invariant I7.
var ErrConflict = errors.New("idempotency: key already reserved by a different principal")

// Status distinguishes a fresh reservation from one that is still in
// flight or already finalized.
type Status string

const (
	// StatusNew means this call just acquired the reservation; the
	// caller must proceed to do the work and call Finalize.
	StatusNew Status = "new"
	// StatusPending means another call by the same principal reserved
	// the key and has not finalized yet; the caller must await or retry.
	StatusPending Status = "pending"
	// StatusFinalized means a prior call by the same principal already
	// completed; Record carries the snapshot to replay.
	StatusFinalized Status = "finalized"
)

// Record is the durable representation of one idempotency key, matching
// spec.md §3's IdempotencyRecord: {key, principal_id, status_code,
// response_snapshot, created_at}.
type Record struct {
	Key              string
	PrincipalID      string
	Finalized        bool
	StatusCode       int
	ResponseSnapshot []byte
	CreatedAt        time.Time
}

// ReserveResult is returned by Reserve.
type ReserveResult struct {
	Status Status
	Record *Record
}

// Store is the Idempotency Store contract. Reserve implements
// first-reserve-wins: the first caller to present key records its
// principal; a later caller with a different principal for the same key
// fails with ErrConflict (I7); a later caller with the same principal
// either observes StatusPending (work still in flight) or StatusFinalized
// (replay the recorded response) — the caller never needs to redo the
// work or produce a second observable side effect for the same key.
type Store interface {
	Reserve(ctx context.Context, key, principalID string) (ReserveResult, error)
	Finalize(ctx context.Context, key string, statusCode int, response []byte) error
}
