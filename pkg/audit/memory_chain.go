package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/trustplane/kernel/pkg/signer"
	"github.com/trustplane/kernel/pkg/signing"
)

// MemoryChain is an in-process Chain, useful for single-node deployments
// and tests. A single mutex serializes Append against the tail, matching
// the algorithm in spec.md §4.4: two Appends never interleave between
// reading the head and inserting the new row. Get, Head and VerifyChain
// take the same mutex while they read, so readers and writers briefly
// wait for each other.
type MemoryChain struct {
	provider signing.Provider
	verifier signing.Verifier
	registry *signer.Registry

	mu       sync.Mutex
	events   []*Event
	byHandle map[uint64]*Event

	notify func(*Event)
}

// NewMemoryChain constructs an empty chain backed by provider for signing
// and registry for signer lifecycle checks. verifier is stored but not
// consulted: VerifyChain checks each signature against the signer's key
// material in registry, so verifier may be nil.
func NewMemoryChain(provider signing.Provider, verifier signing.Verifier, registry *signer.Registry) *MemoryChain {
	return &MemoryChain{
		provider: provider,
		verifier: verifier,
		registry: registry,
		byHandle: make(map[uint64]*Event),
	}
}

// OnAppend registers a hook invoked synchronously after each successful
// Append, while the chain lock is held, the same shape as the teacher
// store's notification hook. Used to feed archival sinks.
func (c *MemoryChain) OnAppend(fn func(*Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

func (c *MemoryChain) Append(ctx context.Context, eventType string, payload any) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prevHash []byte
	nextSeq := uint64(1)
	if len(c.events) > 0 {
		head := c.events[len(c.events)-1]
		prevHash = head.Hash
		nextSeq = head.Seq + 1
	}

	event, err := appendCore(ctx, c.provider, c.registry, eventType, payload, prevHash, nextSeq)
	if err != nil {
		return nil, err
	}

	c.events = append(c.events, event)
	c.byHandle[event.Seq] = event
	if c.notify != nil {
		c.notify(event)
	}
	return event, nil
}

func (c *MemoryChain) Get(ctx context.Context, seq uint64) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byHandle[seq]
	if !ok {
		return nil, fmt.Errorf("audit: seq %d: %w", seq, ErrNotFound)
	}
	return e, nil
}

func (c *MemoryChain) Head(ctx context.Context) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil, ErrNotFound
	}
	return c.events[len(c.events)-1], nil
}

// VerifyChain walks the chain from genesis, recomputing each entry's
// digest and re-verifying its signature, per spec.md §4.4.
func (c *MemoryChain) VerifyChain(ctx context.Context) error {
	c.mu.Lock()
	events := make([]*Event, len(c.events))
	copy(events, c.events)
	c.mu.Unlock()

	var prevHash []byte
	seenGenesis := false
	for _, e := range events {
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
	return nil
}

// ErrNotFound indicates the requested seq has no entry in the chain.
var ErrNotFound = fmt.Errorf("audit: entry not found")
