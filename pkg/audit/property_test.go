//go:build property
// +build property

package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/trustplane/kernel/pkg/audit"
	"github.com/trustplane/kernel/pkg/signer"
	"github.com/trustplane/kernel/pkg/signing"
)

func newRegisteredEd25519(t *testing.T, kid string) (*signing.LocalProvider, *signer.Registry) {
	t.Helper()
	provider, pub, err := signing.GenerateLocalEd25519(kid)
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	store := signer.NewMemoryStore()
	registry := signer.NewRegistry(store, 0)
	err = registry.Register(context.Background(), &signer.Record{
		KID:       kid,
		Algorithm: signer.AlgEd25519,
		PublicKey: pub,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("register signer: %v", err)
	}
	return provider, registry
}

// TestChainIntegrity exercises P2: any sequence of appends to a
// MemoryChain produces a chain that VerifyChain accepts, and mutating a
// single stored event's payload after the fact is always caught.
func TestChainIntegrity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a chain built purely from Append always verifies", prop.ForAll(
		func(messages []string) bool {
			provider, registry := newRegisteredEd25519(t, "kid-chain-prop")
			chain := audit.NewMemoryChain(provider, provider, registry)

			for i, m := range messages {
				if _, err := chain.Append(context.Background(), "test.event", map[string]any{"i": i, "m": m}); err != nil {
					return false
				}
			}
			return chain.VerifyChain(context.Background()) == nil
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("tampering with a signed event's hash breaks verification", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			provider, registry := newRegisteredEd25519(t, "kid-chain-tamper")
			chain := audit.NewMemoryChain(provider, provider, registry)

			e1, err := chain.Append(context.Background(), "test.event", map[string]any{"v": a})
			if err != nil {
				return false
			}
			if _, err := chain.Append(context.Background(), "test.event", map[string]any{"v": b}); err != nil {
				return false
			}

			e1.Hash[0] ^= 0xFF
			return chain.VerifyChain(context.Background()) != nil
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
