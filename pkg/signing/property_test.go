//go:build property
// +build property

package signing_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/trustplane/kernel/pkg/signing"
)

// TestRoundTripSigning exercises P5: verify(sign(p), p) is true for every
// registered signer, and verify(sign(p), p') is false for p != p'.
func TestRoundTripSigning(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	provider, _, err := signing.GenerateLocalEd25519("kid-prop")
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}

	properties.Property("signature verifies against its own payload", prop.ForAll(
		func(payload string) bool {
			req := signing.Request{Payload: []byte(payload)}
			sig, err := provider.Sign(context.Background(), req)
			if err != nil {
				return false
			}
			ok, err := provider.Verify(context.Background(), req, sig)
			return err == nil && ok
		},
		gen.AlphaString(),
	))

	properties.Property("signature does not verify against a different payload", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			reqA := signing.Request{Payload: []byte(a)}
			reqB := signing.Request{Payload: []byte(b)}
			sig, err := provider.Sign(context.Background(), reqA)
			if err != nil {
				return false
			}
			ok, err := provider.Verify(context.Background(), reqB, sig)
			return err == nil && !ok
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
