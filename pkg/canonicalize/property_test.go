//go:build property
// +build property

package canonicalize_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/trustplane/kernel/pkg/canonicalize"
)

// TestCanonicalDeterminism exercises P1: canonicalizing the same logical
// document twice, built from keys/values in different map insertion
// orders, always yields identical bytes.
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("JCS output is independent of map insertion order", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			reversed := make(map[string]any)
			for i := n - 1; i >= 0; i-- {
				if keys[i] != "" {
					reversed[keys[i]] = obj[keys[i]]
				}
			}
			out1, err1 := canonicalize.JCSString(obj)
			out2, err2 := canonicalize.JCSString(reversed)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return out1 == out2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("Hash is a pure function of canonical bytes", prop.ForAll(
		func(a, b string, n int) bool {
			v := map[string]any{"a": a, "b": b, "n": n}
			h1, err1 := canonicalize.Hash(v)
			h2, err2 := canonicalize.Hash(v)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(-1000, 1000),
	))

	properties.TestingRun(t)
}
