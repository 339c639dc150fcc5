package canonicalize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustplane/kernel/pkg/canonicalize"
)

func TestJCS_KeyOrderingIsDeterministic(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": 3}
	b := map[string]any{"c": 3, "a": 2, "b": 1}

	outA, err := canonicalize.JCSString(a)
	require.NoError(t, err)
	outB, err := canonicalize.JCSString(b)
	require.NoError(t, err)

	assert.Equal(t, outA, outB)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, outA)
}

func TestJCS_NFCNormalizesEquivalentStrings(t *testing.T) {
	// "é" as a single codepoint vs. "e" + combining acute accent.
	precomposed := map[string]any{"name": "café"}
	decomposed := map[string]any{"name": "café"}

	outA, err := canonicalize.JCSString(precomposed)
	require.NoError(t, err)
	outB, err := canonicalize.JCSString(decomposed)
	require.NoError(t, err)

	assert.Equal(t, outA, outB)
}

func TestJCS_StructAndMapCanonicalizeIdentically(t *testing.T) {
	type payload struct {
		Action string `json:"action"`
		Count  int    `json:"count"`
	}

	s := payload{Action: "deploy", Count: 2}
	m := map[string]any{"action": "deploy", "count": 2}

	outS, err := canonicalize.JCSString(s)
	require.NoError(t, err)
	outM, err := canonicalize.JCSString(m)
	require.NoError(t, err)

	assert.Equal(t, outS, outM)
}

func TestHash_IsDeterministic(t *testing.T) {
	v := map[string]any{"x": 1, "y": []any{1, 2, 3}}

	h1, err := canonicalize.Hash(v)
	require.NoError(t, err)
	h2, err := canonicalize.Hash(v)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Contains(t, h1, "sha256:")
}

func TestJCS_RejectsUnmarshalable(t *testing.T) {
	_, err := canonicalize.JCS(make(chan int))
	assert.Error(t, err)
}
