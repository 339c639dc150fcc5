package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustplane/kernel/pkg/policy"
)

func TestCELGate_AllowsWhenPolicyPasses(t *testing.T) {
	gate, err := policy.NewCELGate()
	require.NoError(t, err)
	require.NoError(t, gate.LoadPolicy("low-impact-auto-apply", `context["impact"] != "CRITICAL"`))

	decision, err := gate.Decide(context.Background(), "apply", "alice", "manifest:m-1", map[string]any{"impact": "LOW"})
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestCELGate_DeniesWithPolicyID(t *testing.T) {
	gate, err := policy.NewCELGate()
	require.NoError(t, err)
	require.NoError(t, gate.LoadPolicy("no-critical-auto-apply", `context["impact"] != "CRITICAL"`))

	decision, err := gate.Decide(context.Background(), "apply", "alice", "manifest:m-1", map[string]any{"impact": "CRITICAL"})
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, "no-critical-auto-apply", decision.PolicyID)
}

func TestCELGate_CompileErrorFailsLoad(t *testing.T) {
	gate, err := policy.NewCELGate()
	require.NoError(t, err)

	err = gate.LoadPolicy("broken", `this is not valid cel (((`)
	assert.Error(t, err)
}

func TestAllowAll_AlwaysAllows(t *testing.T) {
	gate := policy.AllowAll{}
	decision, err := gate.Decide(context.Background(), "apply", "alice", "manifest:m-1", nil)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}
