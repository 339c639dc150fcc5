package manifest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustplane/kernel/pkg/manifest"
)

func newDraft(t *testing.T, store *manifest.MemoryStore, id string, threshold int) {
	t.Helper()
	err := store.Create(context.Background(), &manifest.Manifest{
		ID:                id,
		PackageRef:        "1.2.3",
		Impact:            manifest.ImpactLow,
		MultisigThreshold: threshold,
	})
	require.NoError(t, err)
}

func TestMemoryStore_ApplyWithZeroThreshold(t *testing.T) {
	store := manifest.NewMemoryStore()
	newDraft(t, store, "m-1", 0)

	_, err := store.SubmitForSigning(context.Background(), "m-1", "sig-1", "hash-1")
	require.NoError(t, err)

	m, already, err := store.Apply(context.Background(), "m-1")
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, manifest.StatusApplied, m.Status)
}

func TestMemoryStore_Apply_IsIdempotent(t *testing.T) {
	store := manifest.NewMemoryStore()
	newDraft(t, store, "m-1", 0)
	_, err := store.SubmitForSigning(context.Background(), "m-1", "sig-1", "hash-1")
	require.NoError(t, err)
	_, _, err = store.Apply(context.Background(), "m-1")
	require.NoError(t, err)

	m, already, err := store.Apply(context.Background(), "m-1")
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, manifest.StatusApplied, m.Status)
}

func TestMemoryStore_MultisigThresholdReached(t *testing.T) {
	store := manifest.NewMemoryStore()
	newDraft(t, store, "m-1", 2)
	_, err := store.SubmitForSigning(context.Background(), "m-1", "sig-1", "hash-1")
	require.NoError(t, err)
	_, err = store.RequestMultisig(context.Background(), "m-1", 2)
	require.NoError(t, err)

	m, dup, err := store.RecordApproval(context.Background(), manifest.Approval{
		ID: "a-1", ManifestID: "m-1", ApproverID: "alice", Decision: manifest.DecisionApproved,
	})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, manifest.StatusMultisigPartial, m.Status)

	m, dup, err = store.RecordApproval(context.Background(), manifest.Approval{
		ID: "a-2", ManifestID: "m-1", ApproverID: "bob", Decision: manifest.DecisionApproved,
	})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, manifest.StatusMultisigComplete, m.Status)

	m, already, err := store.Apply(context.Background(), "m-1")
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, manifest.StatusApplied, m.Status)
}

func TestMemoryStore_DuplicateApprovalIsNoOp(t *testing.T) {
	store := manifest.NewMemoryStore()
	newDraft(t, store, "m-1", 2)
	_, err := store.SubmitForSigning(context.Background(), "m-1", "sig-1", "hash-1")
	require.NoError(t, err)
	_, err = store.RequestMultisig(context.Background(), "m-1", 2)
	require.NoError(t, err)

	_, _, err = store.RecordApproval(context.Background(), manifest.Approval{
		ID: "a-1", ManifestID: "m-1", ApproverID: "alice", Decision: manifest.DecisionApproved,
	})
	require.NoError(t, err)

	m, dup, err := store.RecordApproval(context.Background(), manifest.Approval{
		ID: "a-1-again", ManifestID: "m-1", ApproverID: "alice", Decision: manifest.DecisionApproved,
	})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, manifest.StatusMultisigPartial, m.Status)
}

func TestMemoryStore_RejectionShortCircuits(t *testing.T) {
	store := manifest.NewMemoryStore()
	newDraft(t, store, "m-1", 2)
	_, err := store.SubmitForSigning(context.Background(), "m-1", "sig-1", "hash-1")
	require.NoError(t, err)
	_, err = store.RequestMultisig(context.Background(), "m-1", 2)
	require.NoError(t, err)

	m, _, err := store.RecordApproval(context.Background(), manifest.Approval{
		ID: "a-1", ManifestID: "m-1", ApproverID: "alice", Decision: manifest.DecisionRejected,
	})
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusRejected, m.Status)
}

func TestMemoryStore_InvalidTransitionRejected(t *testing.T) {
	store := manifest.NewMemoryStore()
	newDraft(t, store, "m-1", 0)

	_, _, err := store.Apply(context.Background(), "m-1")
	require.Error(t, err)
	var target *manifest.ErrInvalidTransition
	assert.ErrorAs(t, err, &target)
}

func TestValidatePackageRef(t *testing.T) {
	_, err := manifest.ValidatePackageRef("1.2.3")
	assert.NoError(t, err)

	_, err = manifest.ValidatePackageRef("not-a-version")
	assert.Error(t, err)
}
