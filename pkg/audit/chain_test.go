package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustplane/kernel/pkg/audit"
	"github.com/trustplane/kernel/pkg/signer"
	"github.com/trustplane/kernel/pkg/signing"
)

func newTestChain(t *testing.T) (*audit.MemoryChain, *signer.Registry) {
	t.Helper()
	provider, pub, err := signing.GenerateLocalEd25519("kid-audit-test")
	require.NoError(t, err)

	store := signer.NewMemoryStore()
	registry := signer.NewRegistry(store, 0)
	require.NoError(t, registry.Register(context.Background(), &signer.Record{
		KID:       "kid-audit-test",
		Algorithm: signer.AlgEd25519,
		PublicKey: pub,
		CreatedAt: time.Now().UTC(),
	}))

	return audit.NewMemoryChain(provider, provider, registry), registry
}

func TestMemoryChain_Append(t *testing.T) {
	chain, _ := newTestChain(t)

	event, err := chain.Append(context.Background(), "manifest.signed", map[string]any{"manifest_id": "m-1"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), event.Seq)
	assert.Empty(t, event.PrevHash)
	assert.NotEmpty(t, event.Hash)
	assert.NotEmpty(t, event.Signature)
	assert.Equal(t, "kid-audit-test", event.SignerKID)
}

func TestMemoryChain_HashChaining(t *testing.T) {
	chain, _ := newTestChain(t)

	e1, err := chain.Append(context.Background(), "manifest.signed", map[string]any{"v": 1})
	require.NoError(t, err)
	e2, err := chain.Append(context.Background(), "manifest.applied", map[string]any{"v": 2})
	require.NoError(t, err)

	assert.Equal(t, e1.Hash, e2.PrevHash)
	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
}

func TestMemoryChain_VerifyChain_ValidChain(t *testing.T) {
	chain, _ := newTestChain(t)

	for i := 0; i < 5; i++ {
		_, err := chain.Append(context.Background(), "manifest.signed", map[string]any{"i": i})
		require.NoError(t, err)
	}

	assert.NoError(t, chain.VerifyChain(context.Background()))
}

func TestMemoryChain_VerifyChain_DetectsHashMismatch(t *testing.T) {
	chain, _ := newTestChain(t)

	e1, err := chain.Append(context.Background(), "manifest.signed", map[string]any{"v": 1})
	require.NoError(t, err)
	_, err = chain.Append(context.Background(), "manifest.applied", map[string]any{"v": 2})
	require.NoError(t, err)

	e1.Hash[0] ^= 0xFF

	err = chain.VerifyChain(context.Background())
	require.Error(t, err)
	var failure *audit.VerifyFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, audit.ReasonHashMismatch, failure.Reason)
}

func TestMemoryChain_VerifyChain_DetectsBrokenPrevLink(t *testing.T) {
	chain, _ := newTestChain(t)

	_, err := chain.Append(context.Background(), "manifest.signed", map[string]any{"v": 1})
	require.NoError(t, err)
	e2, err := chain.Append(context.Background(), "manifest.applied", map[string]any{"v": 2})
	require.NoError(t, err)

	e2.PrevHash = []byte("not-the-real-prev-hash-00000000")

	err = chain.VerifyChain(context.Background())
	require.Error(t, err)
	var failure *audit.VerifyFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, audit.ReasonHashMismatch, failure.Reason)
}

func TestMemoryChain_Get_UnknownSeq(t *testing.T) {
	chain, _ := newTestChain(t)

	_, err := chain.Get(context.Background(), 99)
	assert.ErrorIs(t, err, audit.ErrNotFound)
}

func TestMemoryChain_Head_EmptyChain(t *testing.T) {
	chain, _ := newTestChain(t)

	_, err := chain.Head(context.Background())
	assert.ErrorIs(t, err, audit.ErrNotFound)
}

func TestMemoryChain_OnAppend_NotifiesSynchronously(t *testing.T) {
	chain, _ := newTestChain(t)

	var notified []*audit.Event
	chain.OnAppend(func(e *audit.Event) {
		notified = append(notified, e)
	})

	_, err := chain.Append(context.Background(), "manifest.signed", map[string]any{"v": 1})
	require.NoError(t, err)

	require.Len(t, notified, 1)
	assert.Equal(t, uint64(1), notified[0].Seq)
}

func TestMemoryChain_RetiredSignerRejectsNewAppends(t *testing.T) {
	chain, registry := newTestChain(t)

	require.NoError(t, registry.Retire(context.Background(), "kid-audit-test"))

	_, err := chain.Append(context.Background(), "manifest.signed", map[string]any{"v": 1})
	assert.Error(t, err)
}

func TestMemoryChain_VerifyChain_DetectsSignatureTamper(t *testing.T) {
	chain, _ := newTestChain(t)

	e1, err := chain.Append(context.Background(), "manifest.signed", map[string]any{"v": 1})
	require.NoError(t, err)

	e1.Signature[0] ^= 0xFF

	err = chain.VerifyChain(context.Background())
	require.Error(t, err)
	var failure *audit.VerifyFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, audit.ReasonSignatureInvalid, failure.Reason)
}

func TestMemoryChain_VerifyChain_UnknownSignerKID(t *testing.T) {
	chain, _ := newTestChain(t)

	e1, err := chain.Append(context.Background(), "manifest.signed", map[string]any{"v": 1})
	require.NoError(t, err)

	e1.SignerKID = "kid-never-registered"

	err = chain.VerifyChain(context.Background())
	require.Error(t, err)
	var failure *audit.VerifyFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, audit.ReasonSignerUnknown, failure.Reason)
}

func TestMemoryChain_VerifyChain_VerifiesEventsSignedUnderRetiredKID(t *testing.T) {
	chain, registry := newTestChain(t)

	_, err := chain.Append(context.Background(), "manifest.signed", map[string]any{"v": 1})
	require.NoError(t, err)

	require.NoError(t, registry.Retire(context.Background(), "kid-audit-test"))

	assert.NoError(t, chain.VerifyChain(context.Background()))
}
