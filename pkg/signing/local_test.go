package signing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustplane/kernel/pkg/signing"
)

func TestLocalProvider_SignVerifyRoundTrip(t *testing.T) {
	provider, _, err := signing.GenerateLocalEd25519("kid-1")
	require.NoError(t, err)

	req := signing.Request{Payload: []byte(`{"a":1}`), Purpose: signing.PurposeManifest}
	sig, err := provider.Sign(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "kid-1", sig.KID)
	assert.Equal(t, "ed25519", sig.Algorithm)

	ok, err := provider.Verify(context.Background(), req, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalProvider_VerifyFailsForDifferentPayload(t *testing.T) {
	provider, _, err := signing.GenerateLocalEd25519("kid-1")
	require.NoError(t, err)

	req := signing.Request{Payload: []byte(`{"a":1}`)}
	sig, err := provider.Sign(context.Background(), req)
	require.NoError(t, err)

	other := signing.Request{Payload: []byte(`{"a":2}`)}
	ok, err := provider.Verify(context.Background(), other, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalProvider_DigestModeSigning(t *testing.T) {
	provider, _, err := signing.GenerateLocalEd25519("kid-digest")
	require.NoError(t, err)

	req := signing.Request{DigestHex: "aa" + "bb000000000000000000000000000000000000000000000000000000000000"}
	sig, err := provider.Sign(context.Background(), req)
	require.NoError(t, err)

	ok, err := provider.Verify(context.Background(), req, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFactory_RequireKMSRejectsLocal(t *testing.T) {
	_, err := signing.New(signing.FactoryConfig{Kind: signing.KindLocal, RequireKMS: true})
	assert.Error(t, err)
}
