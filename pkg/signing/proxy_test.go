package signing_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustplane/kernel/pkg/signing"
)

func newProxyTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *signing.ProxyProvider) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	provider := signing.NewProxyProvider(signing.ProxyConfig{
		BaseURL:    srv.URL,
		Algorithm:  "ed25519",
		TimeoutMS:  1000,
		MaxRetries: 0,
	})
	return srv, provider
}

func TestProxyProvider_SignSuccess(t *testing.T) {
	sigBytes := []byte("deterministic-test-signature")
	_, provider := newProxyTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sign", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ed25519", body["algorithm"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"signature_b64": base64.StdEncoding.EncodeToString(sigBytes),
			"signer_kid":    "kid-proxy-1",
			"algorithm":     "ed25519",
		})
	})

	sig, err := provider.Sign(context.Background(), signing.Request{Payload: []byte(`{"a":1}`), Purpose: signing.PurposeManifest})
	require.NoError(t, err)
	assert.Equal(t, "kid-proxy-1", sig.KID)
	assert.Equal(t, sigBytes, sig.Sig)
}

func TestProxyProvider_SignServerErrorWrapsErrRemote(t *testing.T) {
	_, provider := newProxyTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := provider.Sign(context.Background(), signing.Request{Payload: []byte(`{"a":1}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, signing.ErrRemote)
}

func TestProxyProvider_SignClientErrorDoesNotRetry(t *testing.T) {
	calls := 0
	_, provider := newProxyTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := provider.Sign(context.Background(), signing.Request{Payload: []byte(`{"a":1}`)})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "a 4xx is a rejection, not a retryable remote failure")
}

func TestProxyProvider_VerifySuccess(t *testing.T) {
	_, provider := newProxyTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"verified": true})
	})

	ok, err := provider.Verify(context.Background(), signing.Request{Payload: []byte(`{"a":1}`)}, &signing.Signature{KID: "kid-proxy-1", Sig: []byte("sig")})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProxyProvider_VerifyFalse(t *testing.T) {
	_, provider := newProxyTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"verified": false})
	})

	ok, err := provider.Verify(context.Background(), signing.Request{Payload: []byte(`{"a":1}`)}, &signing.Signature{KID: "kid-proxy-1", Sig: []byte("sig")})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProxyProvider_HealthReturnsActiveKID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "signer_kid": "kid-proxy-1"})
	}))
	t.Cleanup(srv.Close)
	provider := signing.NewProxyProvider(signing.ProxyConfig{BaseURL: srv.URL, Algorithm: "ed25519"})

	kid, err := provider.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "kid-proxy-1", kid)
}

func TestProxyProvider_HealthNotOKReturnsErrSignerUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	t.Cleanup(srv.Close)
	provider := signing.NewProxyProvider(signing.ProxyConfig{BaseURL: srv.URL, Algorithm: "ed25519"})

	_, err := provider.Health(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, signing.ErrSignerUnavailable)
}
