package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustplane/kernel/pkg/api"
	"github.com/trustplane/kernel/pkg/audit"
	"github.com/trustplane/kernel/pkg/authn"
	"github.com/trustplane/kernel/pkg/governance"
	"github.com/trustplane/kernel/pkg/idempotency"
	"github.com/trustplane/kernel/pkg/manifest"
	"github.com/trustplane/kernel/pkg/policy"
	"github.com/trustplane/kernel/pkg/signer"
	"github.com/trustplane/kernel/pkg/signing"
)

func newTestServer(t *testing.T) (http.Handler, *authn.TokenManager) {
	t.Helper()

	provider, pub, err := signing.GenerateLocalEd25519("kms-1")
	require.NoError(t, err)

	registry := signer.NewRegistry(signer.NewMemoryStore(), 0)
	require.NoError(t, registry.Register(context.Background(), &signer.Record{
		KID: "kms-1", Algorithm: signer.AlgEd25519, PublicKey: pub,
	}))
	chain := audit.NewMemoryChain(provider, provider, registry)

	coord := governance.New(
		idempotency.NewMemoryStore(time.Hour),
		manifest.NewMemoryStore(),
		provider,
		registry,
		chain,
		policy.AllowAll{},
		nil,
		nil,
	)

	ks, err := authn.NewInMemoryKeySet()
	require.NoError(t, err)
	tm := authn.NewTokenManager(ks, "kernel-test")

	handler := api.NewHandler(coord, chain)
	router := api.NewRouter(handler, tm, nil)
	return router, tm
}

func bearer(t *testing.T, tm *authn.TokenManager, id string, roles ...string) string {
	t.Helper()
	token, err := tm.IssueToken(&authn.Principal{ID: id, Roles: roles}, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestSubmitThenApply_HappyPath(t *testing.T) {
	router, tm := newTestServer(t)
	auth := bearer(t, tm, "alice", authn.RoleSubmit, authn.RoleApply)

	body := `{"manifest_id":"m1","package_ref":"1.2.3","impact":"LOW","preconditions":{}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/manifests", strings.NewReader(body))
	req.Header.Set("Authorization", auth)
	req.Header.Set("Idempotency-Key", "k-001")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"signed"`)

	applyReq := httptest.NewRequest(http.MethodPost, "/v1/manifests/m1/apply", nil)
	applyReq.Header.Set("Authorization", auth)
	applyW := httptest.NewRecorder()
	router.ServeHTTP(applyW, applyReq)

	require.Equal(t, http.StatusOK, applyW.Code)
	assert.Contains(t, applyW.Body.String(), `"status":"applied"`)
}

func TestSubmit_RequiresAuthentication(t *testing.T) {
	router, _ := newTestServer(t)

	body := `{"manifest_id":"m1","package_ref":"1.0.0","impact":"LOW","preconditions":{}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/manifests", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "k-001")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubmit_RequiresSubmitRole(t *testing.T) {
	router, tm := newTestServer(t)
	auth := bearer(t, tm, "mallory", authn.RoleApprove)

	body := `{"manifest_id":"m1","package_ref":"1.0.0","impact":"LOW","preconditions":{}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/manifests", strings.NewReader(body))
	req.Header.Set("Authorization", auth)
	req.Header.Set("Idempotency-Key", "k-001")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealthz_IsPublic(t *testing.T) {
	router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestVerifyChain_ReportsOkOnEmptyChain(t *testing.T) {
	router, tm := newTestServer(t)
	auth := bearer(t, tm, "alice", authn.RoleSubmit)

	req := httptest.NewRequest(http.MethodGet, "/v1/audit/verify", nil)
	req.Header.Set("Authorization", auth)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"verified":true`)
}
