package audit_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustplane/kernel/pkg/audit"
	"github.com/trustplane/kernel/pkg/signer"
	"github.com/trustplane/kernel/pkg/signing"
)

func newTestSQLiteChain(t *testing.T) (*audit.SQLiteChain, *sql.DB, *signer.Registry) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	provider, pub, err := signing.GenerateLocalEd25519("kid-sqlite-test")
	require.NoError(t, err)

	store := signer.NewMemoryStore()
	registry := signer.NewRegistry(store, 0)
	require.NoError(t, registry.Register(context.Background(), &signer.Record{
		KID:       "kid-sqlite-test",
		Algorithm: signer.AlgEd25519,
		PublicKey: pub,
		CreatedAt: time.Now().UTC(),
	}))

	chain := audit.NewSQLiteChain(db, provider, provider, registry)
	require.NoError(t, chain.EnsureSchema(context.Background()))
	return chain, db, registry
}

func TestSQLiteChain_AppendAndHashChain(t *testing.T) {
	chain, _, _ := newTestSQLiteChain(t)

	e1, err := chain.Append(context.Background(), "manifest.signed", map[string]any{"v": 1})
	require.NoError(t, err)
	e2, err := chain.Append(context.Background(), "manifest.applied", map[string]any{"v": 2})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Empty(t, e1.PrevHash)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, e1.Hash, e2.PrevHash)
}

func TestSQLiteChain_GetAndHead(t *testing.T) {
	chain, _, _ := newTestSQLiteChain(t)

	_, err := chain.Append(context.Background(), "manifest.signed", map[string]any{"v": 1})
	require.NoError(t, err)
	want, err := chain.Append(context.Background(), "manifest.applied", map[string]any{"v": 2})
	require.NoError(t, err)

	got, err := chain.Get(context.Background(), want.Seq)
	require.NoError(t, err)
	assert.Equal(t, want.Hash, got.Hash)

	head, err := chain.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want.Seq, head.Seq)
}

func TestSQLiteChain_VerifyChain_ValidChain(t *testing.T) {
	chain, _, _ := newTestSQLiteChain(t)

	for i := 0; i < 5; i++ {
		_, err := chain.Append(context.Background(), "manifest.signed", map[string]any{"i": i})
		require.NoError(t, err)
	}

	assert.NoError(t, chain.VerifyChain(context.Background()))
}

func TestSQLiteChain_VerifyChain_DetectsHashMismatch(t *testing.T) {
	chain, db, _ := newTestSQLiteChain(t)

	_, err := chain.Append(context.Background(), "manifest.signed", map[string]any{"v": 1})
	require.NoError(t, err)
	_, err = chain.Append(context.Background(), "manifest.applied", map[string]any{"v": 2})
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE audit_events SET hash = ? WHERE seq = 1`, []byte("tampered-hash-0000000000000000"))
	require.NoError(t, err)

	err = chain.VerifyChain(context.Background())
	require.Error(t, err)
	var failure *audit.VerifyFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, audit.ReasonHashMismatch, failure.Reason)
}
