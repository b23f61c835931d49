package sqlstore

import (
	"context"
	"os"
	"testing"

	"github.com/bionicotaku/lingo-utils-jwtauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresIntegration(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "true" {
		t.Skip("RUN_INTEGRATION_TESTS not set to true")
	}
	dsn := os.Getenv("JWTAUTH_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Fatal("JWTAUTH_TEST_POSTGRES_URL environment variable required")
	}
	require.Equal(t, PostgreSQL, DetectDriver(dsn))

	ctx := context.Background()
	store, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	subject := "integration-" + t.Name()
	_, encoded := newSigner(t, subject, "k1")
	require.NoError(t, store.AddKey(ctx, subject, "k1", encoded, KeyOptions{}))
	require.NoError(t, store.PutIdentity(ctx, jwtauth.Identity{Subject: subject, Active: true}))
	t.Cleanup(func() {
		_, _ = store.db.ExecContext(ctx, `DELETE FROM signer_keys WHERE subject = $1`, subject)
		_, _ = store.db.ExecContext(ctx, `DELETE FROM identities WHERE subject = $1`, subject)
	})

	records, err := store.ResolveKeys(ctx, jwtauth.KeyQuery{Subject: subject, KeyID: "k1"})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	identity, err := store.LookupIdentity(ctx, subject)
	require.NoError(t, err)
	assert.True(t, identity.Active)
}
