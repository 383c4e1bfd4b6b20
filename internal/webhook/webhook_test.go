package webhook

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autoremediate/autoremediate/internal/database"
	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/provider"
	"github.com/autoremediate/autoremediate/internal/vault"
)

type fakeClient struct {
	provider.Client
	createdSecret []byte
	deletedID     string
	deleteErr     error
}

func (f *fakeClient) CreateWebhook(ctx context.Context, repoFullName, callbackURL string, secret []byte, events []string) (*provider.Hook, error) {
	f.createdSecret = secret
	return &provider.Hook{ExternalID: "hook-1", URL: callbackURL, Events: events, Active: true}, nil
}

func (f *fakeClient) DeleteWebhook(ctx context.Context, repoFullName, externalHookID string) error {
	f.deletedID = externalHookID
	return f.deleteErr
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	v, err := vault.New("k1", base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	return v
}

func testDB(t *testing.T) database.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	t.Cleanup(func() { db.Close() })
	return db
}

func seedRepoConn(t *testing.T, db database.DB) *models.RepositoryConnection {
	t.Helper()
	ctx := context.Background()
	oc := &models.OAuthConnection{PrincipalID: "p1", Provider: models.ProviderGitHub, ExternalAccountID: "1", ExternalAccountLogin: "octo"}
	require.NoError(t, db.CreateOAuthConnection(ctx, oc))
	rc := &models.RepositoryConnection{
		PrincipalID:       "p1",
		OAuthConnectionID: oc.ID,
		Provider:          models.ProviderGitHub,
		ExternalRepoID:    "1",
		FullName:          "octo/repo",
		DefaultBranch:     "main",
		AutoRemediate:     true,
	}
	require.NoError(t, db.CreateRepositoryConnection(ctx, rc))
	return rc
}

func TestInstallSealsSecretAndPersistsHook(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	m := New(db, testVault(t), func(p models.Provider) string { return "https://api.example.com/webhooks/" + string(p) })
	repoConn := seedRepoConn(t, db)
	client := &fakeClient{}

	require.NoError(t, m.Install(ctx, client, repoConn))
	require.Len(t, client.createdSecret, 32)
	require.Equal(t, "hook-1", repoConn.WebhookID)
	require.NotEqual(t, client.createdSecret, repoConn.WebhookSecret)

	got, err := db.GetRepositoryConnection(ctx, repoConn.ID)
	require.NoError(t, err)
	require.Equal(t, "hook-1", got.WebhookID)
}

func TestVerifyAcceptsMatchingSignature(t *testing.T) {
	db := testDB(t)
	m := New(db, testVault(t), func(p models.Provider) string { return "" })
	repoConn := seedRepoConn(t, db)
	client := &fakeClient{}
	require.NoError(t, m.Install(context.Background(), client, repoConn))

	body := []byte(`{"action":"completed"}`)
	sig := Sign(client.createdSecret, body)

	require.NoError(t, m.Verify(repoConn, sig, body))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	db := testDB(t)
	m := New(db, testVault(t), func(p models.Provider) string { return "" })
	repoConn := seedRepoConn(t, db)
	client := &fakeClient{}
	require.NoError(t, m.Install(context.Background(), client, repoConn))

	sig := Sign(client.createdSecret, []byte(`{"action":"completed"}`))
	err := m.Verify(repoConn, sig, []byte(`{"action":"tampered"}`))
	require.Error(t, err)
}

func TestVerifyGitLabUsesPlainTokenNotHMAC(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	m := New(db, testVault(t), func(p models.Provider) string { return "" })
	oc := &models.OAuthConnection{PrincipalID: "p1", Provider: models.ProviderGitLab, ExternalAccountID: "1", ExternalAccountLogin: "glu"}
	require.NoError(t, db.CreateOAuthConnection(ctx, oc))
	repoConn := &models.RepositoryConnection{
		PrincipalID:       "p1",
		OAuthConnectionID: oc.ID,
		Provider:          models.ProviderGitLab,
		ExternalRepoID:    "1",
		FullName:          "group/repo",
		DefaultBranch:     "main",
		AutoRemediate:     true,
	}
	require.NoError(t, db.CreateRepositoryConnection(ctx, repoConn))
	client := &fakeClient{}
	require.NoError(t, m.Install(ctx, client, repoConn))

	body := []byte(`{"object_kind":"pipeline"}`)
	require.NoError(t, m.Verify(repoConn, string(client.createdSecret), body))
	require.Error(t, m.Verify(repoConn, "sha256=not-the-token", body))
}

func TestRecordDeliveryDetectsDuplicate(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	m := New(db, testVault(t), func(p models.Provider) string { return "" })
	repoConn := seedRepoConn(t, db)
	client := &fakeClient{}
	require.NoError(t, m.Install(ctx, client, repoConn))

	w, err := db.GetWebhookByRepositoryConnection(ctx, repoConn.ID)
	require.NoError(t, err)

	dup, err := m.RecordDelivery(ctx, w.ID, "workflow_run", "delivery-1", true, 200, "")
	require.NoError(t, err)
	require.False(t, dup)

	dup, err = m.RecordDelivery(ctx, w.ID, "workflow_run", "delivery-1", true, 200, "")
	require.NoError(t, err)
	require.True(t, dup)
}
