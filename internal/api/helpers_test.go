package api

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/autoremediate/autoremediate/internal/config"
	"github.com/autoremediate/autoremediate/internal/database"
	"github.com/autoremediate/autoremediate/internal/jobs"
	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/oauthcoord"
	"github.com/autoremediate/autoremediate/internal/provider"
	"github.com/autoremediate/autoremediate/internal/repoconn"
	"github.com/autoremediate/autoremediate/internal/tracker"
	"github.com/autoremediate/autoremediate/internal/vault"
	"github.com/autoremediate/autoremediate/internal/webhook"
)

func testDB(t *testing.T) database.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	t.Cleanup(func() { db.Close() })
	return db
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

type noopClient struct{ provider.Client }

// fakeProviderOAuth is a deterministic oauthcoord.ProviderOAuth stand-in
// for tests: no network calls, a fixed account identity per instance.
type fakeProviderOAuth struct {
	accountID    string
	accountLogin string
	exchangeErr  error
}

func (f *fakeProviderOAuth) AuthCodeURL(state string) string {
	return "https://provider.example/authorize?state=" + state
}

func (f *fakeProviderOAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	if code == "bad-code" {
		return nil, errFakeExchange
	}
	return &oauth2.Token{AccessToken: "token-" + code}, nil
}

func (f *fakeProviderOAuth) FetchUserInfo(ctx context.Context, tok *oauth2.Token) (oauthcoord.UserInfo, error) {
	return oauthcoord.UserInfo{ExternalAccountID: f.accountID, ExternalAccountLogin: f.accountLogin}, nil
}

func (f *fakeProviderOAuth) RevokeToken(ctx context.Context, token string) error { return nil }

var errFakeExchange = errors.New("fake: exchange rejected")

func testServer(t *testing.T, db database.DB, v *vault.Vault) *Server {
	t.Helper()
	coord := oauthcoord.New(db, v, []byte("state-secret-key-0123456789abcd"), 10*time.Minute)
	coord.Register(models.ProviderGitHub, &fakeProviderOAuth{accountID: "1", accountLogin: "octo"})
	coord.Register(models.ProviderGitLab, &fakeProviderOAuth{accountID: "2", accountLogin: "glu"})
	mgr := webhook.New(db, v, func(p models.Provider) string { return "https://example.test/webhooks/" + string(p) })
	queue := jobs.NewQueue(db, jobs.QueueOptions{})
	trk := tracker.New(db, queue, slog.Default())
	factory := func(p models.Provider, accessToken string) (provider.Client, error) { return &noopClient{}, nil }
	rc := repoconn.New(db, coord, mgr, factory)
	cfg := config.Default()
	return NewServer(db, mgr, trk, coord, rc, cfg, slog.Default())
}

// seedGitHubRepoConn creates a connected repository with a sealed
// webhook secret, returning both the connection and the plaintext
// secret so tests can sign deliveries against it.
func seedGitHubRepoConn(t *testing.T, db database.DB, v *vault.Vault, prov models.Provider, fullName string) (*models.RepositoryConnection, []byte) {
	t.Helper()
	ctx := context.Background()
	oc := &models.OAuthConnection{PrincipalID: "p1", Provider: prov, ExternalAccountID: "1", ExternalAccountLogin: "octo"}
	require.NoError(t, db.CreateOAuthConnection(ctx, oc))

	secret := []byte("super-secret-webhook-token-00000")
	sealed, err := v.Seal(secret)
	require.NoError(t, err)

	rc := &models.RepositoryConnection{
		PrincipalID:       "p1",
		OAuthConnectionID: oc.ID,
		Provider:          prov,
		ExternalRepoID:    "1",
		FullName:          fullName,
		DefaultBranch:     "main",
		AutoRemediate:     true,
		WebhookID:         "hook-1",
		WebhookSecret:     sealed,
		EncryptionKeyID:   v.KeyID(),
	}
	require.NoError(t, db.CreateRepositoryConnection(ctx, rc))
	require.NoError(t, db.CreateWebhook(ctx, &models.Webhook{
		RepositoryConnectionID: rc.ID,
		ExternalWebhookID:      "hook-1",
		URL:                    "https://example.test/webhooks/" + string(prov),
		EventsCSV:              "workflow_run,pull_request,push",
		Active:                 true,
	}))
	return rc, secret
}
