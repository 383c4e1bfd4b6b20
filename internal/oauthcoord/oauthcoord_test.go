package oauthcoord

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/autoremediate/autoremediate/internal/database"
	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/vault"
)

type fakeProviderOAuth struct {
	token     *oauth2.Token
	info      UserInfo
	revoked   string
	exchangeErr error
}

func (f *fakeProviderOAuth) AuthCodeURL(state string) string {
	return "https://example.invalid/authorize?state=" + state
}

func (f *fakeProviderOAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.token, nil
}

func (f *fakeProviderOAuth) FetchUserInfo(ctx context.Context, token *oauth2.Token) (UserInfo, error) {
	return f.info, nil
}

func (f *fakeProviderOAuth) RevokeToken(ctx context.Context, accessToken string) error {
	f.revoked = accessToken
	return nil
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

func TestBeginProducesSignedState(t *testing.T) {
	c := New(testDB(t), testVault(t), []byte("state-signing-key"), 10*time.Minute)
	fake := &fakeProviderOAuth{}
	c.Register(models.ProviderGitHub, fake)

	url, err := c.Begin("principal-1", models.ProviderGitHub)
	require.NoError(t, err)
	require.Contains(t, url, "state=")
}

func TestBeginRejectsUnknownProvider(t *testing.T) {
	c := New(testDB(t), testVault(t), []byte("state-signing-key"), 10*time.Minute)
	_, err := c.Begin("principal-1", models.ProviderGitHub)
	require.Error(t, err)
}

func TestCompleteCreatesConnectionAndSealsTokens(t *testing.T) {
	ctx := context.Background()
	c := New(testDB(t), testVault(t), []byte("state-signing-key"), 10*time.Minute)
	fake := &fakeProviderOAuth{
		token: &oauth2.Token{AccessToken: "gho_plain", RefreshToken: "", Expiry: time.Time{}},
		info:  UserInfo{ExternalAccountID: "42", ExternalAccountLogin: "octocat"},
	}
	c.Register(models.ProviderGitHub, fake)

	url, err := c.Begin("principal-1", models.ProviderGitHub)
	require.NoError(t, err)
	state := url[len("https://example.invalid/authorize?state="):]

	conn, err := c.Complete(ctx, models.ProviderGitHub, state, "code-abc")
	require.NoError(t, err)
	require.Equal(t, "principal-1", conn.PrincipalID)
	require.Equal(t, "octocat", conn.ExternalAccountLogin)
	require.NotEqual(t, []byte("gho_plain"), conn.AccessTokenCiphertext)

	token, err := c.PlaintextAccessToken(conn)
	require.NoError(t, err)
	require.Equal(t, "gho_plain", token)
}

func TestCompleteRejectsForgedState(t *testing.T) {
	ctx := context.Background()
	c := New(testDB(t), testVault(t), []byte("state-signing-key"), 10*time.Minute)
	fake := &fakeProviderOAuth{token: &oauth2.Token{AccessToken: "x"}}
	c.Register(models.ProviderGitHub, fake)

	_, err := c.Complete(ctx, models.ProviderGitHub, "not-a-real-jwt", "code-abc")
	require.Error(t, err)
}

func TestCompleteUpdatesExistingConnectionOnReconnect(t *testing.T) {
	ctx := context.Background()
	c := New(testDB(t), testVault(t), []byte("state-signing-key"), 10*time.Minute)
	fake := &fakeProviderOAuth{
		token: &oauth2.Token{AccessToken: "gho_first"},
		info:  UserInfo{ExternalAccountID: "42", ExternalAccountLogin: "octocat"},
	}
	c.Register(models.ProviderGitHub, fake)

	url, err := c.Begin("principal-1", models.ProviderGitHub)
	require.NoError(t, err)
	state := url[len("https://example.invalid/authorize?state="):]
	first, err := c.Complete(ctx, models.ProviderGitHub, state, "code-1")
	require.NoError(t, err)

	fake.token = &oauth2.Token{AccessToken: "gho_second"}
	url, err = c.Begin("principal-1", models.ProviderGitHub)
	require.NoError(t, err)
	state = url[len("https://example.invalid/authorize?state="):]
	second, err := c.Complete(ctx, models.ProviderGitHub, state, "code-2")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	token, err := c.PlaintextAccessToken(second)
	require.NoError(t, err)
	require.Equal(t, "gho_second", token)
}

func TestDisconnectRevokesAndDeletes(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	c := New(db, testVault(t), []byte("state-signing-key"), 10*time.Minute)
	fake := &fakeProviderOAuth{
		token: &oauth2.Token{AccessToken: "gho_plain"},
		info:  UserInfo{ExternalAccountID: "42", ExternalAccountLogin: "octocat"},
	}
	c.Register(models.ProviderGitHub, fake)

	url, err := c.Begin("principal-1", models.ProviderGitHub)
	require.NoError(t, err)
	state := url[len("https://example.invalid/authorize?state="):]
	conn, err := c.Complete(ctx, models.ProviderGitHub, state, "code-abc")
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(ctx, conn.ID))
	require.Equal(t, "gho_plain", fake.revoked)

	_, err = db.GetOAuthConnectionByID(ctx, conn.ID)
	require.Error(t, err)
}
