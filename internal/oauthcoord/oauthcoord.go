// Package oauthcoord implements the OAuth Coordinator: it drives the
// authorization-code flow for each supported code host, seals the
// resulting tokens with the credential vault, and persists the
// resulting OAuthConnection.
package oauthcoord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/autoremediate/autoremediate/internal/apperr"
	"github.com/autoremediate/autoremediate/internal/database"
	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/vault"
)

var (
	ErrStateExpired = errors.New("oauthcoord: state expired")
	ErrStateInvalid = errors.New("oauthcoord: state invalid")
)

// stateClaims is the payload of the signed CSRF state token handed to the
// provider as the OAuth `state` parameter and read back on callback.
// Using a signed JWT instead of a server-side session lets state survive
// across replicas without a shared store.
type stateClaims struct {
	PrincipalID string `json:"principal_id"`
	Provider    string `json:"provider"`
	jwt.RegisteredClaims
}

// UserInfo is what a provider's user-info endpoint returns, normalized
// across GitHub and GitLab.
type UserInfo struct {
	ExternalAccountID    string
	ExternalAccountLogin string
}

// ProviderOAuth is the narrow surface each code host's OAuth flow must
// implement. It has no token refresh: GitHub OAuth app tokens do not
// expire, and for GitLab the refresh token is stored sealed on the
// connection but no component uses it to renew an expired access token.
type ProviderOAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	FetchUserInfo(ctx context.Context, token *oauth2.Token) (UserInfo, error)
	RevokeToken(ctx context.Context, token string) error
}

// Coordinator drives Begin/Complete/Disconnect for every registered
// provider.
type Coordinator struct {
	db        database.DB
	vault     *vault.Vault
	providers map[models.Provider]ProviderOAuth
	stateKey  []byte
	stateTTL  time.Duration
}

func New(db database.DB, v *vault.Vault, stateSigningKey []byte, stateTTL time.Duration) *Coordinator {
	return &Coordinator{
		db:        db,
		vault:     v,
		providers: make(map[models.Provider]ProviderOAuth),
		stateKey:  stateSigningKey,
		stateTTL:  stateTTL,
	}
}

// Register wires a provider's OAuth implementation in. Called once per
// provider at startup from cmd/autoremediate.
func (c *Coordinator) Register(p models.Provider, impl ProviderOAuth) {
	c.providers[p] = impl
}

// Begin returns the URL the principal's browser should be redirected to
// in order to authorize this service against the given provider.
func (c *Coordinator) Begin(principalID string, provider models.Provider) (string, error) {
	impl, ok := c.providers[provider]
	if !ok {
		return "", apperr.New(apperr.KindInputRejected, "oauth_unknown_provider", string(provider), nil)
	}
	now := time.Now()
	claims := stateClaims{
		PrincipalID: principalID,
		Provider:    string(provider),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.stateTTL)),
		},
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.stateKey)
	if err != nil {
		return "", fmt.Errorf("oauthcoord: sign state: %w", err)
	}
	return impl.AuthCodeURL(state), nil
}

// Complete exchanges the callback's authorization code for tokens,
// fetches the provider account identity, seals the tokens, and upserts
// the OAuthConnection. It returns apperr.KindAuthFailed if state fails to
// verify (forged or expired callback).
func (c *Coordinator) Complete(ctx context.Context, provider models.Provider, state, code string) (*models.OAuthConnection, error) {
	principalID, err := c.verifyState(provider, state)
	if err != nil {
		return nil, apperr.New(apperr.KindAuthFailed, "oauth_state_invalid", "", err)
	}

	impl, ok := c.providers[provider]
	if !ok {
		return nil, apperr.New(apperr.KindInputRejected, "oauth_unknown_provider", string(provider), nil)
	}

	tok, err := impl.Exchange(ctx, code)
	if err != nil {
		return nil, apperr.New(apperr.KindAuthFailed, "oauth_exchange_failed", "", err)
	}
	info, err := impl.FetchUserInfo(ctx, tok)
	if err != nil {
		return nil, apperr.New(apperr.KindAuthFailed, "oauth_userinfo_failed", "", err)
	}

	accessCipher, err := c.vault.Seal([]byte(tok.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("oauthcoord: seal access token: %w", err)
	}
	var refreshCipher []byte
	if tok.RefreshToken != "" {
		refreshCipher, err = c.vault.Seal([]byte(tok.RefreshToken))
		if err != nil {
			return nil, fmt.Errorf("oauthcoord: seal refresh token: %w", err)
		}
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		t := tok.Expiry
		expiresAt = &t
	}

	existing, err := c.db.GetOAuthConnection(ctx, principalID, provider)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("oauthcoord: lookup existing connection: %w", err)
	}
	if existing != nil {
		if err := c.db.UpdateOAuthConnectionTokens(ctx, existing.ID, accessCipher, refreshCipher, c.vault.KeyID(), expiresAt); err != nil {
			return nil, fmt.Errorf("oauthcoord: update tokens: %w", err)
		}
		existing.AccessTokenCiphertext = accessCipher
		existing.RefreshTokenCiphertext = refreshCipher
		existing.EncryptionKeyID = c.vault.KeyID()
		existing.ExpiresAt = expiresAt
		return existing, nil
	}

	conn := &models.OAuthConnection{
		PrincipalID:            principalID,
		Provider:               provider,
		ExternalAccountID:      info.ExternalAccountID,
		ExternalAccountLogin:   info.ExternalAccountLogin,
		AccessTokenCiphertext:  accessCipher,
		RefreshTokenCiphertext: refreshCipher,
		EncryptionKeyID:        c.vault.KeyID(),
		ExpiresAt:              expiresAt,
	}
	if err := c.db.CreateOAuthConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("oauthcoord: create connection: %w", err)
	}
	return conn, nil
}

// Disconnect revokes the provider token (best-effort) and deletes the
// stored connection. A revocation failure is logged here as a warning and
// does not block the local delete; token revocation is advisory cleanup,
// not a precondition for removing the connection record.
func (c *Coordinator) Disconnect(ctx context.Context, connID int64) error {
	conn, err := c.db.GetOAuthConnectionByID(ctx, connID)
	if err != nil {
		return fmt.Errorf("oauthcoord: lookup connection: %w", err)
	}
	impl, ok := c.providers[conn.Provider]
	if ok {
		if plain, err := c.vault.Open(conn.AccessTokenCiphertext); err == nil {
			if err := impl.RevokeToken(ctx, string(plain)); err != nil {
				slog.Warn("oauthcoord: token revocation failed", "connection_id", connID, "provider", conn.Provider)
			}
		}
	}
	return c.db.DeleteOAuthConnection(ctx, connID)
}

// PlaintextAccessToken opens a connection's sealed access token. Only
// call sites that must present the token to a provider API (C2) or the
// webhook installer (C4) should call this.
func (c *Coordinator) PlaintextAccessToken(conn *models.OAuthConnection) (string, error) {
	plain, err := c.vault.Open(conn.AccessTokenCiphertext)
	if err != nil {
		return "", fmt.Errorf("oauthcoord: open access token: %w", err)
	}
	return string(plain), nil
}

func (c *Coordinator) verifyState(provider models.Provider, state string) (string, error) {
	claims := &stateClaims{}
	tok, err := jwt.ParseWithClaims(state, claims, func(t *jwt.Token) (any, error) {
		return c.stateKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrStateExpired
		}
		return "", ErrStateInvalid
	}
	if !tok.Valid || claims.Provider != string(provider) {
		return "", ErrStateInvalid
	}
	return claims.PrincipalID, nil
}
