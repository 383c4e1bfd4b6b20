package oauthcoord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	ghoauth2 "golang.org/x/oauth2/github"
)

// GitHubOAuth implements ProviderOAuth against GitHub's OAuth app flow.
// GitHub access tokens for OAuth apps do not expire, so RevokeToken is
// the only lifecycle operation beyond issuance.
type GitHubOAuth struct {
	cfg *oauth2.Config
}

func NewGitHubOAuth(clientID, clientSecret, callbackBaseURL string) *GitHubOAuth {
	return &GitHubOAuth{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackBaseURL + "/api/v1/oauth/github/callback",
			Scopes:       []string{"repo", "workflow"},
			Endpoint:     ghoauth2.Endpoint,
		},
	}
}

func (g *GitHubOAuth) AuthCodeURL(state string) string {
	return g.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

func (g *GitHubOAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return g.cfg.Exchange(ctx, code)
}

func (g *GitHubOAuth) FetchUserInfo(ctx context.Context, token *oauth2.Token) (UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		return UserInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return UserInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return UserInfo{}, fmt.Errorf("github user info: status %d", resp.StatusCode)
	}
	var body struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return UserInfo{}, err
	}
	return UserInfo{
		ExternalAccountID:    fmt.Sprintf("%d", body.ID),
		ExternalAccountLogin: body.Login,
	}, nil
}

func (g *GitHubOAuth) RevokeToken(ctx context.Context, accessToken string) error {
	url := fmt.Sprintf("https://api.github.com/applications/%s/token", g.cfg.ClientID)
	body, _ := json.Marshal(map[string]string{"access_token": accessToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.ClientSecret)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("github revoke token: status %d", resp.StatusCode)
	}
	return nil
}
