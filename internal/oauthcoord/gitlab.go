package oauthcoord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	neturl "net/url"

	"golang.org/x/oauth2"
)

// GitLabOAuth implements ProviderOAuth against GitLab's OAuth app flow.
// Unlike GitHub, GitLab access tokens expire and carry a refresh token;
// the returned oauth2.Token's Expiry and refresh token are persisted by
// the coordinator with the connection. No component refreshes an expired
// token; provider/gitlab.Client uses the stored access token as is.
type GitLabOAuth struct {
	cfg *oauth2.Config
}

func NewGitLabOAuth(clientID, clientSecret, callbackBaseURL string) *GitLabOAuth {
	return &GitLabOAuth{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackBaseURL + "/api/v1/oauth/gitlab/callback",
			Scopes:       []string{"api", "read_user"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://gitlab.com/oauth/authorize",
				TokenURL: "https://gitlab.com/oauth/token",
			},
		},
	}
}

func (g *GitLabOAuth) AuthCodeURL(state string) string {
	return g.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (g *GitLabOAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return g.cfg.Exchange(ctx, code)
}

func (g *GitLabOAuth) FetchUserInfo(ctx context.Context, token *oauth2.Token) (UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://gitlab.com/api/v4/user", nil)
	if err != nil {
		return UserInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return UserInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return UserInfo{}, fmt.Errorf("gitlab user info: status %d", resp.StatusCode)
	}
	var body struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return UserInfo{}, err
	}
	return UserInfo{
		ExternalAccountID:    fmt.Sprintf("%d", body.ID),
		ExternalAccountLogin: body.Username,
	}, nil
}

// RevokeToken calls GitLab's OAuth revocation endpoint. GitLab returns
// 200 with an empty body on both a successful revoke and an
// already-invalid token, so no status-specific error mapping is needed.
func (g *GitLabOAuth) RevokeToken(ctx context.Context, accessToken string) error {
	form := neturl.Values{
		"client_id":     {g.cfg.ClientID},
		"client_secret": {g.cfg.ClientSecret},
		"token":         {accessToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://gitlab.com/oauth/revoke", nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = form.Encode()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gitlab revoke token: status %d", resp.StatusCode)
	}
	return nil
}
