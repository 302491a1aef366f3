package spotify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// TokenResponse is the accounts-service answer to a code exchange or a
// refresh-token grant. RefreshToken is empty on refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// UserProfile is the subset of /v1/me the coordination layer needs.
type UserProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Product     string `json:"product"` // "premium" gates playback control
	Images      []struct {
		URL string `json:"url"`
	} `json:"images"`
}

func (p UserProfile) AvatarURL() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0].URL
}

func (p UserProfile) IsPremium() bool {
	return p.Product == "premium"
}

// AuthorizeURL builds the user-consent redirect for the OAuth code flow.
func (c *Client) AuthorizeURL(redirectURI, state string) string {
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", c.clientID)
	v.Set("scope", Scope)
	v.Set("redirect_uri", redirectURI)
	v.Set("state", state)
	return c.accountsURL + "/authorize?" + v.Encode()
}

// ExchangeCode trades an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	return c.tokenRequest(ctx, form)
}

// RefreshAccessToken trades a refresh token for a new access token.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.accountsURL+"/api/token", strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return TokenResponse{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return TokenResponse{}, fmt.Errorf("spotify: token request status %d", resp.StatusCode)
	}

	var out TokenResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return TokenResponse{}, err
	}
	return out, nil
}

// Me fetches the profile of the token's account.
func (c *Client) Me(ctx context.Context, accessToken string) (UserProfile, error) {
	data, _, err := c.do(ctx, http.MethodGet, "/me", accessToken, nil, nil)
	if err != nil {
		return UserProfile{}, err
	}
	var profile UserProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return UserProfile{}, err
	}
	return profile, nil
}
