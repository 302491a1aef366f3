package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/session"
	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/spotify"
)

var testSecret = []byte("auth-test-secret")

// stubOAuth plays back canned accounts-service answers.
type stubOAuth struct {
	exchangeErr error
	refreshErr  error
	meErr       error
	profile     spotify.UserProfile

	gotCode    string
	gotRefresh string
}

func (s *stubOAuth) AuthorizeURL(redirectURI, state string) string {
	return "https://accounts.example/authorize?state=" + state + "&redirect_uri=" + url.QueryEscape(redirectURI)
}

func (s *stubOAuth) ExchangeCode(_ context.Context, code, _ string) (spotify.TokenResponse, error) {
	s.gotCode = code
	if s.exchangeErr != nil {
		return spotify.TokenResponse{}, s.exchangeErr
	}
	return spotify.TokenResponse{AccessToken: "at-1", RefreshToken: "rt-1"}, nil
}

func (s *stubOAuth) RefreshAccessToken(_ context.Context, refreshToken string) (spotify.TokenResponse, error) {
	s.gotRefresh = refreshToken
	if s.refreshErr != nil {
		return spotify.TokenResponse{}, s.refreshErr
	}
	return spotify.TokenResponse{AccessToken: "at-2"}, nil
}

func (s *stubOAuth) Me(_ context.Context, _ string) (spotify.UserProfile, error) {
	if s.meErr != nil {
		return spotify.UserProfile{}, s.meErr
	}
	return s.profile, nil
}

type authFixture struct {
	oauth    *stubOAuth
	sessions *session.Store
	server   *httptest.Server
	client   *http.Client
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	f := &authFixture{
		oauth: &stubOAuth{
			profile: spotify.UserProfile{ID: "alice", DisplayName: "Alice", Product: "premium"},
		},
		sessions: session.NewStore(),
	}
	srv := NewServer(f.oauth, f.sessions, testSecret, "http://client.example", "http://localhost:5000/auth/callback", false)
	f.server = httptest.NewServer(srv.Router())
	t.Cleanup(f.server.Close)

	f.client = &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return f
}

func cookieByName(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginRedirectsToConsent(t *testing.T) {
	f := newAuthFixture(t)

	resp, err := f.client.Get(f.server.URL + "/login")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "accounts.example", loc.Host)

	stateC := cookieByName(resp, stateCookie)
	require.NotNil(t, stateC)
	assert.Equal(t, stateC.Value, loc.Query().Get("state"))

	sessC := cookieByName(resp, session.CookieName)
	require.NotNil(t, sessC)
	sid, err := session.VerifyToken(testSecret, sessC.Value)
	require.NoError(t, err)
	assert.NotEmpty(t, sid)
}

// login then callback, carrying the cookies between the two like a
// browser would.
func completeLogin(t *testing.T, f *authFixture, callbackQuery string) (*http.Response, string) {
	t.Helper()

	login, err := f.client.Get(f.server.URL + "/login")
	require.NoError(t, err)
	login.Body.Close()

	stateC := cookieByName(login, stateCookie)
	sessC := cookieByName(login, session.CookieName)
	require.NotNil(t, stateC)
	require.NotNil(t, sessC)
	sid, err := session.VerifyToken(testSecret, sessC.Value)
	require.NoError(t, err)

	if callbackQuery == "" {
		callbackQuery = "code=the-code&state=" + stateC.Value
	}
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/callback?"+callbackQuery, nil)
	require.NoError(t, err)
	req.AddCookie(stateC)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: sessC.Value})

	resp, err := f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, sid
}

func TestCallbackCreatesSession(t *testing.T) {
	f := newAuthFixture(t)

	resp, sid := completeLogin(t, f, "")

	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "auth=success")
	assert.Contains(t, resp.Header.Get("Location"), "user=Alice")
	assert.Equal(t, "the-code", f.oauth.gotCode)

	sess, ok := f.sessions.Get(sid)
	require.True(t, ok)
	assert.Equal(t, "at-1", sess.AccessToken)
	assert.Equal(t, "rt-1", sess.RefreshToken)
	assert.Equal(t, "alice", sess.Profile.SpotifyID)
	assert.True(t, sess.Profile.IsPremium)
}

func TestCallbackStateMismatch(t *testing.T) {
	f := newAuthFixture(t)

	resp, sid := completeLogin(t, f, "code=the-code&state=wrong")

	assert.Contains(t, resp.Header.Get("Location"), "error=state_mismatch")
	_, ok := f.sessions.Get(sid)
	assert.False(t, ok)
}

func TestCallbackExchangeFailure(t *testing.T) {
	f := newAuthFixture(t)
	f.oauth.exchangeErr = errors.New("invalid code")

	resp, sid := completeLogin(t, f, "")

	assert.Contains(t, resp.Header.Get("Location"), "auth=error")
	_, ok := f.sessions.Get(sid)
	assert.False(t, ok)
}

func sessionCookie(t *testing.T, sid string) *http.Cookie {
	t.Helper()
	signed, err := session.SignToken(testSecret, sid)
	require.NoError(t, err)
	return &http.Cookie{Name: session.CookieName, Value: signed}
}

func TestRefreshUpdatesAccessToken(t *testing.T) {
	f := newAuthFixture(t)
	f.sessions.Create("sid-1", session.Session{AccessToken: "old", RefreshToken: "rt-1"})

	req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/refresh", nil)
	req.AddCookie(sessionCookie(t, "sid-1"))
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rt-1", f.oauth.gotRefresh)
	sess, _ := f.sessions.Get("sid-1")
	assert.Equal(t, "at-2", sess.AccessToken)
}

func TestRefreshWithoutSession(t *testing.T) {
	f := newAuthFixture(t)

	resp, err := http.Post(f.server.URL+"/refresh", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogoutDropsSession(t *testing.T) {
	f := newAuthFixture(t)
	f.sessions.Create("sid-1", session.Session{AccessToken: "at"})

	req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/logout", nil)
	req.AddCookie(sessionCookie(t, "sid-1"))
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok := f.sessions.Get("sid-1")
	assert.False(t, ok)

	cleared := cookieByName(resp, session.CookieName)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
}

func TestStatus(t *testing.T) {
	f := newAuthFixture(t)

	t.Run("anonymous", func(t *testing.T) {
		resp, err := http.Get(f.server.URL + "/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, decodeBody(resp, &body))
		assert.Equal(t, false, body["authenticated"])
	})

	t.Run("valid token", func(t *testing.T) {
		f.sessions.Create("sid-1", session.Session{AccessToken: "at"})
		req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/status", nil)
		req.AddCookie(sessionCookie(t, "sid-1"))
		resp, err := f.client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		var body map[string]any
		require.NoError(t, decodeBody(resp, &body))
		assert.Equal(t, true, body["authenticated"])
		user := body["user"].(map[string]any)
		assert.Equal(t, "alice", user["id"])
		assert.Equal(t, true, user["premium"])
	})

	t.Run("stale token", func(t *testing.T) {
		f.oauth.meErr = spotify.ErrUnauthorized
		req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/status", nil)
		req.AddCookie(sessionCookie(t, "sid-1"))
		resp, err := f.client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		var body map[string]any
		require.NoError(t, decodeBody(resp, &body))
		assert.Equal(t, false, body["authenticated"])
	})
}

func TestSessionsStats(t *testing.T) {
	f := newAuthFixture(t)
	f.sessions.Create("sid-1", session.Session{AccessToken: "at"})

	resp, err := http.Get(f.server.URL + "/sessions-stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats session.Stats
	require.NoError(t, decodeBody(resp, &stats))
	assert.Equal(t, 1, stats.TotalSessions)
	require.Len(t, stats.ActiveSessions, 1)
	assert.Equal(t, "sid-1", stats.ActiveSessions[0].SessionID)
}

func decodeBody(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
