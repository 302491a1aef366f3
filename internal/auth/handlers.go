package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/session"
	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/spotify"
)

const stateCookie = "spotify_auth_state"

// OAuthClient is the accounts-side of the Spotify adapter the auth flow
// needs. Implemented by spotify.Client.
type OAuthClient interface {
	AuthorizeURL(redirectURI, state string) string
	ExchangeCode(ctx context.Context, code, redirectURI string) (spotify.TokenResponse, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (spotify.TokenResponse, error)
	Me(ctx context.Context, accessToken string) (spotify.UserProfile, error)
}

// Server implements the OAuth code flow against Spotify and owns the
// session cookie lifecycle.
type Server struct {
	oauth        OAuthClient
	sessions     *session.Store
	cookieSecret []byte
	clientURL    string
	redirectURI  string
	secure       bool
}

func NewServer(oauth OAuthClient, sessions *session.Store, cookieSecret []byte, clientURL, redirectURI string, secure bool) *Server {
	return &Server{
		oauth:        oauth,
		sessions:     sessions,
		cookieSecret: cookieSecret,
		clientURL:    clientURL,
		redirectURI:  redirectURI,
		secure:       secure,
	}
}

func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/login", s.handleLogin)
	r.Get("/callback", s.handleCallback)
	r.Post("/refresh", s.handleRefresh)
	r.Post("/logout", s.handleLogout)
	r.Get("/status", s.handleStatus)
	r.Get("/sessions-stats", s.handleSessionsStats)

	return r
}

func randomState() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// handleLogin starts the code flow: mints the session id and the CSRF
// state, then sends the user to Spotify's consent page.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := randomState()
	sessionID := session.NewSessionID()

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
	})
	if err := session.SetCookie(w, s.cookieSecret, sessionID, s.secure); err != nil {
		log.Printf("spotify-connect: sign session cookie: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to start login")
		return
	}

	http.Redirect(w, r, s.oauth.AuthorizeURL(s.redirectURI, state), http.StatusFound)
}

// handleCallback finishes the code flow: validates the state, exchanges
// the code, fetches the profile and stores the session.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	stored, err := r.Cookie(stateCookie)
	if state == "" || err != nil || stored.Value != state {
		http.Redirect(w, r, s.clientURL+"/?error=state_mismatch", http.StatusFound)
		return
	}

	sessionID, ok := session.FromRequest(r, s.cookieSecret)
	if !ok {
		http.Redirect(w, r, s.clientURL+"/?error=session_missing", http.StatusFound)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	code := q.Get("code")
	if code == "" {
		http.Redirect(w, r, s.clientURL+"/?auth=error&message="+url.QueryEscape("missing code"), http.StatusFound)
		return
	}

	tokens, err := s.oauth.ExchangeCode(r.Context(), code, s.redirectURI)
	if err != nil {
		log.Printf("spotify-connect: code exchange: %v", err)
		http.Redirect(w, r, s.clientURL+"/?auth=error&message="+url.QueryEscape("authentication failed"), http.StatusFound)
		return
	}

	profile, err := s.oauth.Me(r.Context(), tokens.AccessToken)
	if err != nil {
		log.Printf("spotify-connect: fetch profile: %v", err)
		http.Redirect(w, r, s.clientURL+"/?auth=error&message="+url.QueryEscape("authentication failed"), http.StatusFound)
		return
	}

	s.sessions.Create(sessionID, session.Session{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Profile: session.Profile{
			SpotifyID:   profile.ID,
			DisplayName: profile.DisplayName,
			AvatarURL:   profile.AvatarURL(),
			IsPremium:   profile.IsPremium(),
		},
	})

	http.Redirect(w, r, s.clientURL+"/?auth=success&user="+url.QueryEscape(profile.DisplayName), http.StatusFound)
}

// handleRefresh swaps the session's access token for a fresh one.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := session.FromRequest(r, s.cookieSecret)
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok || sess.RefreshToken == "" {
		writeError(w, http.StatusUnauthorized, "invalid session or no refresh token")
		return
	}

	tokens, err := s.oauth.RefreshAccessToken(r.Context(), sess.RefreshToken)
	if err != nil {
		log.Printf("spotify-connect: token refresh: %v", err)
		writeError(w, http.StatusBadRequest, "invalid refresh token")
		return
	}
	s.sessions.SetAccessToken(sessionID, tokens.AccessToken)

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sessionID, ok := session.FromRequest(r, s.cookieSecret); ok {
		s.sessions.Delete(sessionID)
	}
	session.ClearCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleStatus reports whether the session's credential still works by
// probing the profile endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := session.FromRequest(r, s.cookieSecret)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok || sess.AccessToken == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}

	profile, err := s.oauth.Me(r.Context(), sess.AccessToken)
	if err != nil {
		log.Printf("spotify-connect: stale token for session %s", sessionID)
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user": map[string]any{
			"id":           profile.ID,
			"display_name": profile.DisplayName,
			"avatar_url":   profile.AvatarURL(),
			"premium":      profile.IsPremium(),
		},
	})
}

func (s *Server) handleSessionsStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Stats())
}
