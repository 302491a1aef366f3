package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"sync"
	"time"
)

// Profile is the Spotify account behind a session. IsPremium gates
// direct playback control and fetcher eligibility.
type Profile struct {
	SpotifyID   string `json:"spotifyId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	IsPremium   bool   `json:"isPremium"`
}

// Session couples a cached Spotify credential with the account profile
// it belongs to. Sessions only live in memory; a restart logs everyone out.
type Session struct {
	AccessToken  string
	RefreshToken string
	Profile      Profile
	CreatedAt    time.Time
	LastAccess   time.Time
}

// Store maps opaque session ids to Sessions. It is shared between the
// HTTP surface and the realtime hub, so all access is mutex-guarded.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// NewSessionID returns a fresh opaque session id.
func NewSessionID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (s *Store) Create(id string, sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	sess.CreatedAt = now
	sess.LastAccess = now
	s.sessions[id] = &sess
	log.Printf("spotify-connect: session created for %s", sess.Profile.DisplayName)
}

// Get returns a copy of the session and refreshes its last-access time.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	sess.LastAccess = s.now()
	return *sess, true
}

// Resolve returns the cached access token for a session id. This is the
// credential lookup the hub uses before every Spotify call.
func (s *Store) Resolve(id string) (string, bool) {
	sess, ok := s.Get(id)
	if !ok || sess.AccessToken == "" {
		return "", false
	}
	return sess.AccessToken, true
}

// SetAccessToken swaps in a freshly refreshed access token.
func (s *Store) SetAccessToken(id, accessToken string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.AccessToken = accessToken
	sess.LastAccess = s.now()
	return true
}

func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	log.Printf("spotify-connect: session deleted for %s", sess.Profile.DisplayName)
	delete(s.sessions, id)
	return true
}

// Sweep drops sessions idle for longer than maxAge and returns how many
// were removed.
func (s *Store) Sweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cleaned := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastAccess) > maxAge {
			delete(s.sessions, id)
			cleaned++
		}
	}
	if cleaned > 0 {
		log.Printf("spotify-connect: swept %d expired sessions", cleaned)
	}
	return cleaned
}

// StartSweeper runs Sweep on a background ticker until ctx is cancelled.
// It never blocks request handling or hub dispatch.
func (s *Store) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				s.Sweep(maxAge)
			}
		}
	}()
}

// SessionInfo is the redacted view exposed by the stats endpoint.
type SessionInfo struct {
	SessionID   string    `json:"sessionId"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
	LastAccess  time.Time `json:"lastAccess"`
}

type Stats struct {
	TotalSessions  int           `json:"totalSessions"`
	ActiveSessions []SessionInfo `json:"activeSessions"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{TotalSessions: len(s.sessions)}
	for id, sess := range s.sessions {
		out.ActiveSessions = append(out.ActiveSessions, SessionInfo{
			SessionID:   id,
			DisplayName: sess.Profile.DisplayName,
			CreatedAt:   sess.CreatedAt,
			LastAccess:  sess.LastAccess,
		})
	}
	return out
}
