package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/ratelimit"
	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/session"
)

// API is the part of Client the pass-through handlers use. It exists so
// tests can stub Spotify.
type API interface {
	PlaybackState(ctx context.Context, accessToken string) (json.RawMessage, bool, error)
	Play(ctx context.Context, accessToken string, body map[string]any) error
	Pause(ctx context.Context, accessToken string) error
	Next(ctx context.Context, accessToken string) error
	Previous(ctx context.Context, accessToken string) error
	PlayTrackOnDevice(ctx context.Context, accessToken, uri, deviceID string) error
	Seek(ctx context.Context, accessToken string, positionMs int) error
	SetVolume(ctx context.Context, accessToken string, percent int) error
	TransferPlayback(ctx context.Context, accessToken string, deviceIDs []string, play bool) error
	QueueTrack(ctx context.Context, accessToken, uri string) error
	Search(ctx context.Context, accessToken, query, kind string, limit int) (json.RawMessage, error)
	Devices(ctx context.Context, accessToken string) (json.RawMessage, error)
}

// Server is the authenticated HTTP pass-through to the Spotify Web
// API. Every call runs with the requesting session's own credential and
// is guarded by the global rate-limit breaker.
type Server struct {
	api          API
	sessions     *session.Store
	limiter      *ratelimit.Limiter
	rdb          *redis.Client
	cookieSecret []byte
}

func NewServer(api API, sessions *session.Store, limiter *ratelimit.Limiter, rdb *redis.Client, cookieSecret []byte) *Server {
	return &Server{
		api:          api,
		sessions:     sessions,
		limiter:      limiter,
		rdb:          rdb,
		cookieSecret: cookieSecret,
	}
}

func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/playback-state", s.handlePlaybackState)
		r.Get("/search", s.handleSearch)
		r.Get("/devices", s.handleDevices)

		r.Put("/play", s.handlePlay)
		r.Put("/pause", s.handlePause)
		r.Post("/next", s.handleNext)
		r.Post("/previous", s.handlePrevious)
		r.Post("/play-track", s.handlePlayTrack)
		r.Post("/queue", s.handleQueue)
		r.Put("/device", s.handleDevice)
		r.Put("/volume", s.handleVolume)
		r.Put("/seek", s.handleSeek)
	})

	return r
}

type ctxKey int

const tokenKey ctxKey = 0

// requireAuth resolves the session cookie to a cached access token and
// fails fast while the breaker is armed, before Spotify is touched.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid, ok := session.FromRequest(r, s.cookieSecret)
		if !ok {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		token, ok := s.sessions.Resolve(sid)
		if !ok {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		if s.limiter.IsLimited() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate limited",
				"msRemaining": s.limiter.RemainingMs(),
			})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey, token)))
	})
}

func accessToken(r *http.Request) string {
	token, _ := r.Context().Value(tokenKey).(string)
	return token
}

// writeAPIError maps adapter failures onto HTTP. A 429 from Spotify
// arms the breaker and warns the whole room over the broadcast channel.
func (s *Server) writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "spotify rejected the credential")
		return
	}
	if IsRateLimited(err) {
		ms := s.limiter.Trigger(RetryAfterSeconds(err))
		s.publishEvent(r.Context(), "rate_limited", map[string]any{"msRemaining": ms})
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limited",
			"msRemaining": ms,
		})
		return
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		writeError(w, http.StatusBadGateway, apiErr.Error())
		return
	}
	log.Printf("spotify-connect: spotify call failed: %v", err)
	writeError(w, http.StatusBadGateway, "failed to reach spotify")
}

// publishEvent pushes an already-shaped event onto the broadcast
// channel, where the realtime hub picks it up.
func (s *Server) publishEvent(ctx context.Context, eventType string, payload any) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"type":    eventType,
		"payload": payload,
	})
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, "broadcast", string(data)).Err(); err != nil {
		log.Printf("spotify-connect: publish event: %v", err)
	}
}

func (s *Server) handlePlaybackState(w http.ResponseWriter, r *http.Request) {
	state, active, err := s.api.PlaybackState(r.Context(), accessToken(r))
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	if !active {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(state)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body) // empty body is fine

	if err := s.api.Play(r.Context(), accessToken(r), body); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.api.Pause(r.Context(), accessToken(r)); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	if err := s.api.Next(r.Context(), accessToken(r)); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePrevious(w http.ResponseWriter, r *http.Request) {
	if err := s.api.Previous(r.Context(), accessToken(r)); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePlayTrack(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URI      string `json:"uri"`
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URI == "" {
		writeError(w, http.StatusBadRequest, "track uri is required")
		return
	}

	if err := s.api.PlayTrackOnDevice(r.Context(), accessToken(r), body.URI, body.DeviceID); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URI == "" {
		writeError(w, http.StatusBadRequest, "track uri is required")
		return
	}

	if err := s.api.QueueTrack(r.Context(), accessToken(r), body.URI); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceIDs []string `json:"device_ids"`
		Play      bool     `json:"play"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.DeviceIDs) == 0 {
		writeError(w, http.StatusBadRequest, "device_ids is required")
		return
	}

	if err := s.api.TransferPlayback(r.Context(), accessToken(r), body.DeviceIDs, body.Play); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VolumePercent *float64 `json:"volume_percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.VolumePercent == nil ||
		*body.VolumePercent < 0 || *body.VolumePercent > 100 {
		writeError(w, http.StatusBadRequest, "volume must be between 0 and 100")
		return
	}

	percent := int(*body.VolumePercent + 0.5)
	if err := s.api.SetVolume(r.Context(), accessToken(r), percent); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "volume_percent": percent})
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PositionMs *float64 `json:"position_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PositionMs == nil || *body.PositionMs < 0 {
		writeError(w, http.StatusBadRequest, "position must be a positive number")
		return
	}

	positionMs := int(*body.PositionMs + 0.5)
	if err := s.api.Seek(r.Context(), accessToken(r), positionMs); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "position_ms": positionMs})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "search query is required")
		return
	}
	kind := r.URL.Query().Get("type")

	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 50 {
		limit = v
	}

	results, err := s.api.Search(r.Context(), accessToken(r), query, kind, limit)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(results)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.api.Devices(r.Context(), accessToken(r))
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(devices)
}
