package spotify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/ratelimit"
	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/session"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) PlaybackState(ctx context.Context, token string) (json.RawMessage, bool, error) {
	args := m.Called(ctx, token)
	var raw json.RawMessage
	if v := args.Get(0); v != nil {
		raw = v.(json.RawMessage)
	}
	return raw, args.Bool(1), args.Error(2)
}

func (m *mockAPI) Play(ctx context.Context, token string, body map[string]any) error {
	return m.Called(ctx, token, body).Error(0)
}

func (m *mockAPI) Pause(ctx context.Context, token string) error {
	return m.Called(ctx, token).Error(0)
}

func (m *mockAPI) Next(ctx context.Context, token string) error {
	return m.Called(ctx, token).Error(0)
}

func (m *mockAPI) Previous(ctx context.Context, token string) error {
	return m.Called(ctx, token).Error(0)
}

func (m *mockAPI) PlayTrackOnDevice(ctx context.Context, token, uri, deviceID string) error {
	return m.Called(ctx, token, uri, deviceID).Error(0)
}

func (m *mockAPI) Seek(ctx context.Context, token string, positionMs int) error {
	return m.Called(ctx, token, positionMs).Error(0)
}

func (m *mockAPI) SetVolume(ctx context.Context, token string, percent int) error {
	return m.Called(ctx, token, percent).Error(0)
}

func (m *mockAPI) TransferPlayback(ctx context.Context, token string, deviceIDs []string, play bool) error {
	return m.Called(ctx, token, deviceIDs, play).Error(0)
}

func (m *mockAPI) QueueTrack(ctx context.Context, token, uri string) error {
	return m.Called(ctx, token, uri).Error(0)
}

func (m *mockAPI) Search(ctx context.Context, token, query, kind string, limit int) (json.RawMessage, error) {
	args := m.Called(ctx, token, query, kind, limit)
	var raw json.RawMessage
	if v := args.Get(0); v != nil {
		raw = v.(json.RawMessage)
	}
	return raw, args.Error(1)
}

func (m *mockAPI) Devices(ctx context.Context, token string) (json.RawMessage, error) {
	args := m.Called(ctx, token)
	var raw json.RawMessage
	if v := args.Get(0); v != nil {
		raw = v.(json.RawMessage)
	}
	return raw, args.Error(1)
}

var testSecret = []byte("handler-test-secret")

type handlerFixture struct {
	api      *mockAPI
	sessions *session.Store
	limiter  *ratelimit.Limiter
	server   *httptest.Server
	rdb      *redis.Client
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &handlerFixture{
		api:      &mockAPI{},
		sessions: session.NewStore(),
		limiter:  ratelimit.NewLimiter(),
		rdb:      rdb,
	}
	srv := NewServer(f.api, f.sessions, f.limiter, rdb, testSecret)
	f.server = httptest.NewServer(srv.Router())
	t.Cleanup(f.server.Close)
	return f
}

// authedRequest builds a request carrying a valid signed session cookie
// whose session holds the given access token.
func (f *handlerFixture) authedRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()

	sid := session.NewSessionID()
	f.sessions.Create(sid, session.Session{AccessToken: "tok-1"})
	signed, err := session.SignToken(testSecret, sid)
	require.NoError(t, err)

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: signed})
	return req
}

func doJSON(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func TestRequireAuth(t *testing.T) {
	f := newHandlerFixture(t)

	t.Run("no cookie", func(t *testing.T) {
		resp, err := http.Get(f.server.URL + "/devices")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("forged cookie", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/devices", nil)
		req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "garbage"})
		status, _ := doJSON(t, req)
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("valid cookie but expired session", func(t *testing.T) {
		signed, err := session.SignToken(testSecret, "gone")
		require.NoError(t, err)
		req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/devices", nil)
		req.AddCookie(&http.Cookie{Name: session.CookieName, Value: signed})
		status, _ := doJSON(t, req)
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	f.api.AssertNotCalled(t, "Devices")
}

func TestBreakerFailsFastBeforeSpotify(t *testing.T) {
	f := newHandlerFixture(t)
	f.limiter.Trigger(30)

	status, body := doJSON(t, f.authedRequest(t, http.MethodPut, "/pause", ""))

	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate limited", body["error"])
	assert.Greater(t, body["msRemaining"].(float64), float64(0))
	f.api.AssertNotCalled(t, "Pause")
}

func TestPlayPassesBodyThrough(t *testing.T) {
	f := newHandlerFixture(t)
	f.api.On("Play", mock.Anything, "tok-1", map[string]any{"context_uri": "spotify:album:1"}).Return(nil)

	status, body := doJSON(t, f.authedRequest(t, http.MethodPut, "/play", `{"context_uri":"spotify:album:1"}`))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	f.api.AssertExpectations(t)
}

func TestPlaybackStateInactive(t *testing.T) {
	f := newHandlerFixture(t)
	f.api.On("PlaybackState", mock.Anything, "tok-1").Return(nil, false, nil)

	status, body := doJSON(t, f.authedRequest(t, http.MethodGet, "/playback-state", ""))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["active"])
}

func TestPlaybackStatePassthrough(t *testing.T) {
	f := newHandlerFixture(t)
	raw := json.RawMessage(`{"is_playing":true,"progress_ms":500}`)
	f.api.On("PlaybackState", mock.Anything, "tok-1").Return(raw, true, nil)

	status, body := doJSON(t, f.authedRequest(t, http.MethodGet, "/playback-state", ""))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["is_playing"])
}

func TestPlayTrackValidation(t *testing.T) {
	f := newHandlerFixture(t)

	status, body := doJSON(t, f.authedRequest(t, http.MethodPost, "/play-track", `{}`))

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "track uri is required", body["error"])
	f.api.AssertNotCalled(t, "PlayTrackOnDevice")
}

func TestVolumeValidation(t *testing.T) {
	f := newHandlerFixture(t)

	for _, payload := range []string{`{}`, `{"volume_percent":-1}`, `{"volume_percent":101}`, `not json`} {
		status, _ := doJSON(t, f.authedRequest(t, http.MethodPut, "/volume", payload))
		assert.Equal(t, http.StatusBadRequest, status, "payload %s", payload)
	}
	f.api.AssertNotCalled(t, "SetVolume")

	f.api.On("SetVolume", mock.Anything, "tok-1", 65).Return(nil)
	status, body := doJSON(t, f.authedRequest(t, http.MethodPut, "/volume", `{"volume_percent":65}`))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(65), body["volume_percent"])
}

func TestSeekValidation(t *testing.T) {
	f := newHandlerFixture(t)

	status, _ := doJSON(t, f.authedRequest(t, http.MethodPut, "/seek", `{"position_ms":-5}`))
	assert.Equal(t, http.StatusBadRequest, status)

	f.api.On("Seek", mock.Anything, "tok-1", 95000).Return(nil)
	status, body := doJSON(t, f.authedRequest(t, http.MethodPut, "/seek", `{"position_ms":95000}`))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(95000), body["position_ms"])
}

func TestSearchRequiresQuery(t *testing.T) {
	f := newHandlerFixture(t)

	status, _ := doJSON(t, f.authedRequest(t, http.MethodGet, "/search", ""))
	assert.Equal(t, http.StatusBadRequest, status)

	raw := json.RawMessage(`{"tracks":{"items":[]}}`)
	f.api.On("Search", mock.Anything, "tok-1", "daft punk", "track", 10).Return(raw, nil)
	status, _ = doJSON(t, f.authedRequest(t, http.MethodGet, "/search?q=daft+punk&type=track&limit=10", ""))
	assert.Equal(t, http.StatusOK, status)
	f.api.AssertExpectations(t)
}

func TestDeviceValidation(t *testing.T) {
	f := newHandlerFixture(t)

	status, _ := doJSON(t, f.authedRequest(t, http.MethodPut, "/device", `{"device_ids":[]}`))
	assert.Equal(t, http.StatusBadRequest, status)

	f.api.On("TransferPlayback", mock.Anything, "tok-1", []string{"dev-1"}, true).Return(nil)
	status, _ = doJSON(t, f.authedRequest(t, http.MethodPut, "/device", `{"device_ids":["dev-1"],"play":true}`))
	assert.Equal(t, http.StatusOK, status)
}

func TestUpstream401Maps(t *testing.T) {
	f := newHandlerFixture(t)
	f.api.On("Pause", mock.Anything, "tok-1").Return(ErrUnauthorized)

	status, body := doJSON(t, f.authedRequest(t, http.MethodPut, "/pause", ""))

	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "spotify rejected the credential", body["error"])
}

func TestUpstreamErrorMapsToBadGateway(t *testing.T) {
	f := newHandlerFixture(t)
	f.api.On("Next", mock.Anything, "tok-1").Return(&APIError{Status: 404, Message: "no active device"})

	status, body := doJSON(t, f.authedRequest(t, http.MethodPost, "/next", ""))

	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, body["error"], "no active device")
}

func TestUpstream429ArmsBreakerAndWarnsRoom(t *testing.T) {
	f := newHandlerFixture(t)
	f.api.On("Previous", mock.Anything, "tok-1").Return(&APIError{Status: 429, RetryAfter: 5})

	// Listen on the broadcast channel like the realtime hub would.
	sub := f.rdb.Subscribe(context.Background(), "broadcast")
	defer sub.Close()
	ch := sub.Channel()
	time.Sleep(50 * time.Millisecond)

	status, body := doJSON(t, f.authedRequest(t, http.MethodPost, "/previous", ""))

	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.InDelta(t, 5000, body["msRemaining"].(float64), 100)
	assert.True(t, f.limiter.IsLimited())

	select {
	case msg := <-ch:
		var env struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, "rate_limited", env.Type)
		assert.Greater(t, env.Payload["msRemaining"].(float64), float64(0))
	case <-time.After(2 * time.Second):
		t.Fatal("no rate_limited event published")
	}

	// Follow-up calls fail fast without touching Spotify again.
	status, _ = doJSON(t, f.authedRequest(t, http.MethodPost, "/previous", ""))
	assert.Equal(t, http.StatusTooManyRequests, status)
	f.api.AssertNumberOfCalls(t, "Previous", 1)
}
