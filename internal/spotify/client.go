package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultAPIURL      = "https://api.spotify.com/v1"
	defaultAccountsURL = "https://accounts.spotify.com"
)

// Scope covers profile reads plus full playback control.
const Scope = "user-read-private user-read-email user-read-playback-state user-modify-playback-state user-read-currently-playing streaming"

// ErrUnauthorized means no usable credential: the caller must not retry
// without re-authenticating.
var ErrUnauthorized = errors.New("spotify: unauthorized")

// APIError is any non-2xx answer from the Spotify Web API.
type APIError struct {
	Status  int
	Message string
	// RetryAfter is the server-advertised cooldown in seconds for 429
	// responses, zero otherwise.
	RetryAfter int
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("spotify: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("spotify: status %d", e.Status)
}

// IsRateLimited reports whether err is a 429 from Spotify.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}

// RetryAfterSeconds extracts the advertised cooldown from a 429 error,
// zero when the server sent none.
func RetryAfterSeconds(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// Client talks to the Spotify Web API and the accounts service. Every
// playback method takes the access token of the account whose device is
// being driven; the client itself holds no user state.
type Client struct {
	clientID     string
	clientSecret string
	apiURL       string
	accountsURL  string
	http         *http.Client
}

func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		apiURL:       defaultAPIURL,
		accountsURL:  defaultAccountsURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewClientWithURLs is used by tests to point the client at stub servers.
func NewClientWithURLs(clientID, clientSecret, apiURL, accountsURL string) *Client {
	c := NewClient(clientID, clientSecret)
	c.apiURL = apiURL
	c.accountsURL = accountsURL
	return c
}

func (c *Client) do(ctx context.Context, method, path, accessToken string, query url.Values, body any) ([]byte, int, error) {
	if accessToken == "" {
		return nil, 0, ErrUnauthorized
	}

	reqURL := c.apiURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: extractMessage(data)}
		if resp.StatusCode == http.StatusTooManyRequests {
			if v, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				apiErr.RetryAfter = v
			}
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, resp.StatusCode, fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		}
		return nil, resp.StatusCode, apiErr
	}

	return data, resp.StatusCode, nil
}

// extractMessage pulls the human-readable part out of Spotify's
// {"error":{"status":N,"message":"..."}} envelope.
func extractMessage(data []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return ""
}

// Play starts or resumes playback. A non-empty body is forwarded
// verbatim (uris, context_uri, device_id, ...).
func (c *Client) Play(ctx context.Context, accessToken string, body map[string]any) error {
	var payload any = struct{}{}
	if len(body) > 0 {
		payload = body
	}
	_, _, err := c.do(ctx, http.MethodPut, "/me/player/play", accessToken, nil, payload)
	return err
}

// Resume continues playback on the account's active device.
func (c *Client) Resume(ctx context.Context, accessToken string) error {
	return c.Play(ctx, accessToken, nil)
}

func (c *Client) Pause(ctx context.Context, accessToken string) error {
	_, _, err := c.do(ctx, http.MethodPut, "/me/player/pause", accessToken, nil, struct{}{})
	return err
}

func (c *Client) Next(ctx context.Context, accessToken string) error {
	_, _, err := c.do(ctx, http.MethodPost, "/me/player/next", accessToken, nil, struct{}{})
	return err
}

func (c *Client) Previous(ctx context.Context, accessToken string) error {
	_, _, err := c.do(ctx, http.MethodPost, "/me/player/previous", accessToken, nil, struct{}{})
	return err
}

// PlayTrack starts a specific track, optionally on a specific device.
func (c *Client) PlayTrack(ctx context.Context, accessToken, uri string) error {
	return c.PlayTrackOnDevice(ctx, accessToken, uri, "")
}

func (c *Client) PlayTrackOnDevice(ctx context.Context, accessToken, uri, deviceID string) error {
	body := map[string]any{"uris": []string{uri}}
	if deviceID != "" {
		body["device_id"] = deviceID
	}
	return c.Play(ctx, accessToken, body)
}

func (c *Client) Seek(ctx context.Context, accessToken string, positionMs int) error {
	q := url.Values{}
	q.Set("position_ms", strconv.Itoa(positionMs))
	_, _, err := c.do(ctx, http.MethodPut, "/me/player/seek", accessToken, q, struct{}{})
	return err
}

func (c *Client) SetVolume(ctx context.Context, accessToken string, percent int) error {
	q := url.Values{}
	q.Set("volume_percent", strconv.Itoa(percent))
	_, _, err := c.do(ctx, http.MethodPut, "/me/player/volume", accessToken, q, struct{}{})
	return err
}

// TransferPlayback moves playback to another device.
func (c *Client) TransferPlayback(ctx context.Context, accessToken string, deviceIDs []string, play bool) error {
	body := map[string]any{"device_ids": deviceIDs, "play": play}
	_, _, err := c.do(ctx, http.MethodPut, "/me/player", accessToken, nil, body)
	return err
}

// QueueTrack appends a track to the account's own Spotify queue.
func (c *Client) QueueTrack(ctx context.Context, accessToken, uri string) error {
	q := url.Values{}
	q.Set("uri", uri)
	_, _, err := c.do(ctx, http.MethodPost, "/me/player/queue", accessToken, q, struct{}{})
	return err
}

// PlaybackState returns the raw player state, or active=false when the
// account has no active device (Spotify answers 204).
func (c *Client) PlaybackState(ctx context.Context, accessToken string) (json.RawMessage, bool, error) {
	data, status, err := c.do(ctx, http.MethodGet, "/me/player", accessToken, nil, nil)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusNoContent || len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

func (c *Client) Search(ctx context.Context, accessToken, query, kind string, limit int) (json.RawMessage, error) {
	if kind == "" {
		kind = "track"
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("type", kind)
	q.Set("limit", strconv.Itoa(limit))
	data, _, err := c.do(ctx, http.MethodGet, "/search", accessToken, q, nil)
	return data, err
}

func (c *Client) Devices(ctx context.Context, accessToken string) (json.RawMessage, error) {
	data, _, err := c.do(ctx, http.MethodGet, "/me/player/devices", accessToken, nil, nil)
	return data, err
}
