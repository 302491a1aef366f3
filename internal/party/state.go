package party

import "time"

// TrackRef identifies a playable track.
type TrackRef struct {
	URI        string `json:"uri"`
	Name       string `json:"name"`
	Artist     string `json:"artist,omitempty"`
	AlbumArt   string `json:"albumArt,omitempty"`
	DurationMs int    `json:"durationMs,omitempty"`
}

// QueueItem is one pending entry in the shared queue.
type QueueItem struct {
	ID      string    `json:"id"`
	Track   TrackRef  `json:"track"`
	AddedBy string    `json:"addedBy"`
	AddedAt time.Time `json:"addedAt"`
}

// PlaybackState is the transport part of the shared state. The fields
// describe the owner account's live device; they mean nothing without
// OwnerSpotifyID.
type PlaybackState struct {
	IsPlaying      bool
	CurrentTrack   *TrackRef
	PositionMs     int
	OwnerSpotifyID string
}

// ConnectionRef is the public view of one live connection.
type ConnectionRef struct {
	ConnectionID string    `json:"connectionId"`
	SpotifyID    string    `json:"spotifyId"`
	DisplayName  string    `json:"displayName"`
	AvatarURL    string    `json:"avatarUrl,omitempty"`
	IsPremium    bool      `json:"isPremium"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// playbackPayload is what goes over the wire in playback_update and
// full_sync, after per-recipient masking. The queue is not part of it:
// queue contents travel in queue_update and as a sibling field of
// full_sync, never masked.
type playbackPayload struct {
	IsPlaying      bool           `json:"isPlaying"`
	CurrentTrack   *TrackRef      `json:"currentTrack"`
	PositionMs     int            `json:"positionMs"`
	OwnerSpotifyID string         `json:"ownerSpotifyId,omitempty"`
	Fetcher        *ConnectionRef `json:"fetcher"`
}

// visiblePlaybackFor masks the transport fields for everyone except the
// fetcher's own connection while the fetcher is also the owner. The
// fetcher's ambient listening must not leak to the room; only playback
// the room initiated (someone became owner through it) is shared.
func (h *Hub) visiblePlaybackFor(c *Client) playbackPayload {
	out := playbackPayload{
		OwnerSpotifyID: h.state.OwnerSpotifyID,
		Fetcher:        h.fetcherRef(),
	}

	entitled := h.fetcher != nil &&
		c == h.fetcher &&
		h.state.OwnerSpotifyID != "" &&
		h.state.OwnerSpotifyID == h.fetcher.identity.SpotifyID

	if entitled {
		out.IsPlaying = h.state.IsPlaying
		out.CurrentTrack = h.state.CurrentTrack
		out.PositionMs = h.state.PositionMs
	}
	return out
}

func (h *Hub) fetcherRef() *ConnectionRef {
	if h.fetcher == nil {
		return nil
	}
	ref := h.fetcher.ref()
	return &ref
}
