package party

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire framing for every event in both directions:
// {"type": "...", "payload": {...}}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound event types.
const (
	evJoin         = "join"
	evClaimFetcher = "claim_fetcher"
	evControl      = "control"
	evEnqueueTrack = "enqueue_track"
	evDequeueTrack = "dequeue_track"
	evAutoAdvance  = "auto_advance"
	evStateUpdate  = "state_update"
	evRelayResult  = "relay_result"
	evRequestSync  = "request_sync"
	evChat         = "chat"
	evShareSearch  = "share_search"
)

// Outbound event types.
const (
	evConnectionList   = "connection_list"
	evJoined           = "joined"
	evLeft             = "left"
	evFetcherChanged   = "fetcher_changed"
	evPlaybackUpdate   = "playback_update"
	evQueueUpdate      = "queue_update"
	evQueueNotice      = "queue_notice"
	evControlDenied    = "control_denied"
	evControlForwarded = "control_forwarded"
	evControlRequest   = "control_request"
	evControlResult    = "control_result"
	evControlError     = "control_error"
	evControlNotice    = "control_notice"
	evRateLimited      = "rate_limited"
	evForcedDisconnect = "forced_disconnect"
	evFullSync         = "full_sync"
	evChatMessage      = "chat_message"
	evSearchShared     = "search_shared"
	evPlayRequest      = "play_request"
)

// Inbound is the closed union of events a client may send. The hub's
// dispatch switch covers every variant.
type Inbound interface {
	inboundType() string
}

type JoinEvent struct {
	SpotifyID   string `json:"spotifyId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	IsPremium   bool   `json:"isPremium"`
}

type ClaimFetcherEvent struct{}

type ControlEvent struct {
	// Type is one of play, pause, next, previous, seek, volume, device,
	// play_track. Only the first four map to Spotify calls; the rest are
	// rebroadcast as informational notices.
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type EnqueueTrackEvent struct {
	URI        string `json:"uri"`
	Name       string `json:"name"`
	Artist     string `json:"artist"`
	AlbumArt   string `json:"albumArt"`
	DurationMs int    `json:"durationMs"`
}

type DequeueTrackEvent struct {
	ID string `json:"id"`
}

type AutoAdvanceEvent struct{}

// StateUpdateEvent is the fetcher's authoritative poll result. Nil
// fields mean "unchanged".
type StateUpdateEvent struct {
	CurrentTrack *TrackRef `json:"currentTrack"`
	IsPlaying    *bool     `json:"isPlaying"`
	PositionMs   *int      `json:"positionMs"`
}

type RelayResultEvent struct {
	Success       bool   `json:"success"`
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason,omitempty"`
}

type RequestSyncEvent struct{}

type ChatEvent struct {
	Text string `json:"text"`
}

type ShareSearchEvent struct {
	Query   string          `json:"query"`
	Results json.RawMessage `json:"results"`
}

func (JoinEvent) inboundType() string         { return evJoin }
func (ClaimFetcherEvent) inboundType() string { return evClaimFetcher }
func (ControlEvent) inboundType() string      { return evControl }
func (EnqueueTrackEvent) inboundType() string { return evEnqueueTrack }
func (DequeueTrackEvent) inboundType() string { return evDequeueTrack }
func (AutoAdvanceEvent) inboundType() string  { return evAutoAdvance }
func (StateUpdateEvent) inboundType() string  { return evStateUpdate }
func (RelayResultEvent) inboundType() string  { return evRelayResult }
func (RequestSyncEvent) inboundType() string  { return evRequestSync }
func (ChatEvent) inboundType() string         { return evChat }
func (ShareSearchEvent) inboundType() string  { return evShareSearch }

// DecodeInbound parses a wire frame into its typed event.
func DecodeInbound(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	unmarshal := func(v Inbound) (Inbound, error) {
		if len(env.Payload) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
		return v, nil
	}

	switch env.Type {
	case evJoin:
		return unmarshal(&JoinEvent{})
	case evClaimFetcher:
		return unmarshal(&ClaimFetcherEvent{})
	case evControl:
		return unmarshal(&ControlEvent{})
	case evEnqueueTrack:
		return unmarshal(&EnqueueTrackEvent{})
	case evDequeueTrack:
		return unmarshal(&DequeueTrackEvent{})
	case evAutoAdvance:
		return unmarshal(&AutoAdvanceEvent{})
	case evStateUpdate:
		return unmarshal(&StateUpdateEvent{})
	case evRelayResult:
		return unmarshal(&RelayResultEvent{})
	case evRequestSync:
		return unmarshal(&RequestSyncEvent{})
	case evChat:
		return unmarshal(&ChatEvent{})
	case evShareSearch:
		return unmarshal(&ShareSearchEvent{})
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// Encode frames an outbound event. Marshal failures cannot happen for
// our payload types, so the error is swallowed after logging upstream.
func Encode(eventType string, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil
		}
		raw = data
	}
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return nil
	}
	return data
}

// Outbound payload shapes.

type noticePayload struct {
	User      string    `json:"user"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type chatMessagePayload struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Avatar    string    `json:"avatar,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type queueUpdatePayload struct {
	Queue        []QueueItem `json:"queue"`
	ChangeKind   string      `json:"changeKind"`
	AffectedItem *QueueItem  `json:"affectedItem,omitempty"`
	By           string      `json:"by,omitempty"`
}

type controlDeniedPayload struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

type controlForwardedPayload struct {
	Action        string `json:"action"`
	CorrelationID string `json:"correlationId"`
	Target        string `json:"target"`
}

type controlRequestPayload struct {
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RequestedBy   string          `json:"requestedBy"`
	CorrelationID string          `json:"correlationId"`
}

type controlResultPayload struct {
	Success       bool   `json:"success"`
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason,omitempty"`
}

type controlErrorPayload struct {
	Action        string `json:"action,omitempty"`
	Reason        string `json:"reason"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type rateLimitedPayload struct {
	MsRemaining int64 `json:"msRemaining"`
}

type forcedDisconnectPayload struct {
	Reason string `json:"reason"`
}

type searchSharedPayload struct {
	SharedBy  string          `json:"sharedBy"`
	Query     string          `json:"query"`
	Results   json.RawMessage `json:"results,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type playRequestPayload struct {
	Track       TrackRef `json:"track"`
	RequestedBy string   `json:"requestedBy"`
}

type fullSyncPayload struct {
	PlaybackState playbackPayload `json:"playbackState"`
	Queue         []QueueItem     `json:"queue"`
	Connections   []ConnectionRef `json:"connections"`
}
