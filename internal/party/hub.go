package party

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/ratelimit"
)

const (
	// evictionGrace lets the forced_disconnect notice flush before the
	// superseded socket is closed.
	evictionGrace = time.Second

	// relayTimeout bounds how long a forwarded control action may stay
	// unanswered before the requester gets an error.
	relayTimeout = 30 * time.Second

	logThrottleInterval = 10 * time.Second
)

// CredentialResolver supplies the cached Spotify access token for a
// session id. Implemented by session.Store.
type CredentialResolver interface {
	Resolve(sessionID string) (string, bool)
}

// Provider is the playback side of the Spotify adapter, the only part
// of it the hub drives.
type Provider interface {
	Resume(ctx context.Context, accessToken string) error
	Pause(ctx context.Context, accessToken string) error
	Next(ctx context.Context, accessToken string) error
	Previous(ctx context.Context, accessToken string) error
	PlayTrack(ctx context.Context, accessToken, uri string) error
}

type inboundMsg struct {
	from  *Client
	event Inbound
}

type pendingRelay struct {
	requesterID string
	targetID    string
	action      string
}

// Hub owns every piece of shared state: the connection registry, the
// playback state, the queue and the in-flight relays. A single
// goroutine (Run) processes each event to completion, including the
// Spotify call it may involve, so no other synchronization exists and
// no two mutations can interleave.
type Hub struct {
	creds    CredentialResolver
	provider Provider
	limiter  *ratelimit.Limiter

	clients     map[string]*Client // every open socket, by connection id
	bySpotifyID map[string]*Client // joined connections, by account
	order       []string           // join order of connection ids

	state   PlaybackState
	queue   []QueueItem
	fetcher *Client
	pending map[string]pendingRelay

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundMsg
	relayed    chan []byte // raw frames from the redis bridge
	tasks      chan func() // timer callbacks re-enter the loop here

	now      func() time.Time
	newID    func() string
	schedule func(time.Duration, func())

	// lastLog has its own lock: the read pumps throttle through it too.
	logMu   sync.Mutex
	lastLog map[string]time.Time
}

func NewHub(creds CredentialResolver, provider Provider, limiter *ratelimit.Limiter) *Hub {
	h := &Hub{
		creds:       creds,
		provider:    provider,
		limiter:     limiter,
		clients:     make(map[string]*Client),
		bySpotifyID: make(map[string]*Client),
		pending:     make(map[string]pendingRelay),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		inbound:     make(chan inboundMsg, 64),
		relayed:     make(chan []byte, 64),
		tasks:       make(chan func(), 64),
		now:         time.Now,
		newID:       uuid.NewString,
		lastLog:     make(map[string]time.Time),
	}
	h.schedule = func(d time.Duration, f func()) {
		time.AfterFunc(d, func() { h.tasks <- f })
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c.id] = c
		case c := <-h.unregister:
			h.disconnect(c)
		case m := <-h.inbound:
			h.dispatch(m.from, m.event)
		case frame := <-h.relayed:
			h.broadcastRaw(frame)
		case task := <-h.tasks:
			task()
		}
	}
}

// dispatch is the exhaustive switch over the inbound union.
func (h *Hub) dispatch(c *Client, event Inbound) {
	switch ev := event.(type) {
	case *JoinEvent:
		h.handleJoin(c, ev)
	case *ClaimFetcherEvent:
		h.handleClaimFetcher(c)
	case *ControlEvent:
		h.handleControl(c, ev)
	case *EnqueueTrackEvent:
		h.handleEnqueue(c, ev)
	case *DequeueTrackEvent:
		h.handleDequeue(c, ev)
	case *AutoAdvanceEvent:
		h.handleAutoAdvance(c)
	case *StateUpdateEvent:
		h.handleStateUpdate(c, ev)
	case *RelayResultEvent:
		h.handleRelayResult(c, ev)
	case *RequestSyncEvent:
		h.handleRequestSync(c)
	case *ChatEvent:
		h.handleChat(c, ev)
	case *ShareSearchEvent:
		h.handleShareSearch(c, ev)
	default:
		if h.shouldLog("unknown_event", logThrottleInterval) {
			log.Printf("spotify-connect: unhandled event %T from %s", event, c.id)
		}
	}
}

// handleJoin registers the connection under its account identity,
// evicting any previous connection of the same account.
func (h *Hub) handleJoin(c *Client, ev *JoinEvent) {
	if ev.SpotifyID == "" {
		h.sendEvent(c, evControlDenied, controlDeniedPayload{Action: evJoin, Reason: "missing spotify id"})
		return
	}

	// Duplicate join event on the same connection: pure no-op, logged
	// at most once per throttle window to avoid broadcast storms.
	if c.joined && c.identity.SpotifyID == ev.SpotifyID {
		if h.shouldLog("double_join_"+ev.SpotifyID+"_"+c.id, logThrottleInterval) {
			log.Printf("spotify-connect: ignoring duplicate join for %s on %s", ev.DisplayName, c.id)
		}
		return
	}

	if old := h.bySpotifyID[ev.SpotifyID]; old != nil && old != c {
		h.evict(old)
	}

	// Re-join under a different account: unlink the previous identity
	// mapping and keep the original slot in join order.
	if c.joined && h.bySpotifyID[c.identity.SpotifyID] == c {
		delete(h.bySpotifyID, c.identity.SpotifyID)
	}
	c.identity = Identity{
		SpotifyID:   ev.SpotifyID,
		DisplayName: ev.DisplayName,
		AvatarURL:   ev.AvatarURL,
		IsPremium:   ev.IsPremium,
	}
	if !c.joined {
		c.joined = true
		c.connectedAt = h.now()
		h.order = append(h.order, c.id)
	}
	h.bySpotifyID[ev.SpotifyID] = c
	log.Printf("spotify-connect: %s joined on %s", ev.DisplayName, c.id)

	// A premium join fills an empty fetcher seat immediately. A fetcher
	// that re-joined as a free account forfeits the seat.
	if h.fetcher == nil && c.identity.IsPremium {
		h.setFetcher(c)
	} else if h.fetcher == c && !c.identity.IsPremium {
		h.reelectFetcher()
	}

	h.broadcastConnectionList()
	h.broadcastExcept(c, evJoined, noticePayload{User: c.identity.DisplayName, Timestamp: h.now()})
	h.sendFullSync(c)
}

// evict supersedes an older connection of the same account: it gets a
// distinct notice and its socket is closed after a short grace so the
// notice can deliver. The registry drops it right away.
func (h *Hub) evict(old *Client) {
	h.sendEvent(old, evForcedDisconnect, forcedDisconnectPayload{Reason: "signed in from another connection"})
	log.Printf("spotify-connect: superseding connection %s for %s", old.id, old.identity.DisplayName)

	h.removeFromRegistry(old)
	delete(h.clients, old.id)

	h.schedule(evictionGrace, func() {
		h.closeSend(old)
	})
}

// closeSend closes a client's send channel exactly once. The slow-client
// drop in sendFrame can race the eviction grace timer to the close; both
// paths run on the hub goroutine, so a plain flag is enough.
func (h *Hub) closeSend(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// disconnect handles a socket going away. Eviction already removed the
// client from the maps, in which case this is a no-op.
func (h *Hub) disconnect(c *Client) {
	if h.clients[c.id] != c {
		return
	}
	delete(h.clients, c.id)
	h.closeSend(c)

	if !c.joined {
		return
	}
	log.Printf("spotify-connect: %s left (%s)", c.identity.DisplayName, c.id)
	h.removeFromRegistry(c)
	h.broadcastConnectionList()
	h.broadcast(evLeft, noticePayload{User: c.identity.DisplayName, Timestamp: h.now()})
}

// removeFromRegistry unlinks a joined connection and re-elects the
// fetcher in the same step when it held the seat, so no window with a
// stale fetcher reference can be observed.
func (h *Hub) removeFromRegistry(c *Client) {
	if h.bySpotifyID[c.identity.SpotifyID] == c {
		delete(h.bySpotifyID, c.identity.SpotifyID)
	}
	for i, id := range h.order {
		if id == c.id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	if h.fetcher == c {
		h.reelectFetcher()
	}
}

// connections returns the live registry in join order.
func (h *Hub) connections() []ConnectionRef {
	out := make([]ConnectionRef, 0, len(h.order))
	for _, id := range h.order {
		if c, ok := h.clients[id]; ok && c.joined {
			out = append(out, c.ref())
		}
	}
	return out
}

func (h *Hub) broadcastConnectionList() {
	h.broadcast(evConnectionList, h.connections())
}

func (h *Hub) sendFullSync(c *Client) {
	h.sendEvent(c, evFullSync, fullSyncPayload{
		PlaybackState: h.visiblePlaybackFor(c),
		Queue:         h.queueSnapshot(),
		Connections:   h.connections(),
	})
}

func (h *Hub) handleRequestSync(c *Client) {
	h.sendFullSync(c)
}

func (h *Hub) handleChat(c *Client, ev *ChatEvent) {
	if !c.joined || ev.Text == "" {
		return
	}
	h.broadcast(evChatMessage, chatMessagePayload{
		ID:        h.newID(),
		User:      c.identity.DisplayName,
		Avatar:    c.identity.AvatarURL,
		Message:   ev.Text,
		Timestamp: h.now(),
	})
}

func (h *Hub) handleShareSearch(c *Client, ev *ShareSearchEvent) {
	if !c.joined {
		return
	}
	h.broadcastExcept(c, evSearchShared, searchSharedPayload{
		SharedBy:  c.identity.DisplayName,
		Query:     ev.Query,
		Results:   ev.Results,
		Timestamp: h.now(),
	})
}

// handleStateUpdate applies the fetcher's poll result. Anyone else
// pushing state is a protocol violation: the update is discarded and a
// masked re-broadcast keeps that client's UI consistent.
func (h *Hub) handleStateUpdate(c *Client, ev *StateUpdateEvent) {
	if c != h.fetcher {
		if h.shouldLog("state_update_reject_"+c.id, logThrottleInterval) {
			log.Printf("spotify-connect: discarding state update from non-fetcher %s", c.id)
		}
		h.broadcastPlayback()
		return
	}

	if ev.CurrentTrack != nil {
		h.state.CurrentTrack = ev.CurrentTrack
	}
	if ev.IsPlaying != nil {
		h.state.IsPlaying = *ev.IsPlaying
	}
	if ev.PositionMs != nil {
		h.state.PositionMs = *ev.PositionMs
	}
	h.broadcastPlayback()
}

// broadcastPlayback sends playback_update to every connection, masked
// independently per recipient.
func (h *Hub) broadcastPlayback() {
	for _, c := range h.clientList() {
		h.sendEvent(c, evPlaybackUpdate, h.visiblePlaybackFor(c))
	}
}

// clientList snapshots the client set so sends may drop slow clients
// while iterating.
func (h *Hub) clientList() []*Client {
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) broadcast(eventType string, payload any) {
	frame := Encode(eventType, payload)
	for _, c := range h.clientList() {
		h.sendFrame(c, frame)
	}
}

func (h *Hub) broadcastExcept(skip *Client, eventType string, payload any) {
	frame := Encode(eventType, payload)
	for _, c := range h.clientList() {
		if c == skip {
			continue
		}
		h.sendFrame(c, frame)
	}
}

// broadcastRaw forwards an already-framed event from the redis bridge.
func (h *Hub) broadcastRaw(frame []byte) {
	for _, c := range h.clientList() {
		h.sendFrame(c, frame)
	}
}

func (h *Hub) sendEvent(c *Client, eventType string, payload any) {
	h.sendFrame(c, Encode(eventType, payload))
}

// sendFrame never blocks the hub: a client that cannot keep up is
// dropped like any disconnect.
func (h *Hub) sendFrame(c *Client, frame []byte) {
	if frame == nil {
		return
	}
	if h.clients[c.id] != c {
		return
	}
	select {
	case c.send <- frame:
	default:
		log.Printf("spotify-connect: dropping slow client %s", c.id)
		h.disconnect(c)
	}
}

// shouldLog rate-limits noisy log sites by key.
func (h *Hub) shouldLog(key string, interval time.Duration) bool {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	now := h.now()
	if last, ok := h.lastLog[key]; ok && now.Sub(last) < interval {
		return false
	}
	h.lastLog[key] = now
	return true
}
