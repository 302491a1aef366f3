package party

import (
	"context"
	"fmt"
	"log"

	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/spotify"
)

// handleEnqueue appends a track to the shared queue and, when nothing
// is playing, immediately tries to start it.
func (h *Hub) handleEnqueue(c *Client, ev *EnqueueTrackEvent) {
	if !c.joined {
		return
	}
	if ev.URI == "" || ev.Name == "" {
		h.sendEvent(c, evControlError, controlErrorPayload{Action: evEnqueueTrack, Reason: "track uri and name are required"})
		return
	}

	item := QueueItem{
		ID: h.newID(),
		Track: TrackRef{
			URI:        ev.URI,
			Name:       ev.Name,
			Artist:     ev.Artist,
			AlbumArt:   ev.AlbumArt,
			DurationMs: ev.DurationMs,
		},
		AddedBy: c.identity.DisplayName,
		AddedAt: h.now(),
	}
	h.queue = append(h.queue, item)
	log.Printf("spotify-connect: %s queued %q", c.identity.DisplayName, ev.Name)

	h.broadcast(evQueueUpdate, queueUpdatePayload{
		Queue:        h.queueSnapshot(),
		ChangeKind:   "added",
		AffectedItem: &item,
		By:           c.identity.DisplayName,
	})
	h.broadcast(evQueueNotice, noticePayload{
		User:      c.identity.DisplayName,
		Message:   fmt.Sprintf("added %q to the queue", ev.Name),
		Timestamp: h.now(),
	})

	if h.state.CurrentTrack == nil || !h.state.IsPlaying {
		h.autoPlay(c, item)
	}
}

// autoPlay starts the freshly queued track because the room is idle.
// Failures are reported to the enqueuing connection only; shared state
// stays untouched until Spotify accepted the call.
func (h *Hub) autoPlay(c *Client, item QueueItem) {
	if h.limiter.IsLimited() {
		h.sendEvent(c, evRateLimited, rateLimitedPayload{MsRemaining: h.limiter.RemainingMs()})
		return
	}

	token, actor, ok := h.resolveActingCredential(c)
	if !ok {
		h.sendEvent(c, evControlError, controlErrorPayload{Action: evEnqueueTrack, Reason: "no spotify credential for this session"})
		return
	}

	if err := h.provider.PlayTrack(context.Background(), token, item.Track.URI); err != nil {
		if spotify.IsRateLimited(err) {
			ms := h.limiter.Trigger(spotify.RetryAfterSeconds(err))
			h.broadcast(evRateLimited, rateLimitedPayload{MsRemaining: ms})
		}
		h.sendEvent(c, evControlError, controlErrorPayload{Action: evEnqueueTrack, Reason: err.Error()})
		return
	}

	if removed, ok := h.removeQueueItem(item.ID); ok {
		h.broadcast(evQueueUpdate, queueUpdatePayload{
			Queue:        h.queueSnapshot(),
			ChangeKind:   "auto_removed",
			AffectedItem: &removed,
		})
	}

	track := item.Track
	h.state.CurrentTrack = &track
	h.state.IsPlaying = true
	h.state.PositionMs = 0
	h.state.OwnerSpotifyID = actor.SpotifyID
	log.Printf("spotify-connect: auto-playing %q on %s's account", track.Name, actor.DisplayName)

	h.broadcastPlayback()
}

// handleDequeue removes a specific queue item by id.
func (h *Hub) handleDequeue(c *Client, ev *DequeueTrackEvent) {
	if !c.joined {
		return
	}
	removed, ok := h.removeQueueItem(ev.ID)
	if !ok {
		return
	}
	log.Printf("spotify-connect: %s removed %q from the queue", c.identity.DisplayName, removed.Track.Name)

	h.broadcast(evQueueUpdate, queueUpdatePayload{
		Queue:        h.queueSnapshot(),
		ChangeKind:   "removed",
		AffectedItem: &removed,
		By:           c.identity.DisplayName,
	})
	h.broadcast(evQueueNotice, noticePayload{
		User:      c.identity.DisplayName,
		Message:   fmt.Sprintf("removed %q from the queue", removed.Track.Name),
		Timestamp: h.now(),
	})
}

// handleAutoAdvance pops the head and asks the room to play it. The
// client-side player drives the actual playback and reports back via a
// state update or control action.
func (h *Hub) handleAutoAdvance(c *Client) {
	if !c.joined || len(h.queue) == 0 {
		return
	}
	head := h.dequeueHead()

	h.broadcast(evQueueUpdate, queueUpdatePayload{
		Queue:        h.queueSnapshot(),
		ChangeKind:   "auto_advance",
		AffectedItem: &head,
	})
	h.broadcast(evPlayRequest, playRequestPayload{
		Track:       head.Track,
		RequestedBy: c.identity.DisplayName,
	})
}

// dequeueHead pops the first queue item. Callers must check the queue
// is non-empty.
func (h *Hub) dequeueHead() QueueItem {
	head := h.queue[0]
	h.queue = h.queue[1:]
	return head
}

func (h *Hub) removeQueueItem(id string) (QueueItem, bool) {
	for i, item := range h.queue {
		if item.ID == id {
			h.queue = append(h.queue[:i], h.queue[i+1:]...)
			return item, true
		}
	}
	return QueueItem{}, false
}

// queueSnapshot copies the queue for marshalling outside the slice's
// backing array.
func (h *Hub) queueSnapshot() []QueueItem {
	out := make([]QueueItem, len(h.queue))
	copy(out, h.queue)
	return out
}
