package party

import (
	"context"
	"errors"
	"log"

	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/spotify"
)

// Control actions that map to Spotify calls. Everything else (seek,
// volume, device, play_track over the socket) is only rebroadcast as an
// informational notice.
const (
	actionPlay     = "play"
	actionPause    = "pause"
	actionNext     = "next"
	actionPrevious = "previous"
)

func isDirectAction(action string) bool {
	switch action {
	case actionPlay, actionPause, actionNext, actionPrevious:
		return true
	}
	return false
}

// handleControl routes a transport action: empowered connections
// (premium account or current fetcher) execute directly; everyone else
// goes through the relay.
func (h *Hub) handleControl(c *Client, ev *ControlEvent) {
	if !c.joined {
		h.sendEvent(c, evControlDenied, controlDeniedPayload{Action: ev.Type, Reason: "not joined"})
		return
	}

	if c.identity.IsPremium || c == h.fetcher {
		h.directControl(c, ev)
		return
	}

	// Owner first: when someone else's device is playing, the action
	// must run on that person's connection with their credential.
	if owner := h.state.OwnerSpotifyID; owner != "" && owner != c.identity.SpotifyID {
		target := h.bySpotifyID[owner]
		if target == nil {
			h.sendEvent(c, evControlDenied, controlDeniedPayload{Action: ev.Type, Reason: "owned by disconnected user"})
			return
		}
		h.forward(c, target, ev)
		return
	}

	if h.fetcher != nil {
		h.forward(c, h.fetcher, ev)
		return
	}

	h.sendEvent(c, evControlDenied, controlDeniedPayload{Action: ev.Type, Reason: "no controller available"})
}

// forward ships the action to the executing connection, tagged with a
// correlation id, and acks the requester. The relay expires after
// relayTimeout so an unresponsive target cannot strand the requester.
func (h *Hub) forward(from, target *Client, ev *ControlEvent) {
	corrID := h.newID()
	h.pending[corrID] = pendingRelay{requesterID: from.id, targetID: target.id, action: ev.Type}

	h.sendEvent(target, evControlRequest, controlRequestPayload{
		Action:        ev.Type,
		Payload:       ev.Payload,
		RequestedBy:   from.identity.DisplayName,
		CorrelationID: corrID,
	})
	h.sendEvent(from, evControlForwarded, controlForwardedPayload{
		Action:        ev.Type,
		CorrelationID: corrID,
		Target:        target.identity.DisplayName,
	})

	h.schedule(relayTimeout, func() {
		h.expireRelay(corrID)
	})
}

// handleRelayResult closes the loop on a forwarded action. The target
// executed it with its own credential, so success counts as a direct
// control success by the target.
func (h *Hub) handleRelayResult(c *Client, ev *RelayResultEvent) {
	relay, ok := h.pending[ev.CorrelationID]
	if !ok {
		// Late or unknown result: the relay already expired.
		if h.shouldLog("late_relay_"+c.id, logThrottleInterval) {
			log.Printf("spotify-connect: dropping relay result %s from %s", ev.CorrelationID, c.id)
		}
		return
	}
	// Only the connection the action was forwarded to may answer. The
	// requester knows the correlation id too and must not be able to
	// settle its own relay.
	if c.id != relay.targetID {
		if h.shouldLog("spoofed_relay_"+c.id, logThrottleInterval) {
			log.Printf("spotify-connect: dropping relay result %s from non-target %s", ev.CorrelationID, c.id)
		}
		return
	}
	delete(h.pending, ev.CorrelationID)

	requester := h.clients[relay.requesterID]

	if ev.Success {
		if c.joined {
			h.applyControlSuccess(c.identity, relay.action)
		}
		if requester != nil {
			h.sendEvent(requester, evControlResult, controlResultPayload{
				Success:       true,
				CorrelationID: ev.CorrelationID,
			})
		}
		return
	}

	if requester != nil {
		h.sendEvent(requester, evControlResult, controlResultPayload{
			Success:       false,
			CorrelationID: ev.CorrelationID,
			Reason:        ev.Reason,
		})
	}
}

func (h *Hub) expireRelay(corrID string) {
	relay, ok := h.pending[corrID]
	if !ok {
		return
	}
	delete(h.pending, corrID)
	if requester := h.clients[relay.requesterID]; requester != nil {
		h.sendEvent(requester, evControlError, controlErrorPayload{
			Action:        relay.action,
			Reason:        "relay timed out",
			CorrelationID: corrID,
		})
	}
}

// directControl executes an action against Spotify with the best
// available credential: the fetcher's cached one, else the requester's.
func (h *Hub) directControl(c *Client, ev *ControlEvent) {
	if !isDirectAction(ev.Type) {
		// Informational only. Unmapped actions never reach Spotify.
		h.broadcast(evControlNotice, noticePayload{
			User:      c.identity.DisplayName,
			Message:   ev.Type,
			Timestamp: h.now(),
		})
		return
	}

	if h.limiter.IsLimited() {
		h.sendEvent(c, evRateLimited, rateLimitedPayload{MsRemaining: h.limiter.RemainingMs()})
		return
	}

	token, actor, ok := h.resolveActingCredential(c)
	if !ok {
		h.sendEvent(c, evControlError, controlErrorPayload{Action: ev.Type, Reason: "no spotify credential for this session"})
		return
	}

	if err := h.invoke(ev.Type, token); err != nil {
		h.reportProviderError(c, ev.Type, err)
		return
	}

	h.applyControlSuccess(actor, ev.Type)
}

// resolveActingCredential prefers the fetcher's token and falls back to
// the requester's own. The identity returned is the account whose
// device the call will drive, i.e. the future owner.
func (h *Hub) resolveActingCredential(c *Client) (string, Identity, bool) {
	if h.fetcher != nil {
		if token, ok := h.creds.Resolve(h.fetcher.sessionID); ok {
			return token, h.fetcher.identity, true
		}
	}
	if token, ok := h.creds.Resolve(c.sessionID); ok {
		return token, c.identity, true
	}
	return "", Identity{}, false
}

func (h *Hub) invoke(action, token string) error {
	ctx := context.Background()
	switch action {
	case actionPlay:
		return h.provider.Resume(ctx, token)
	case actionPause:
		return h.provider.Pause(ctx, token)
	case actionNext:
		return h.provider.Next(ctx, token)
	case actionPrevious:
		return h.provider.Previous(ctx, token)
	}
	return errors.New("unmapped action " + action)
}

// reportProviderError surfaces a failed Spotify call to the requester
// only; a 429 additionally arms the breaker and warns the whole room.
func (h *Hub) reportProviderError(c *Client, action string, err error) {
	if spotify.IsRateLimited(err) {
		ms := h.limiter.Trigger(spotify.RetryAfterSeconds(err))
		h.broadcast(evRateLimited, rateLimitedPayload{MsRemaining: ms})
	}
	h.sendEvent(c, evControlError, controlErrorPayload{Action: action, Reason: err.Error()})
}

// applyControlSuccess is the single place shared state changes after a
// control action lands, for both the direct and the relayed path. State
// is only ever mutated after the Spotify call succeeded.
func (h *Hub) applyControlSuccess(actor Identity, action string) {
	if action == actionNext && len(h.queue) > 0 {
		head := h.dequeueHead()
		h.broadcast(evQueueUpdate, queueUpdatePayload{
			Queue:        h.queueSnapshot(),
			ChangeKind:   "auto_removed",
			AffectedItem: &head,
		})
	}

	switch action {
	case actionPause:
		h.state.IsPlaying = false
	case actionPlay, actionNext, actionPrevious:
		h.state.IsPlaying = true
	}
	h.state.OwnerSpotifyID = actor.SpotifyID

	h.broadcastPlayback()
}
