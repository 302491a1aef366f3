package party

import "log"

// The fetcher is the single connection entitled to poll Spotify for
// playback state on behalf of the room. Only premium accounts can hold
// the seat because only they can drive playback at all.

func (h *Hub) setFetcher(c *Client) {
	h.fetcher = c
	if c != nil {
		log.Printf("spotify-connect: fetcher is now %s (%s)", c.identity.DisplayName, c.id)
	} else {
		log.Printf("spotify-connect: no fetcher available")
	}
	h.broadcast(evFetcherChanged, h.fetcherRef())
}

// handleClaimFetcher hands the seat to the requester unconditionally,
// provided the account is premium.
func (h *Hub) handleClaimFetcher(c *Client) {
	if !c.joined {
		h.sendEvent(c, evControlDenied, controlDeniedPayload{Action: evClaimFetcher, Reason: "not joined"})
		return
	}
	if !c.identity.IsPremium {
		h.sendEvent(c, evControlDenied, controlDeniedPayload{Action: evClaimFetcher, Reason: "premium account required"})
		return
	}
	h.setFetcher(c)
}

// reelectFetcher promotes the first premium connection in join order,
// or clears the seat when none remains. Runs synchronously inside the
// removal that vacated the seat.
func (h *Hub) reelectFetcher() {
	for _, id := range h.order {
		c, ok := h.clients[id]
		if !ok || !c.joined || c == h.fetcher {
			continue
		}
		if c.identity.IsPremium {
			h.setFetcher(c)
			return
		}
	}
	h.setFetcher(nil)
}
