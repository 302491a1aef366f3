package party

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

// Identity is the stable Spotify account behind a connection. It
// survives reconnects; the Client does not.
type Identity struct {
	SpotifyID   string
	DisplayName string
	AvatarURL   string
	IsPremium   bool
}

// Client is one live websocket connection. All fields except the send
// channel are owned by the hub goroutine.
type Client struct {
	id        string
	sessionID string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// closed tracks whether send has been closed; only touched on the
	// hub goroutine.
	closed bool

	identity    Identity
	joined      bool
	connectedAt time.Time
}

func (c *Client) ref() ConnectionRef {
	return ConnectionRef{
		ConnectionID: c.id,
		SpotifyID:    c.identity.SpotifyID,
		DisplayName:  c.identity.DisplayName,
		AvatarURL:    c.identity.AvatarURL,
		IsPremium:    c.identity.IsPremium,
		ConnectedAt:  c.connectedAt,
	}
}

// readPump decodes frames and feeds them to the hub until the socket
// dies, then unregisters.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("spotify-connect: ws read: %v", err)
			}
			return
		}

		event, err := DecodeInbound(data)
		if err != nil {
			if c.hub.shouldLog("bad_frame_"+c.id, logThrottleInterval) {
				log.Printf("spotify-connect: dropping frame from %s: %v", c.id, err)
			}
			continue
		}
		c.hub.inbound <- inboundMsg{from: c, event: event}
	}
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings. It exits when the hub closes the channel.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
