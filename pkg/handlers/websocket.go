package handlers

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"story-editor/pkg/api"
	"story-editor/pkg/auth"
	"story-editor/pkg/db"
	"story-editor/pkg/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket streams story events to an editor. The editor token is
// taken from the Authorization header or the token query parameter.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		token = r.URL.Query().Get("token")
	}
	userID, err := auth.Verify(h.secret, token)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "editor token required")
		return
	}

	storyID := mux.Vars(r)["id"]
	storyRoom, err := h.roomManager.GetOrCreateRoom(storyID)
	if err != nil {
		if errors.Is(err, db.ErrStoryNotFound) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeStoreError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &room.Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Conn:   conn,
		Room:   storyRoom,
		Send:   make(chan []byte, 256),
	}

	if !client.Join() {
		conn.Close()
		return
	}
	go h.writePump(client)
	go h.readPump(client)
}

// readPump reads client messages until the connection fails. Editors only
// send application-level pings.
func (h *Handlers) readPump(c *room.Client) {
	logger := h.logger.With().Str("client_id", c.ID).Logger()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("panic in readPump")
		}
		c.Leave()
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Debug().Err(err).Msg("ignoring malformed message")
			continue
		}

		switch msg.Type {
		case "ping":
			c.Room.SendTo(c, api.StoryEvent{Type: api.EventPong, StoryID: c.Room.ID})
		default:
			logger.Debug().Str("type", msg.Type).Msg("ignoring unknown message type")
		}
	}
}

// writePump writes queued events and keepalive pings to the connection.
func (h *Handlers) writePump(c *room.Client) {
	logger := h.logger.With().Str("client_id", c.ID).Logger()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Leave()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug().Err(err).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		}
	}
}
