// Package room fans story events out to the editors watching a story.
package room

import (
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"story-editor/pkg/api"
	"story-editor/pkg/db"
)

// Client is one websocket connection watching a story.
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Room   *Room
	Send   chan []byte
}

// Join registers the client with its room. It reports false when the room
// has been stopped.
func (c *Client) Join() bool {
	select {
	case c.Room.Register <- c:
		return true
	case <-c.Room.done:
		return false
	}
}

// Leave unregisters the client. It is safe to call more than once.
func (c *Client) Leave() {
	select {
	case c.Room.Unregister <- c:
	case <-c.Room.done:
	}
}

type directMessage struct {
	client *Client
	data   []byte
}

// Room is the set of clients watching one story.
type Room struct {
	ID         string
	Clients    map[string]*Client
	Broadcast  chan []byte
	Register   chan *Client
	Unregister chan *Client
	direct     chan directMessage
	done       chan struct{}
	store      db.IStoryStore
	logger     zerolog.Logger
	mutex      sync.RWMutex
}

// RoomManager manages all rooms
type RoomManager struct {
	rooms  map[string]*Room
	mutex  sync.RWMutex
	Store  db.IStoryStore
	logger zerolog.Logger
}

// NewRoomManager creates a new room manager
func NewRoomManager(store db.IStoryStore, logger zerolog.Logger) *RoomManager {
	return &RoomManager{
		rooms:  make(map[string]*Room),
		Store:  store,
		logger: logger,
	}
}

// GetOrCreateRoom returns the room for a story, starting it if needed.
// It fails with db.ErrStoryNotFound for unknown stories.
func (rm *RoomManager) GetOrCreateRoom(storyID string) (*Room, error) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if room, ok := rm.rooms[storyID]; ok {
		return room, nil
	}
	if _, err := rm.Store.GetStory(storyID); err != nil {
		return nil, err
	}

	room := &Room{
		ID:         storyID,
		Clients:    make(map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Broadcast:  make(chan []byte, 256),
		direct:     make(chan directMessage, 16),
		done:       make(chan struct{}),
		store:      rm.Store,
		logger:     rm.logger.With().Str("story_id", storyID).Logger(),
	}
	rm.rooms[storyID] = room

	go room.run()

	return room, nil
}

// Publish sends event to everyone watching its story. Stories nobody is
// watching are skipped.
func (rm *RoomManager) Publish(event api.StoryEvent) {
	rm.mutex.RLock()
	room, ok := rm.rooms[event.StoryID]
	rm.mutex.RUnlock()
	if !ok {
		return
	}
	room.Publish(event)
}

// Close stops every room and disconnects its clients.
func (rm *RoomManager) Close() {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	for id, room := range rm.rooms {
		close(room.done)
		delete(rm.rooms, id)
	}
}

// Publish queues event for broadcast to the room.
func (r *Room) Publish(event api.StoryEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to encode story event")
		return
	}
	select {
	case r.Broadcast <- data:
	case <-r.done:
	}
}

// SendTo queues event for a single client of the room.
func (r *Room) SendTo(c *Client, event api.StoryEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to encode story event")
		return
	}
	select {
	case r.direct <- directMessage{client: c, data: data}:
	case <-r.done:
	}
}

func (r *Room) run() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("panic in room loop")
		}
	}()
	r.logger.Debug().Msg("room started")

	for {
		select {
		case client := <-r.Register:
			r.mutex.Lock()
			r.Clients[client.ID] = client
			r.mutex.Unlock()

			r.sendSnapshot(client)
			r.broadcastPresence(api.EventEditorJoined, client, client.ID)
			r.logger.Info().Str("client_id", client.ID).Str("user_id", client.UserID).Msg("editor joined")

		case client := <-r.Unregister:
			r.mutex.Lock()
			_, ok := r.Clients[client.ID]
			if ok {
				delete(r.Clients, client.ID)
				close(client.Send)
			}
			r.mutex.Unlock()

			if ok {
				r.broadcastPresence(api.EventEditorLeft, client, "")
				r.logger.Info().Str("client_id", client.ID).Msg("editor left")
			}

		case message := <-r.Broadcast:
			r.fanout(message, "")

		case msg := <-r.direct:
			r.mutex.RLock()
			_, ok := r.Clients[msg.client.ID]
			if ok {
				select {
				case msg.client.Send <- msg.data:
				default:
				}
			}
			r.mutex.RUnlock()

		case <-r.done:
			r.mutex.Lock()
			for id, client := range r.Clients {
				close(client.Send)
				delete(r.Clients, id)
			}
			r.mutex.Unlock()
			r.logger.Debug().Msg("room stopped")
			return
		}
	}
}

// fanout delivers message to every client but exclude. Clients whose send
// buffer is full are dropped.
func (r *Room) fanout(message []byte, exclude string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for id, client := range r.Clients {
		if id == exclude {
			continue
		}
		select {
		case client.Send <- message:
		default:
			r.logger.Warn().Str("client_id", id).Msg("dropping slow client")
			close(client.Send)
			delete(r.Clients, id)
		}
	}
}

func (r *Room) sendSnapshot(c *Client) {
	event := api.StoryEvent{
		Type:      api.EventSnapshot,
		StoryID:   r.ID,
		Editors:   r.GetEditors(),
		Timestamp: time.Now().UnixNano(),
	}
	if st, err := r.store.GetStory(r.ID); err == nil {
		event.Version = st.Version
	} else {
		r.logger.Warn().Err(err).Msg("snapshot without story version")
	}
	if published, err := r.store.IsStoryPublished(r.ID); err == nil {
		event.Published = published
	}

	data, _ := json.Marshal(event)
	select {
	case c.Send <- data:
	default:
	}
}

func (r *Room) broadcastPresence(eventType string, c *Client, exclude string) {
	data, _ := json.Marshal(api.StoryEvent{
		Type:      eventType,
		StoryID:   r.ID,
		UserID:    c.UserID,
		Editors:   r.GetEditors(),
		Timestamp: time.Now().UnixNano(),
	})
	r.fanout(data, exclude)
}

// GetEditors returns the distinct user ids currently in the room, sorted.
func (r *Room) GetEditors() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	seen := make(map[string]bool, len(r.Clients))
	editors := make([]string, 0, len(r.Clients))
	for _, client := range r.Clients {
		if !seen[client.UserID] {
			seen[client.UserID] = true
			editors = append(editors, client.UserID)
		}
	}
	sort.Strings(editors)
	return editors
}
