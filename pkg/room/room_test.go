package room

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"story-editor/pkg/api"
	"story-editor/pkg/db"
)

func newManager(t *testing.T) (*RoomManager, string) {
	t.Helper()
	store, err := db.NewSQLiteStoryStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	topic, err := store.CreateTopic(&db.Topic{Name: "Fractions"})
	require.NoError(t, err)
	st, err := store.CreateStory(topic.ID, "Pizza party", "", "")
	require.NoError(t, err)

	rm := NewRoomManager(store, zerolog.Nop())
	t.Cleanup(rm.Close)
	return rm, st.ID
}

func join(t *testing.T, room *Room, id, userID string) *Client {
	t.Helper()
	c := &Client{ID: id, UserID: userID, Room: room, Send: make(chan []byte, 16)}
	require.True(t, c.Join())
	return c
}

func next(t *testing.T, c *Client) api.StoryEvent {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		require.True(t, ok, "send channel closed")
		var event api.StoryEvent
		require.NoError(t, json.Unmarshal(data, &event))
		return event
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return api.StoryEvent{}
	}
}

func TestGetOrCreateRoomUnknownStory(t *testing.T) {
	rm, _ := newManager(t)
	_, err := rm.GetOrCreateRoom("missing")
	assert.ErrorIs(t, err, db.ErrStoryNotFound)
}

func TestJoinSendsSnapshotAndPresence(t *testing.T) {
	rm, storyID := newManager(t)
	room, err := rm.GetOrCreateRoom(storyID)
	require.NoError(t, err)

	same, err := rm.GetOrCreateRoom(storyID)
	require.NoError(t, err)
	assert.Same(t, room, same)

	a := join(t, room, "a", "editor_a")
	snap := next(t, a)
	assert.Equal(t, api.EventSnapshot, snap.Type)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, []string{"editor_a"}, snap.Editors)

	b := join(t, room, "b", "editor_b")
	assert.Equal(t, api.EventSnapshot, next(t, b).Type)

	joined := next(t, a)
	assert.Equal(t, api.EventEditorJoined, joined.Type)
	assert.Equal(t, "editor_b", joined.UserID)
	assert.Equal(t, []string{"editor_a", "editor_b"}, joined.Editors)

	b.Leave()
	left := next(t, a)
	assert.Equal(t, api.EventEditorLeft, left.Type)
	assert.Equal(t, []string{"editor_a"}, left.Editors)

	_, ok := <-b.Send
	assert.False(t, ok, "leaving closes the send channel")
	b.Leave()
}

func TestPublishReachesWatchers(t *testing.T) {
	rm, storyID := newManager(t)
	room, err := rm.GetOrCreateRoom(storyID)
	require.NoError(t, err)

	a := join(t, room, "a", "editor_a")
	next(t, a)

	rm.Publish(api.StoryEvent{Type: api.EventStoryUpdated, StoryID: storyID, Version: 2, CommitterID: "editor_b"})
	event := next(t, a)
	assert.Equal(t, api.EventStoryUpdated, event.Type)
	assert.Equal(t, 2, event.Version)
	assert.NotZero(t, event.Timestamp)

	rm.Publish(api.StoryEvent{Type: api.EventStoryUpdated, StoryID: "unwatched"})
}

func TestCloseDisconnectsClients(t *testing.T) {
	rm, storyID := newManager(t)
	room, err := rm.GetOrCreateRoom(storyID)
	require.NoError(t, err)

	a := join(t, room, "a", "editor_a")
	next(t, a)

	rm.Close()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-a.Send:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	late := &Client{ID: "late", Room: room, Send: make(chan []byte, 1)}
	assert.False(t, late.Join())
	a.Leave()
}
