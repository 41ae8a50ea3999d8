// Package api holds the JSON payloads exchanged between the story editor
// and the story backend.
package api

import (
	"time"

	"story-editor/pkg/story"
)

// StoryEditorData is returned when the editor fetches a story.
type StoryEditorData struct {
	Story                *story.Story         `json:"story"`
	TopicName            string               `json:"topic_name"`
	StoryIsPublished     bool                 `json:"story_is_published"`
	SkillSummaries       []story.SkillSummary `json:"skill_summaries"`
	ClassroomURLFragment string               `json:"classroom_url_fragment"`
	TopicURLFragment     string               `json:"topic_url_fragment"`
}

// UpdateStoryRequest commits a list of changes made against Version.
type UpdateStoryRequest struct {
	Version       int            `json:"version"`
	CommitMessage string         `json:"commit_message"`
	ChangeDicts   []story.Change `json:"change_dicts"`
}

// UpdateStoryResponse carries the story after the commit was applied.
type UpdateStoryResponse struct {
	Story *story.Story `json:"story"`
}

// PublishStoryRequest changes the publication status of a story.
type PublishStoryRequest struct {
	NewStoryStatusIsPublished bool `json:"new_story_status_is_published"`
}

// URLFragmentExistsResponse reports whether a story url fragment is taken.
type URLFragmentExistsResponse struct {
	StoryURLFragmentExists bool `json:"story_url_fragment_exists"`
}

// CreateTopicRequest creates a topic that stories can belong to.
type CreateTopicRequest struct {
	Name                 string               `json:"name"`
	URLFragment          string               `json:"url_fragment"`
	ClassroomURLFragment string               `json:"classroom_url_fragment"`
	SkillSummaries       []story.SkillSummary `json:"skill_summaries"`
}

// CreateStoryRequest creates an empty story inside a topic.
type CreateStoryRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URLFragment string `json:"url_fragment"`
}

// Commit is an entry of a story's commit log.
type Commit struct {
	ID            string         `json:"id"`
	StoryID       string         `json:"story_id"`
	Version       int            `json:"version"`
	CommitterID   string         `json:"committer_id"`
	CommitMessage string         `json:"commit_message"`
	Changes       []story.Change `json:"change_dicts"`
	CreatedAt     time.Time      `json:"created_at"`
}

// LearnerStoriesResponse lists the stories a learner has started.
type LearnerStoriesResponse struct {
	LearnerID      string          `json:"learner_id"`
	StorySummaries []story.Summary `json:"story_summaries"`
}

// Event types pushed to editors connected to a story room.
const (
	EventSnapshot           = "snapshot"
	EventStoryUpdated       = "story_updated"
	EventPublicationChanged = "publication_changed"
	EventEditorJoined       = "editor_joined"
	EventEditorLeft         = "editor_left"
	EventPong               = "pong"
)

// StoryEvent is a notification pushed over the story websocket.
type StoryEvent struct {
	Type        string   `json:"type"`
	StoryID     string   `json:"story_id"`
	Version     int      `json:"version,omitempty"`
	Published   bool     `json:"published"`
	CommitterID string   `json:"committer_id,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
	Editors     []string `json:"editors,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
