package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"story-editor/pkg/api"
	"story-editor/pkg/auth"
	"story-editor/pkg/db"
	"story-editor/pkg/room"
	"story-editor/pkg/story"
)

// Handlers contains all HTTP and WebSocket handlers
type Handlers struct {
	store       db.IStoryStore
	roomManager *room.RoomManager
	secret      []byte
	logger      zerolog.Logger
}

// NewHandlers creates a new handlers instance. secret verifies the tokens
// presented on websocket connections.
func NewHandlers(roomManager *room.RoomManager, secret []byte, logger zerolog.Logger) *Handlers {
	return &Handlers{
		store:       roomManager.Store,
		roomManager: roomManager,
		secret:      secret,
		logger:      logger,
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, api.ErrorResponse{Error: msg})
}

// writeStoreError maps store and change errors to HTTP statuses.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrStoryNotFound),
		errors.Is(err, db.ErrTopicNotFound),
		errors.Is(err, db.ErrNodeNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, db.ErrVersionMismatch):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, story.ErrInvalidChange),
		errors.Is(err, db.ErrEmptyCommitMessage),
		errors.Is(err, db.ErrURLFragmentTaken):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("store error")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// ListStories returns every story, most recently updated first.
func (h *Handlers) ListStories(w http.ResponseWriter, r *http.Request) {
	stories, err := h.store.ListStories()
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if stories == nil {
		stories = []*story.Story{}
	}
	h.writeJSON(w, http.StatusOK, stories)
}

// GetStory returns a story with the topic data the editor shows around it.
func (h *Handlers) GetStory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	st, err := h.store.GetStory(id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	topic, err := h.store.GetTopic(st.CorrespondingTopicID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	published, err := h.store.IsStoryPublished(id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, api.StoryEditorData{
		Story:                st,
		TopicName:            topic.Name,
		StoryIsPublished:     published,
		SkillSummaries:       topic.SkillSummaries,
		ClassroomURLFragment: topic.ClassroomURLFragment,
		TopicURLFragment:     topic.URLFragment,
	})
}

// UpdateStory commits a change list and notifies the story's watchers.
func (h *Handlers) UpdateStory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req api.UpdateStoryRequest
	if !h.decode(w, r, &req) {
		return
	}

	committer := auth.UserID(r.Context())
	st, err := h.store.UpdateStory(id, req.Version, committer, req.CommitMessage, req.ChangeDicts)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	h.logger.Info().
		Str("story_id", id).
		Str("committer_id", committer).
		Int("version", st.Version).
		Int("changes", len(req.ChangeDicts)).
		Msg("story updated")

	h.roomManager.Publish(api.StoryEvent{
		Type:        api.EventStoryUpdated,
		StoryID:     id,
		Version:     st.Version,
		CommitterID: committer,
		Timestamp:   time.Now().UnixNano(),
	})

	h.writeJSON(w, http.StatusOK, api.UpdateStoryResponse{Story: st})
}

// DeleteStory deletes a story with its commits and learner progress.
func (h *Handlers) DeleteStory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.store.DeleteStory(id); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.logger.Info().Str("story_id", id).Str("user_id", auth.UserID(r.Context())).Msg("story deleted")
	w.WriteHeader(http.StatusNoContent)
}

// ChangePublicationStatus publishes or unpublishes a story.
func (h *Handlers) ChangePublicationStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req api.PublishStoryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.SetStoryPublished(id, req.NewStoryStatusIsPublished); err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	h.logger.Info().Str("story_id", id).Bool("published", req.NewStoryStatusIsPublished).Msg("publication status changed")
	h.roomManager.Publish(api.StoryEvent{
		Type:      api.EventPublicationChanged,
		StoryID:   id,
		Published: req.NewStoryStatusIsPublished,
		UserID:    auth.UserID(r.Context()),
		Timestamp: time.Now().UnixNano(),
	})

	h.writeJSON(w, http.StatusOK, req)
}

// StoryURLFragmentExists reports whether a url fragment is already used.
func (h *Handlers) StoryURLFragmentExists(w http.ResponseWriter, r *http.Request) {
	fragment := mux.Vars(r)["fragment"]

	exists, err := h.store.StoryURLFragmentExists(fragment)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.URLFragmentExistsResponse{StoryURLFragmentExists: exists})
}

// ListCommits returns the commit log of a story.
func (h *Handlers) ListCommits(w http.ResponseWriter, r *http.Request) {
	commits, err := h.store.ListCommits(mux.Vars(r)["id"])
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	out := make([]api.Commit, 0, len(commits))
	for _, c := range commits {
		out = append(out, api.Commit(*c))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// CreateTopic creates a topic.
func (h *Handlers) CreateTopic(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTopicRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.writeError(w, http.StatusBadRequest, "topic name is required")
		return
	}

	topic, err := h.store.CreateTopic(&db.Topic{
		Name:                 req.Name,
		URLFragment:          req.URLFragment,
		ClassroomURLFragment: req.ClassroomURLFragment,
		SkillSummaries:       req.SkillSummaries,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"topic_id": topic.ID})
}

// CreateStory creates an empty story inside a topic.
func (h *Handlers) CreateStory(w http.ResponseWriter, r *http.Request) {
	topicID := mux.Vars(r)["topicId"]

	var req api.CreateStoryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		h.writeError(w, http.StatusBadRequest, "story title is required")
		return
	}

	st, err := h.store.CreateStory(topicID, req.Title, req.Description, req.URLFragment)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.logger.Info().Str("story_id", st.ID).Str("topic_id", topicID).Msg("story created")
	h.writeJSON(w, http.StatusCreated, map[string]string{"story_id": st.ID})
}

// LearnerStories returns summaries of the stories a learner has started.
func (h *Handlers) LearnerStories(w http.ResponseWriter, r *http.Request) {
	learnerID := mux.Vars(r)["learnerId"]

	stories, err := h.store.ListLearnerStories(learnerID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	resp := api.LearnerStoriesResponse{LearnerID: learnerID, StorySummaries: []story.Summary{}}
	for _, ls := range stories {
		sum := story.Summarize(ls.Story, ls.Completed)
		sum.TopicName = ls.Topic.Name
		sum.TopicURLFragment = ls.Topic.URLFragment
		sum.ClassroomURLFragment = ls.Topic.ClassroomURLFragment
		sum.Published = ls.Published
		resp.StorySummaries = append(resp.StorySummaries, sum)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CompleteNode records that a learner finished a chapter.
func (h *Handlers) CompleteNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.store.MarkNodeCompleted(vars["learnerId"], vars["id"], vars["nodeId"]); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRoomEditors returns the editors currently watching a story.
func (h *Handlers) GetRoomEditors(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rm, err := h.roomManager.GetOrCreateRoom(id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"story_id": id,
		"editors":  rm.GetEditors(),
	})
}
