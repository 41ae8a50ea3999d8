package editor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/natefinch/atomic"

	"story-editor/pkg/story"
)

// ErrNoDraft is returned by DraftStore.Load when no draft exists.
var ErrNoDraft = errors.New("no draft")

// Draft is an unsaved copy of a story kept on local disk.
type Draft struct {
	Story       *story.Story `json:"story"`
	BaseVersion int          `json:"base_version"`
	SavedAt     time.Time    `json:"saved_at"`
}

// DraftStore keeps one draft file per story in a directory.
type DraftStore struct {
	dir string
}

// NewDraftStore creates the directory if needed.
func NewDraftStore(dir string) (*DraftStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create draft dir: %w", err)
	}
	return &DraftStore{dir: dir}, nil
}

func (d *DraftStore) path(storyID string) string {
	return filepath.Join(d.dir, filepath.Base(storyID)+".json")
}

// Save writes st as the draft for its story, replacing any earlier one.
func (d *DraftStore) Save(st *story.Story, baseVersion int) error {
	if st.ID == "" {
		return fmt.Errorf("cannot save a draft of a story without an id")
	}
	data, err := json.MarshalIndent(Draft{Story: st, BaseVersion: baseVersion, SavedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode draft: %w", err)
	}
	if err := atomic.WriteFile(d.path(st.ID), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write draft: %w", err)
	}
	return nil
}

// Load returns the draft for storyID or ErrNoDraft.
func (d *DraftStore) Load(storyID string) (*Draft, error) {
	data, err := os.ReadFile(d.path(storyID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoDraft
		}
		return nil, fmt.Errorf("failed to read draft: %w", err)
	}
	var draft Draft
	if err := json.Unmarshal(data, &draft); err != nil {
		return nil, fmt.Errorf("failed to decode draft: %w", err)
	}
	if draft.Story == nil {
		return nil, fmt.Errorf("draft for %s has no story", storyID)
	}
	return &draft, nil
}

// Discard removes the draft for storyID. A missing draft is not an error.
func (d *DraftStore) Discard(storyID string) error {
	if err := os.Remove(d.path(storyID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove draft: %w", err)
	}
	return nil
}

// SaveDraft stores the live story if it has unsaved changes. It reports
// whether a draft was written.
func (s *StateService) SaveDraft(drafts *DraftStore) (bool, error) {
	s.mutex.Lock()
	if !s.initialized || s.story.Equal(s.baseline) {
		s.mutex.Unlock()
		return false, nil
	}
	st := s.story.Clone()
	base := s.baseline.Version
	s.mutex.Unlock()

	if err := drafts.Save(st, base); err != nil {
		return false, err
	}
	return true, nil
}

// RestoreDraft applies a draft on top of the loaded story when it was made
// against the loaded version. The draft becomes pending changes; the
// baseline is left untouched.
func (s *StateService) RestoreDraft(draft *Draft) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.initialized {
		return false, &NotLoadedError{Action: "restore a draft of"}
	}
	if draft.Story.ID != s.story.ID || draft.BaseVersion != s.baseline.Version {
		return false, nil
	}
	s.story.CopyFrom(draft.Story)
	s.story.Version = s.baseline.Version
	return true, nil
}
