// Package editor holds the state behind the story editor: the story being
// edited, the requests that load, save and publish it, and the events that
// tell the UI when to redraw.
package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"story-editor/pkg/alerts"
	"story-editor/pkg/api"
	"story-editor/pkg/event"
	"story-editor/pkg/story"
)

// Warnings shown to the user when a request fails.
const (
	MsgSaveFailed        = "There was an error when saving the story."
	MsgPublishFailed     = "There was an error when publishing/unpublishing the story."
	MsgURLFragmentFailed = "There was an error when checking if the story url fragment exists for another story."
)

// ErrStoryNotLoaded matches errors returned when a command needs a loaded
// story and none has been loaded yet.
var ErrStoryNotLoaded = errors.New("story not loaded")

// NotLoadedError reports a command issued before any story was loaded.
// It is a programmer error, not something the UI is expected to recover from.
type NotLoadedError struct {
	Action string
}

func (e *NotLoadedError) Error() string {
	return fmt.Sprintf("Cannot %s a story before one is loaded.", e.Action)
}

func (e *NotLoadedError) Is(target error) bool {
	return target == ErrStoryNotLoaded
}

// Backend is the story server as seen by the editor.
type Backend interface {
	FetchStory(ctx context.Context, storyID string) (*api.StoryEditorData, error)
	UpdateStory(ctx context.Context, storyID string, version int, commitMessage string, changes []story.Change) (*story.Story, error)
	ChangeStoryPublicationStatus(ctx context.Context, storyID string, publish bool) error
	DoesStoryWithURLFragmentExist(ctx context.Context, fragment string) (bool, error)
}

// StateService owns the single story being edited.
//
// Requests run on their own goroutines and write their results back when
// they complete. Overlapping requests are allowed; every write to the story
// carries a generation number and only the most recently dispatched load,
// save or SetStory may write, so a slow response can never overwrite a newer
// one.
type StateService struct {
	backend Backend
	alerts  alerts.Alerter
	logger  zerolog.Logger

	mutex       sync.Mutex
	story       *story.Story
	baseline    *story.Story
	initialized bool

	loading bool
	saving  bool

	storeGen   uint64
	loadGen    uint64
	saveGen    uint64
	publishGen uint64
	fragGen    uint64

	topicName            string
	published            bool
	skillSummaries       []story.SkillSummary
	classroomURLFragment string
	topicURLFragment     string
	urlFragmentExists    bool
	expIDsChanged        bool

	pending sync.WaitGroup

	storyInitialized          *event.Emitter[struct{}]
	storyReinitialized        *event.Emitter[struct{}]
	viewStoryNodeEditor       *event.Emitter[string]
	recalculateAvailableNodes *event.Emitter[struct{}]
}

// NewStateService creates a service holding the interstitial story.
func NewStateService(backend Backend, alerter alerts.Alerter, logger zerolog.Logger) *StateService {
	interstitial := story.NewInterstitial()
	return &StateService{
		backend:                   backend,
		alerts:                    alerter,
		logger:                    logger.With().Str("component", "story_editor_state").Logger(),
		story:                     interstitial,
		baseline:                  interstitial.Clone(),
		storyInitialized:          event.NewEmitter[struct{}](),
		storyReinitialized:        event.NewEmitter[struct{}](),
		viewStoryNodeEditor:       event.NewEmitter[string](),
		recalculateAvailableNodes: event.NewEmitter[struct{}](),
	}
}

// LoadStory fetches a story. IsLoadingStory reports true as soon as this
// returns. A failed load only clears the loading flag; HasLoadedStory stays
// as it was.
func (s *StateService) LoadStory(ctx context.Context, storyID string) {
	s.mutex.Lock()
	s.loadGen++
	s.storeGen++
	loadGen, storeGen := s.loadGen, s.storeGen
	s.loading = true
	s.mutex.Unlock()

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		data, err := s.backend.FetchStory(ctx, storyID)
		s.finishLoad(storyID, loadGen, storeGen, data, err)
	}()
}

func (s *StateService) finishLoad(storyID string, loadGen, storeGen uint64, data *api.StoryEditorData, err error) {
	s.mutex.Lock()
	if loadGen == s.loadGen {
		s.loading = false
	}
	if err == nil && (data == nil || data.Story == nil) {
		err = errors.New("response has no story")
	}
	if err != nil {
		s.mutex.Unlock()
		s.logger.Debug().Err(err).Str("story_id", storyID).Msg("failed to load story")
		return
	}
	if storeGen != s.storeGen {
		s.mutex.Unlock()
		s.logger.Debug().Str("story_id", storyID).Msg("discarding superseded load")
		return
	}

	s.topicName = data.TopicName
	s.published = data.StoryIsPublished
	s.skillSummaries = append([]story.SkillSummary(nil), data.SkillSummaries...)
	s.classroomURLFragment = data.ClassroomURLFragment
	s.topicURLFragment = data.TopicURLFragment
	emitter := s.setStoryLocked(data.Story)
	s.mutex.Unlock()

	s.logger.Info().Str("story_id", storyID).Int("version", data.Story.Version).Msg("story loaded")
	emitter.Emit(struct{}{})
}

// setStoryLocked copies st onto the live story, refreshes the baseline and
// returns the emitter that must fire once the lock is released.
func (s *StateService) setStoryLocked(st *story.Story) *event.Emitter[struct{}] {
	s.story.CopyFrom(st)
	s.baseline = s.story.Clone()
	if s.initialized {
		return s.storyReinitialized
	}
	s.initialized = true
	return s.storyInitialized
}

// SetStory replaces the contents of the live story with a copy of st. The
// pointer returned by GetStory is unchanged. Any load or save still in
// flight will no longer write to the story.
func (s *StateService) SetStory(st *story.Story) {
	s.mutex.Lock()
	s.storeGen++
	emitter := s.setStoryLocked(st)
	s.mutex.Unlock()
	emitter.Emit(struct{}{})
}

// GetStory returns the live story. The same pointer is returned for the
// lifetime of the service. Mutate it through Edit, or only while no request
// is in flight.
func (s *StateService) GetStory() *story.Story {
	return s.story
}

// Edit runs fn with exclusive access to the live story.
func (s *StateService) Edit(fn func(st *story.Story)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	fn(s.story)
}

// HasLoadedStory reports whether a story has been loaded or set.
func (s *StateService) HasLoadedStory() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.initialized
}

// IsLoadingStory reports whether a load is in flight.
func (s *StateService) IsLoadingStory() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.loading
}

// IsSavingStory reports whether a save is in flight.
func (s *StateService) IsSavingStory() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.saving
}

// PendingChanges returns the commands a save would send right now.
func (s *StateService) PendingChanges() []story.Change {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return story.Diff(s.baseline, s.story)
}

// HasUnsavedChanges reports whether the live story differs from the last
// loaded or saved version.
func (s *StateService) HasUnsavedChanges() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.initialized && !s.story.Equal(s.baseline)
}

// SaveStory commits the pending changes with commitMessage.
//
// It returns false without contacting the backend when nothing changed, and
// true once a request has been sent; the outcome is reported through
// onSuccess or onError, either of which may be nil. Saving before a story is
// loaded returns a *NotLoadedError.
func (s *StateService) SaveStory(ctx context.Context, commitMessage string, onSuccess func(), onError func(string)) (bool, error) {
	s.mutex.Lock()
	if !s.initialized {
		s.mutex.Unlock()
		return false, &NotLoadedError{Action: "save"}
	}
	if s.story.Equal(s.baseline) {
		s.mutex.Unlock()
		return false, nil
	}
	storyID := s.story.ID
	version := s.baseline.Version
	changes := story.Diff(s.baseline, s.story)
	s.saveGen++
	s.storeGen++
	saveGen, storeGen := s.saveGen, s.storeGen
	s.saving = true
	s.mutex.Unlock()

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		updated, err := s.backend.UpdateStory(ctx, storyID, version, commitMessage, changes)
		s.finishSave(storyID, saveGen, storeGen, updated, err, onSuccess, onError)
	}()
	return true, nil
}

func (s *StateService) finishSave(storyID string, saveGen, storeGen uint64, updated *story.Story, err error, onSuccess func(), onError func(string)) {
	s.mutex.Lock()
	if saveGen == s.saveGen {
		s.saving = false
	}
	if err != nil {
		s.mutex.Unlock()
		s.logger.Error().Err(err).Str("story_id", storyID).Msg("failed to save story")
		s.alerts.AddWarning(MsgSaveFailed)
		if onError != nil {
			onError(MsgSaveFailed)
		}
		return
	}

	if updated == nil {
		s.mutex.Unlock()
		s.logger.Error().Str("story_id", storyID).Msg("save response has no story")
		s.alerts.AddWarning(MsgSaveFailed)
		if onError != nil {
			onError(MsgSaveFailed)
		}
		return
	}

	var emitter *event.Emitter[struct{}]
	switch {
	case storeGen == s.storeGen:
		emitter = s.setStoryLocked(updated)
	case updated.ID == s.story.ID && updated.Version > s.baseline.Version:
		// A newer request owns the live story, but the server has still moved
		// on. Later saves must be built against this version.
		s.baseline = updated.Clone()
		s.story.Version = updated.Version
	}
	s.mutex.Unlock()

	s.logger.Info().Str("story_id", storyID).Int("version", updated.Version).Msg("story saved")
	if onSuccess != nil {
		onSuccess()
	}
	if emitter != nil {
		emitter.Emit(struct{}{})
	}
}

// IsStoryPublished reports the last confirmed publication status.
func (s *StateService) IsStoryPublished() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.published
}

// ChangeStoryPublicationStatus asks the backend to publish or unpublish the
// story. The flag only changes once the backend confirms; on failure it
// keeps its previous value and a warning is raised. It returns true once the
// request is sent.
func (s *StateService) ChangeStoryPublicationStatus(ctx context.Context, publish bool, onSuccess func()) (bool, error) {
	s.mutex.Lock()
	if !s.initialized {
		s.mutex.Unlock()
		err := &NotLoadedError{Action: "publish"}
		s.alerts.FatalWarning(err.Error())
		return false, err
	}
	storyID := s.story.ID
	prior := s.published
	s.publishGen++
	gen := s.publishGen
	s.mutex.Unlock()

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		err := s.backend.ChangeStoryPublicationStatus(ctx, storyID, publish)

		s.mutex.Lock()
		latest := gen == s.publishGen
		if latest {
			if err == nil {
				s.published = publish
			} else {
				s.published = prior
			}
		}
		s.mutex.Unlock()

		if err != nil {
			s.logger.Error().Err(err).Str("story_id", storyID).Bool("publish", publish).Msg("failed to change publication status")
			s.alerts.AddWarning(MsgPublishFailed)
			return
		}
		s.logger.Info().Str("story_id", storyID).Bool("published", publish).Msg("publication status changed")
		if onSuccess != nil {
			onSuccess()
		}
	}()
	return true, nil
}

// UpdateExistenceOfStoryURLFragment checks whether fragment is already used
// by another story and records the answer.
func (s *StateService) UpdateExistenceOfStoryURLFragment(ctx context.Context, fragment string, onSuccess func()) {
	s.mutex.Lock()
	s.fragGen++
	gen := s.fragGen
	s.mutex.Unlock()

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		exists, err := s.backend.DoesStoryWithURLFragmentExist(ctx, fragment)
		if err != nil {
			s.logger.Error().Err(err).Str("url_fragment", fragment).Msg("failed to check url fragment")
			s.alerts.AddWarning(MsgURLFragmentFailed)
			return
		}
		s.mutex.Lock()
		if gen == s.fragGen {
			s.urlFragmentExists = exists
		}
		s.mutex.Unlock()
		if onSuccess != nil {
			onSuccess()
		}
	}()
}

// GetStoryWithURLFragmentExists returns the result of the last fragment check.
func (s *StateService) GetStoryWithURLFragmentExists() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.urlFragmentExists
}

// GetTopicName returns the name of the topic the story belongs to.
func (s *StateService) GetTopicName() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.topicName
}

// GetClassroomURLFragment returns the classroom url fragment of the topic.
func (s *StateService) GetClassroomURLFragment() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.classroomURLFragment
}

// GetTopicURLFragment returns the url fragment of the topic.
func (s *StateService) GetTopicURLFragment() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.topicURLFragment
}

// GetSkillSummaries returns the skills of the topic.
func (s *StateService) GetSkillSummaries() []story.SkillSummary {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]story.SkillSummary(nil), s.skillSummaries...)
}

// SetExpIdsChanged records that an exploration id of some node was edited.
func (s *StateService) SetExpIdsChanged() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.expIDsChanged = true
}

// ResetExpIdsChanged clears the exploration id flag.
func (s *StateService) ResetExpIdsChanged() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.expIDsChanged = false
}

// AreAnyExpIdsChanged reports whether an exploration id was edited.
func (s *StateService) AreAnyExpIdsChanged() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.expIDsChanged
}

// OnStoryInitialized fires once, after the first story is loaded or set.
func (s *StateService) OnStoryInitialized() *event.Emitter[struct{}] {
	return s.storyInitialized
}

// OnStoryReinitialized fires after every later load, set or save.
func (s *StateService) OnStoryReinitialized() *event.Emitter[struct{}] {
	return s.storyReinitialized
}

// OnViewStoryNodeEditor carries the id of a node the UI should open.
func (s *StateService) OnViewStoryNodeEditor() *event.Emitter[string] {
	return s.viewStoryNodeEditor
}

// OnRecalculateAvailableNodes asks node lists to refresh.
func (s *StateService) OnRecalculateAvailableNodes() *event.Emitter[struct{}] {
	return s.recalculateAvailableNodes
}

// Wait blocks until every request dispatched so far has completed and its
// callbacks have run.
func (s *StateService) Wait() {
	s.pending.Wait()
}
