package editor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"story-editor/pkg/alerts"
	"story-editor/pkg/api"
	"story-editor/pkg/story"
)

var (
	errInternal = errors.New("Internal 500 error")
	errConflict = errors.New("story version mismatch")
)

type updateCall struct {
	StoryID       string
	Version       int
	CommitMessage string
	Changes       []story.Change
}

type publishCall struct {
	StoryID string
	Publish bool
}

// fakeBackend serves stories from memory. A call blocks while its story id
// has an open gate; updates also block on "commit:<message>".
type fakeBackend struct {
	mutex          sync.Mutex
	stories        map[string]*story.Story
	failure        error
	gates          map[string]chan struct{}
	fragmentExists bool
	checkVersions  bool

	fetchCalls    []string
	updateCalls   []updateCall
	publishCalls  []publishCall
	fragmentCalls []string
}

func newFakeBackend() *fakeBackend {
	first := &story.Story{
		ID:          "storyId_0",
		Title:       "Story title",
		Description: "Story Description",
		Notes:       "<p>Notes/p>",
		Contents: &story.Contents{
			InitialNodeID: "node_1",
			NextNodeID:    "node_2",
			Nodes:         []story.Node{},
		},
		LanguageCode:         "en",
		SchemaVersion:        1,
		Version:              1,
		CorrespondingTopicID: "topic_id",
	}
	second := &story.Story{
		ID:          "storyId_1",
		Title:       "Story title  2",
		Description: "Story Description 2",
		Notes:       "<p>Notes 2/p>",
		Contents: &story.Contents{
			InitialNodeID: "node_2",
			NextNodeID:    "node_1",
			Nodes:         []story.Node{},
		},
		LanguageCode:         "en",
		SchemaVersion:        1,
		Version:              1,
		CorrespondingTopicID: "topic_id",
	}
	return &fakeBackend{
		stories: map[string]*story.Story{first.ID: first, second.ID: second},
		gates:   map[string]chan struct{}{},
	}
}

func (f *fakeBackend) setFailure(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.failure = err
}

func (f *fakeBackend) gate(id string) chan struct{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	ch := make(chan struct{})
	f.gates[id] = ch
	return ch
}

func (f *fakeBackend) wait(id string) error {
	f.mutex.Lock()
	ch := f.gates[id]
	f.mutex.Unlock()
	if ch != nil {
		<-ch
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.failure
}

func (f *fakeBackend) FetchStory(ctx context.Context, storyID string) (*api.StoryEditorData, error) {
	f.mutex.Lock()
	f.fetchCalls = append(f.fetchCalls, storyID)
	f.mutex.Unlock()
	if err := f.wait(storyID); err != nil {
		return nil, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	st, ok := f.stories[storyID]
	if !ok {
		return nil, errors.New("not found")
	}
	return &api.StoryEditorData{
		Story:                st.Clone(),
		TopicName:            "Topic Name",
		StoryIsPublished:     false,
		SkillSummaries:       []story.SkillSummary{{ID: "Skill 1", Description: "Skill Description"}},
		ClassroomURLFragment: "classroomUrlFragment",
		TopicURLFragment:     "topicUrlFragment",
	}, nil
}

func (f *fakeBackend) UpdateStory(ctx context.Context, storyID string, version int, commitMessage string, changes []story.Change) (*story.Story, error) {
	f.mutex.Lock()
	f.updateCalls = append(f.updateCalls, updateCall{storyID, version, commitMessage, changes})
	f.mutex.Unlock()
	if err := f.wait("update:" + storyID); err != nil {
		return nil, err
	}
	if err := f.wait("commit:" + commitMessage); err != nil {
		return nil, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.checkVersions && version != f.stories[storyID].Version {
		return nil, errConflict
	}
	updated := f.stories[storyID].Clone()
	if err := story.Apply(updated, changes); err != nil {
		return nil, err
	}
	updated.Version = version + 1
	f.stories[storyID] = updated
	return updated.Clone(), nil
}

func (f *fakeBackend) ChangeStoryPublicationStatus(ctx context.Context, storyID string, publish bool) error {
	f.mutex.Lock()
	f.publishCalls = append(f.publishCalls, publishCall{storyID, publish})
	f.mutex.Unlock()
	return f.wait("publish:" + storyID)
}

func (f *fakeBackend) DoesStoryWithURLFragmentExist(ctx context.Context, fragment string) (bool, error) {
	f.mutex.Lock()
	f.fragmentCalls = append(f.fragmentCalls, fragment)
	f.mutex.Unlock()
	if err := f.wait("fragment:" + fragment); err != nil {
		return false, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.fragmentExists, nil
}

type counter struct {
	mutex sync.Mutex
	n     int
}

func (c *counter) inc() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.n++
}

func (c *counter) get() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.n
}

type fixture struct {
	backend       *fakeBackend
	alerts        *alerts.Service
	svc           *StateService
	initialized   *counter
	reinitialized *counter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend:       newFakeBackend(),
		alerts:        alerts.NewService(zerolog.Nop()),
		initialized:   &counter{},
		reinitialized: &counter{},
	}
	f.svc = NewStateService(f.backend, f.alerts, zerolog.Nop())
	initSub := f.svc.OnStoryInitialized().Subscribe(func(struct{}) { f.initialized.inc() })
	reinitSub := f.svc.OnStoryReinitialized().Subscribe(func(struct{}) { f.reinitialized.inc() })
	t.Cleanup(func() {
		initSub.Unsubscribe()
		reinitSub.Unsubscribe()
	})
	return f
}

func (f *fixture) load(id string) {
	f.svc.LoadStory(context.Background(), id)
	f.svc.Wait()
}

func (f *fixture) loadAndRetitle(t *testing.T) {
	t.Helper()
	f.load("storyId_0")
	require.True(t, f.svc.HasLoadedStory())
	f.svc.Edit(func(st *story.Story) { st.Title = "New title" })
}

func TestLoadStoryRequestsBackend(t *testing.T) {
	f := newFixture(t)
	f.load("storyId_0")
	assert.Equal(t, []string{"storyId_0"}, f.backend.fetchCalls)
}

func TestFirstLoadFiresInitializedAndSetsTopicName(t *testing.T) {
	f := newFixture(t)
	f.load("storyId_0")

	assert.Equal(t, "Topic Name", f.svc.GetTopicName())
	assert.Equal(t, 1, f.initialized.get())
	assert.Equal(t, 0, f.reinitialized.get())
	assert.Equal(t, "storyId_0", f.svc.GetStory().ID)
}

func TestLaterLoadsFireReinitialized(t *testing.T) {
	f := newFixture(t)
	f.load("storyId_0")
	f.load("storyId_1")
	f.load("storyId_0")

	assert.Equal(t, 1, f.initialized.get())
	assert.Equal(t, 2, f.reinitialized.get())
}

func TestTracksLoadingFlag(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.svc.IsLoadingStory())

	gate := f.backend.gate("storyId_0")
	f.svc.LoadStory(context.Background(), "storyId_0")
	assert.True(t, f.svc.IsLoadingStory())
	assert.False(t, f.svc.HasLoadedStory())

	close(gate)
	f.svc.Wait()
	assert.False(t, f.svc.IsLoadingStory())
	assert.True(t, f.svc.HasLoadedStory())
}

func TestLoadFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.setFailure(errInternal)

	gate := f.backend.gate("storyId_0")
	f.svc.LoadStory(context.Background(), "storyId_0")
	assert.True(t, f.svc.IsLoadingStory())
	close(gate)
	f.svc.Wait()

	assert.False(t, f.svc.IsLoadingStory())
	assert.False(t, f.svc.HasLoadedStory())
	assert.Equal(t, story.InterstitialTitle, f.svc.GetStory().Title)
	assert.Equal(t, 0, f.initialized.get())
	assert.Empty(t, f.alerts.Warnings())
}

func TestSetStoryMarksLoaded(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.svc.HasLoadedStory())

	f.svc.SetStory(f.backend.stories["storyId_1"])
	assert.True(t, f.svc.HasLoadedStory())
	assert.Equal(t, 1, f.initialized.get())
}

func TestInitiallyInterstitial(t *testing.T) {
	f := newFixture(t)
	st := f.svc.GetStory()
	assert.Equal(t, "", st.ID)
	assert.Equal(t, "Story title loading", st.Title)
	assert.Equal(t, "Story description loading", st.Description)
	assert.Equal(t, "Story notes loading", st.Notes)
	assert.Nil(t, st.Contents)
}

func TestSetStoryCopiesInPlace(t *testing.T) {
	f := newFixture(t)
	previous := f.svc.GetStory()
	expected := f.backend.stories["storyId_1"].Clone()
	require.False(t, previous.Equal(expected))

	f.svc.SetStory(expected)

	actual := f.svc.GetStory()
	assert.True(t, actual.Equal(expected))
	assert.Same(t, previous, actual)
	assert.NotSame(t, expected, actual)

	f.load("storyId_0")
	assert.Same(t, previous, f.svc.GetStory())
	assert.Equal(t, "storyId_0", previous.ID)
	assert.Equal(t, 1, f.reinitialized.get())
}

func TestSaveBeforeLoadFails(t *testing.T) {
	f := newFixture(t)

	attempted, err := f.svc.SaveStory(context.Background(), "Commit message", nil, nil)

	assert.False(t, attempted)
	require.ErrorIs(t, err, ErrStoryNotLoaded)
	assert.EqualError(t, err, "Cannot save a story before one is loaded.")
	assert.Empty(t, f.backend.updateCalls)
}

func TestSaveWithoutChangesIsNoop(t *testing.T) {
	f := newFixture(t)
	f.load("storyId_0")

	attempted, err := f.svc.SaveStory(context.Background(), "Commit message", nil, nil)

	require.NoError(t, err)
	assert.False(t, attempted)
	assert.False(t, f.svc.IsSavingStory())
	assert.Empty(t, f.backend.updateCalls)
}

func TestSaveSendsPendingChanges(t *testing.T) {
	f := newFixture(t)
	f.loadAndRetitle(t)
	saved := &counter{}

	attempted, err := f.svc.SaveStory(context.Background(), "Commit message", saved.inc, nil)
	require.NoError(t, err)
	assert.True(t, attempted)
	f.svc.Wait()

	require.Len(t, f.backend.updateCalls, 1)
	call := f.backend.updateCalls[0]
	assert.Equal(t, "storyId_0", call.StoryID)
	assert.Equal(t, 1, call.Version)
	assert.Equal(t, "Commit message", call.CommitMessage)
	assert.Equal(t, []story.Change{{
		Cmd: story.CmdUpdateStoryProperty, PropertyName: story.PropTitle,
		OldValue: "Story title", NewValue: "New title",
	}}, call.Changes)

	assert.Equal(t, 1, saved.get())
	assert.Equal(t, 2, f.svc.GetStory().Version)
	assert.Equal(t, "New title", f.svc.GetStory().Title)
	assert.False(t, f.svc.HasUnsavedChanges())
	assert.Empty(t, f.svc.PendingChanges())
}

func TestSaveFiresReinitialized(t *testing.T) {
	f := newFixture(t)
	f.loadAndRetitle(t)

	_, err := f.svc.SaveStory(context.Background(), "Commit message", nil, nil)
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, 1, f.reinitialized.get())
}

func TestTracksSavingFlag(t *testing.T) {
	f := newFixture(t)
	f.loadAndRetitle(t)
	assert.False(t, f.svc.IsSavingStory())

	gate := f.backend.gate("update:storyId_0")
	_, err := f.svc.SaveStory(context.Background(), "Commit message", nil, nil)
	require.NoError(t, err)
	assert.True(t, f.svc.IsSavingStory())

	close(gate)
	f.svc.Wait()
	assert.False(t, f.svc.IsSavingStory())
}

func TestSaveFailureWarns(t *testing.T) {
	f := newFixture(t)
	f.loadAndRetitle(t)
	f.backend.setFailure(errInternal)

	saved := &counter{}
	var got []string
	gate := f.backend.gate("update:storyId_0")
	attempted, err := f.svc.SaveStory(context.Background(), "Commit message", saved.inc, func(msg string) { got = append(got, msg) })
	require.NoError(t, err)
	assert.True(t, attempted)
	assert.True(t, f.svc.IsSavingStory())
	close(gate)
	f.svc.Wait()

	assert.False(t, f.svc.IsSavingStory())
	assert.Equal(t, 0, saved.get())
	assert.Equal(t, []string{"There was an error when saving the story."}, got)
	assert.Equal(t, []alerts.Warning{{Level: alerts.LevelWarning, Message: "There was an error when saving the story."}}, f.alerts.Warnings())
	assert.Equal(t, 1, f.svc.GetStory().Version)
	assert.True(t, f.svc.HasUnsavedChanges())
	assert.Equal(t, 0, f.reinitialized.get())
}

func TestPublishStory(t *testing.T) {
	f := newFixture(t)
	f.load("storyId_0")
	published := &counter{}

	assert.False(t, f.svc.IsStoryPublished())
	attempted, err := f.svc.ChangeStoryPublicationStatus(context.Background(), true, published.inc)
	require.NoError(t, err)
	assert.True(t, attempted)
	f.svc.Wait()

	assert.Equal(t, []publishCall{{"storyId_0", true}}, f.backend.publishCalls)
	assert.True(t, f.svc.IsStoryPublished())
	assert.Equal(t, 1, published.get())
}

func TestPublishFailureKeepsFlag(t *testing.T) {
	f := newFixture(t)
	f.load("storyId_0")
	f.backend.setFailure(errInternal)

	attempted, err := f.svc.ChangeStoryPublicationStatus(context.Background(), true, nil)
	require.NoError(t, err)
	assert.True(t, attempted)
	f.svc.Wait()

	assert.Equal(t, []publishCall{{"storyId_0", true}}, f.backend.publishCalls)
	assert.False(t, f.svc.IsStoryPublished())
	assert.Equal(t, []alerts.Warning{{Level: alerts.LevelWarning, Message: "There was an error when publishing/unpublishing the story."}}, f.alerts.Warnings())
}

func TestPublishBeforeLoadIsFatal(t *testing.T) {
	f := newFixture(t)

	attempted, err := f.svc.ChangeStoryPublicationStatus(context.Background(), true, nil)

	assert.False(t, attempted)
	assert.ErrorIs(t, err, ErrStoryNotLoaded)
	assert.Equal(t, []alerts.Warning{{Level: alerts.LevelFatal, Message: "Cannot publish a story before one is loaded."}}, f.alerts.Warnings())
	assert.Empty(t, f.backend.publishCalls)
}

func TestUpdateExistenceOfStoryURLFragment(t *testing.T) {
	f := newFixture(t)
	f.svc.SetStory(f.backend.stories["storyId_1"])
	f.backend.fragmentExists = true
	done := &counter{}

	f.svc.UpdateExistenceOfStoryURLFragment(context.Background(), "test_url", done.inc)
	f.svc.Wait()
	assert.True(t, f.svc.GetStoryWithURLFragmentExists())

	f.backend.fragmentExists = false
	f.svc.UpdateExistenceOfStoryURLFragment(context.Background(), "test_url", done.inc)
	f.svc.Wait()
	assert.False(t, f.svc.GetStoryWithURLFragmentExists())
	assert.Equal(t, 2, done.get())
}

func TestURLFragmentFailureWarnsAndKeepsValue(t *testing.T) {
	f := newFixture(t)
	f.svc.SetStory(f.backend.stories["storyId_1"])
	f.backend.fragmentExists = true
	f.svc.UpdateExistenceOfStoryURLFragment(context.Background(), "test_url", nil)
	f.svc.Wait()

	f.backend.setFailure(errors.New("Story URL exists"))
	f.svc.UpdateExistenceOfStoryURLFragment(context.Background(), "test_url", nil)
	f.svc.Wait()

	assert.True(t, f.svc.GetStoryWithURLFragmentExists())
	assert.Equal(t, []alerts.Warning{{
		Level:   alerts.LevelWarning,
		Message: "There was an error when checking if the story url fragment exists for another story.",
	}}, f.alerts.Warnings())
}

func TestLoadCapturesMetadata(t *testing.T) {
	f := newFixture(t)
	f.load("storyId_0")

	assert.Equal(t, "classroomUrlFragment", f.svc.GetClassroomURLFragment())
	assert.Equal(t, "topicUrlFragment", f.svc.GetTopicURLFragment())
	assert.Equal(t, []story.SkillSummary{{ID: "Skill 1", Description: "Skill Description"}}, f.svc.GetSkillSummaries())
}

func TestEmittersAreStable(t *testing.T) {
	f := newFixture(t)
	assert.Same(t, f.svc.OnStoryInitialized(), f.svc.OnStoryInitialized())
	assert.Same(t, f.svc.OnStoryReinitialized(), f.svc.OnStoryReinitialized())
	assert.Same(t, f.svc.OnViewStoryNodeEditor(), f.svc.OnViewStoryNodeEditor())
	assert.Same(t, f.svc.OnRecalculateAvailableNodes(), f.svc.OnRecalculateAvailableNodes())
	assert.NotSame(t, f.svc.OnStoryInitialized(), f.svc.OnStoryReinitialized())

	var opened []string
	sub := f.svc.OnViewStoryNodeEditor().Subscribe(func(id string) { opened = append(opened, id) })
	defer sub.Unsubscribe()
	f.svc.OnViewStoryNodeEditor().Emit("node_1")
	assert.Equal(t, []string{"node_1"}, opened)
}

func TestExpIdsChangedFlag(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.svc.AreAnyExpIdsChanged())

	f.svc.SetExpIdsChanged()
	assert.True(t, f.svc.AreAnyExpIdsChanged())

	f.svc.ResetExpIdsChanged()
	assert.False(t, f.svc.AreAnyExpIdsChanged())
}

func TestSupersededLoadIsDiscarded(t *testing.T) {
	f := newFixture(t)
	slow := f.backend.gate("storyId_0")

	f.svc.LoadStory(context.Background(), "storyId_0")
	f.svc.LoadStory(context.Background(), "storyId_1")
	require.Eventually(t, f.svc.HasLoadedStory, time.Second, time.Millisecond)
	assert.False(t, f.svc.IsLoadingStory())

	close(slow)
	f.svc.Wait()

	assert.Equal(t, "storyId_1", f.svc.GetStory().ID)
	assert.False(t, f.svc.IsLoadingStory())
	assert.Equal(t, 1, f.initialized.get())
	assert.Equal(t, 0, f.reinitialized.get())
}

func TestSetStoryDuringLoadWins(t *testing.T) {
	f := newFixture(t)
	gate := f.backend.gate("storyId_0")
	f.svc.LoadStory(context.Background(), "storyId_0")

	f.svc.SetStory(f.backend.stories["storyId_1"])
	close(gate)
	f.svc.Wait()

	assert.Equal(t, "storyId_1", f.svc.GetStory().ID)
	assert.False(t, f.svc.IsLoadingStory())
}

func TestBaselineRefreshedAfterSave(t *testing.T) {
	f := newFixture(t)
	f.loadAndRetitle(t)
	_, err := f.svc.SaveStory(context.Background(), "first", nil, nil)
	require.NoError(t, err)
	f.svc.Wait()

	attempted, err := f.svc.SaveStory(context.Background(), "again", nil, nil)
	require.NoError(t, err)
	assert.False(t, attempted)

	f.svc.Edit(func(st *story.Story) { st.Notes = "more notes" })
	attempted, err = f.svc.SaveStory(context.Background(), "notes", nil, nil)
	require.NoError(t, err)
	assert.True(t, attempted)
	f.svc.Wait()

	require.Len(t, f.backend.updateCalls, 2)
	assert.Equal(t, 2, f.backend.updateCalls[1].Version)
	assert.Equal(t, 3, f.svc.GetStory().Version)
}

func TestOverlappingSavesAdvanceBaseline(t *testing.T) {
	f := newFixture(t)
	f.backend.checkVersions = true
	f.loadAndRetitle(t)

	first := f.backend.gate("commit:first")
	second := f.backend.gate("commit:second")
	saved := &counter{}
	failed := &counter{}
	onError := func(string) { failed.inc() }

	_, err := f.svc.SaveStory(context.Background(), "first", saved.inc, onError)
	require.NoError(t, err)
	f.svc.Edit(func(st *story.Story) { st.Notes = "more notes" })
	_, err = f.svc.SaveStory(context.Background(), "second", saved.inc, onError)
	require.NoError(t, err)

	close(first)
	require.Eventually(t, func() bool { return saved.get() == 1 }, time.Second, time.Millisecond)
	close(second)
	f.svc.Wait()

	require.Len(t, f.backend.updateCalls, 2)
	assert.Equal(t, 1, f.backend.updateCalls[0].Version)
	assert.Equal(t, 1, f.backend.updateCalls[1].Version)
	assert.Equal(t, 1, failed.get())

	assert.Equal(t, 2, f.svc.GetStory().Version)
	assert.Equal(t, "more notes", f.svc.GetStory().Notes)
	assert.True(t, f.svc.HasUnsavedChanges())
	assert.Equal(t, []story.Change{{
		Cmd: story.CmdUpdateStoryProperty, PropertyName: story.PropNotes,
		OldValue: "<p>Notes/p>", NewValue: "more notes",
	}}, f.svc.PendingChanges())

	_, err = f.svc.SaveStory(context.Background(), "retry", saved.inc, onError)
	require.NoError(t, err)
	f.svc.Wait()

	require.Len(t, f.backend.updateCalls, 3)
	assert.Equal(t, 2, f.backend.updateCalls[2].Version)
	assert.Equal(t, 2, saved.get())
	assert.Equal(t, 3, f.svc.GetStory().Version)
	assert.False(t, f.svc.HasUnsavedChanges())
}

func TestLoadWithEmptyResponseIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.svc.finishLoad("storyId_0", f.svc.loadGen, f.svc.storeGen, nil, nil)

	assert.False(t, f.svc.HasLoadedStory())
	assert.Equal(t, 0, f.initialized.get())
}
