package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"story-editor/app"
	"story-editor/pkg/alerts"
	"story-editor/pkg/api"
	"story-editor/pkg/auth"
	"story-editor/pkg/backend"
	"story-editor/pkg/config"
	"story-editor/pkg/db"
	"story-editor/pkg/editor"
)

type shellFixture struct {
	sh      *shell
	buf     *bytes.Buffer
	titles  []string
	storyID string
	client  *backend.Client
}

func newShellFixture(t *testing.T) *shellFixture {
	t.Helper()
	store, err := db.NewSQLiteStoryStore(":memory:")
	require.NoError(t, err)
	cfg := &config.Config{DBDriver: config.DriverSQLite, JWTSecret: "secret"}
	server := app.NewServerWithStore(store, cfg, zerolog.Nop())
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		server.Close()
	})

	token, err := auth.Issue([]byte("secret"), "editor_1", time.Hour)
	require.NoError(t, err)
	client := backend.New(srv.URL, backend.WithToken(token))

	ctx := context.Background()
	topicID, err := client.CreateTopic(ctx, api.CreateTopicRequest{Name: "Fractions", URLFragment: "fractions", ClassroomURLFragment: "math"})
	require.NoError(t, err)
	storyID, err := client.CreateStory(ctx, topicID, api.CreateStoryRequest{Title: "Pizza party", URLFragment: "pizza-party"})
	require.NoError(t, err)
	_, err = client.CreateStory(ctx, topicID, api.CreateStoryRequest{Title: "Other", URLFragment: "taken"})
	require.NoError(t, err)

	drafts, err := editor.NewDraftStore(t.TempDir())
	require.NoError(t, err)

	f := &shellFixture{buf: &bytes.Buffer{}, storyID: storyID, client: client}
	alerter := alerts.NewService(zerolog.Nop())
	state := editor.NewStateService(client, alerter, zerolog.Nop())
	title := editor.TitleSetterFunc(func(s string) { f.titles = append(f.titles, s) })
	f.sh = newShell(state, client, drafts, alerter, &syncWriter{w: f.buf}, title)
	t.Cleanup(f.sh.close)
	return f
}

func (f *shellFixture) run(t *testing.T, line string) string {
	t.Helper()
	f.buf.Reset()
	quit, err := f.sh.exec(context.Background(), line)
	require.NoError(t, err, line)
	assert.False(t, quit)
	return f.buf.String()
}

func TestShellEditAndSave(t *testing.T) {
	f := newShellFixture(t)

	assert.Contains(t, f.run(t, "load "+f.storyID), `loaded "Pizza party"`)
	assert.Equal(t, []string{"Pizza party - Story Editor"}, f.titles)
	assert.Equal(t, "storyedit [Pizza party]> ", f.sh.prompt())

	f.run(t, "title Pizza night")
	out := f.run(t, "node add Ordering")
	assert.Contains(t, out, "chapters: node_1 (first: node_1)")
	f.run(t, "node add Eating")
	f.run(t, "node link node_1 node_2")
	f.run(t, "node outline node_1 Pick toppings")
	assert.Equal(t, "storyedit [Pizza night*]> ", f.sh.prompt())

	assert.Contains(t, f.run(t, "changes"), `"cmd": "add_story_node"`)
	assert.Contains(t, f.run(t, "node view node_1"), "outline:     Pick toppings")

	assert.Contains(t, f.run(t, "save Add chapters"), "saved version 2")
	assert.False(t, f.sh.state.HasUnsavedChanges())
	assert.Equal(t, "Pizza night - Story Editor", f.titles[len(f.titles)-1])
	assert.Contains(t, f.run(t, "save again"), "nothing to save")

	data, err := f.client.FetchStory(context.Background(), f.storyID)
	require.NoError(t, err)
	if d := cmp.Diff(*data.Story, *f.sh.state.GetStory(), cmpopts.EquateEmpty()); d != "" {
		t.Fatalf("server story differs from the editor's (-server +editor):\n%s", d)
	}

	out = f.run(t, "show")
	assert.Contains(t, out, "Pizza night (version 2)")
	assert.Contains(t, out, "* node_1   Ordering -> node_2")
	assert.Contains(t, out, "topic:       Fractions")

	out = f.run(t, "commits")
	assert.Contains(t, out, "editor_1")
	assert.Contains(t, out, "Add chapters")
}

func TestShellPublishAndFragment(t *testing.T) {
	f := newShellFixture(t)
	f.run(t, "load "+f.storyID)

	assert.Contains(t, f.run(t, "publish"), "published: true")
	assert.True(t, f.sh.state.IsStoryPublished())

	_, err := f.sh.exec(context.Background(), "fragment taken")
	assert.ErrorContains(t, err, "used by another story")
	f.run(t, "fragment pizza-night")
	assert.Equal(t, "pizza-night", f.sh.state.GetStory().URLFragment)

	_, err = f.sh.exec(context.Background(), "publish")
	assert.ErrorContains(t, err, "save your changes")
}

func TestShellDrafts(t *testing.T) {
	f := newShellFixture(t)
	f.run(t, "load "+f.storyID)

	assert.Contains(t, f.run(t, "draft save"), "no unsaved changes")
	f.run(t, "notes Bring napkins")
	assert.Contains(t, f.run(t, "draft save"), "draft saved")

	assert.Contains(t, f.run(t, "load "+f.storyID), "a local draft")
	assert.False(t, f.sh.state.HasUnsavedChanges())

	assert.Contains(t, f.run(t, "draft restore"), "draft restored")
	assert.Equal(t, "Bring napkins", f.sh.state.GetStory().Notes)
	assert.True(t, f.sh.state.HasUnsavedChanges())

	f.run(t, "save Notes")
	_, err := f.sh.drafts.Load(f.storyID)
	assert.ErrorIs(t, err, editor.ErrNoDraft)
}

func TestShellLearnerTiles(t *testing.T) {
	f := newShellFixture(t)
	f.run(t, "load "+f.storyID)
	f.run(t, "node add Ordering")
	f.run(t, "node add Eating")
	f.run(t, "save Chapters")

	f.run(t, "complete learner_1 node_1")
	out := f.run(t, "tiles learner_1 progress")
	assert.Contains(t, out, "Pizza party [Fractions] 1/2 chapters (50%)")
	assert.Contains(t, out, "next: Chapter 2: Eating")
	assert.Contains(t, out, "link: /learn/math/fractions/story/pizza-party")
}

func TestShellErrors(t *testing.T) {
	f := newShellFixture(t)
	ctx := context.Background()

	_, err := f.sh.exec(ctx, "title Anything")
	assert.ErrorIs(t, err, editor.ErrStoryNotLoaded)

	_, err = f.sh.exec(ctx, "frobnicate")
	assert.ErrorContains(t, err, "unknown command")

	_, err = f.sh.exec(ctx, "load missing")
	assert.Error(t, err)

	f.run(t, "load "+f.storyID)
	_, err = f.sh.exec(ctx, "node rm node_9")
	assert.ErrorContains(t, err, "no chapter")

	quit, err := f.sh.exec(ctx, "quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestShellQuitKeepsDraft(t *testing.T) {
	f := newShellFixture(t)
	f.run(t, "load "+f.storyID)
	f.run(t, "description Sharing pizza")

	f.buf.Reset()
	quit, err := f.sh.exec(context.Background(), "quit")
	require.NoError(t, err)
	assert.True(t, quit)
	assert.Contains(t, f.buf.String(), "local draft")

	draft, err := f.sh.drafts.Load(f.storyID)
	require.NoError(t, err)
	assert.Equal(t, "Sharing pizza", draft.Story.Description)
	assert.Equal(t, 1, draft.BaseVersion)
}
