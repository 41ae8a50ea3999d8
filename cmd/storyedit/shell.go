package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"story-editor/pkg/alerts"
	"story-editor/pkg/api"
	"story-editor/pkg/backend"
	"story-editor/pkg/editor"
	"story-editor/pkg/event"
	"story-editor/pkg/story"
	"story-editor/pkg/tile"
)

var errUsage = errors.New("wrong arguments, see help")

type syncWriter struct {
	mutex sync.Mutex
	w     io.Writer
}

func (w *syncWriter) Printf(format string, args ...any) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	fmt.Fprintf(w.w, format, args...)
}

type command struct {
	usage string
	help  string
	run   func(sh *shell, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":        {"help", "list commands", (*shell).cmdHelp},
		"load":        {"load <story-id>", "load a story", (*shell).cmdLoad},
		"show":        {"show", "print the story being edited", (*shell).cmdShow},
		"title":       {"title <text>", "set the story title", storyProperty(func(s *story.Story, v string) { s.Title = v })},
		"description": {"description <text>", "set the story description", storyProperty(func(s *story.Story, v string) { s.Description = v })},
		"notes":       {"notes <text>", "set the story notes", storyProperty(func(s *story.Story, v string) { s.Notes = v })},
		"fragment":    {"fragment <url-fragment>", "set the url fragment after checking it is free", (*shell).cmdFragment},
		"node":        {"node add|rm|title|outline|link|unlink|initial|finalize|exploration|view ...", "edit chapters", (*shell).cmdNode},
		"changes":     {"changes", "print the changes a save would send", (*shell).cmdChanges},
		"save":        {"save <commit message>", "save pending changes", (*shell).cmdSave},
		"publish":     {"publish", "publish the story", publication(true)},
		"unpublish":   {"unpublish", "unpublish the story", publication(false)},
		"draft":       {"draft save|restore|discard", "manage the local draft", (*shell).cmdDraft},
		"commits":     {"commits", "list the story's commits", (*shell).cmdCommits},
		"watch":       {"watch", "print changes other editors make", (*shell).cmdWatch},
		"unwatch":     {"unwatch", "stop watching", (*shell).cmdUnwatch},
		"complete":    {"complete <learner-id> <node-id>", "mark a chapter completed for a learner", (*shell).cmdComplete},
		"tiles":       {"tiles <learner-id> [home|progress]", "show a learner's story tiles", (*shell).cmdTiles},
		"warnings":    {"warnings", "list warnings raised so far", (*shell).cmdWarnings},
		"quit":        {"quit", "exit", nil},
	}
}

type shell struct {
	state  *editor.StateService
	client *backend.Client
	drafts *editor.DraftStore
	alerts *alerts.Service
	out    *syncWriter
	title  editor.TitleSetter

	page *editor.Page
	subs event.Subscriptions

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func newShell(state *editor.StateService, client *backend.Client, drafts *editor.DraftStore, alerter *alerts.Service, out *syncWriter, title editor.TitleSetter) *shell {
	sh := &shell{state: state, client: client, drafts: drafts, alerts: alerter, out: out, title: title}
	sh.subs.Add(state.OnViewStoryNodeEditor().Subscribe(sh.printNode))
	sh.subs.Add(state.OnRecalculateAvailableNodes().Subscribe(func(struct{}) { sh.printGraph() }))
	return sh
}

func (sh *shell) close() {
	sh.stopWatch()
	if sh.page != nil {
		sh.page.Destroy()
	}
	sh.subs.Unsubscribe()
	sh.state.Wait()
}

func (sh *shell) prompt() string {
	if !sh.state.HasLoadedStory() {
		return "storyedit> "
	}
	var title string
	sh.state.Edit(func(st *story.Story) { title = st.Title })
	if sh.state.HasUnsavedChanges() {
		return fmt.Sprintf("storyedit [%s*]> ", title)
	}
	return fmt.Sprintf("storyedit [%s]> ", title)
}

func (sh *shell) complete(line string) []string {
	var out []string
	for name := range commands {
		if strings.HasPrefix(name, line) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// exec runs one command line. It reports true when the shell should exit.
func (sh *shell) exec(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name, args := fields[0], fields[1:]
	if name == "quit" || name == "exit" {
		saved, err := sh.state.SaveDraft(sh.drafts)
		if err != nil {
			return false, fmt.Errorf("keeping unsaved changes failed: %w", err)
		}
		if saved {
			sh.out.Printf("unsaved changes kept as a local draft\n")
		}
		return true, nil
	}
	cmd, ok := commands[name]
	if !ok {
		return false, fmt.Errorf("unknown command %q", name)
	}
	return false, cmd.run(sh, ctx, args)
}

func (sh *shell) cmdHelp(_ context.Context, _ []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sh.out.Printf("  %-40s %s\n", commands[name].usage, commands[name].help)
	}
	return nil
}

func (sh *shell) cmdLoad(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if sh.page != nil {
		sh.page.Destroy()
	}
	sh.stopWatch()

	sh.page = editor.NewPage(sh.state, sh.title)
	sh.page.Init(ctx, args[0])
	sh.state.Wait()

	if !sh.state.HasLoadedStory() || sh.state.GetStory().ID != args[0] {
		return fmt.Errorf("could not load story %s", args[0])
	}
	sh.out.Printf("loaded %q\n", sh.state.GetStory().Title)

	if draft, err := sh.drafts.Load(args[0]); err == nil {
		sh.out.Printf("a local draft from %s exists; use 'draft restore' to apply it\n", draft.SavedAt.Local().Format("Jan 2 15:04"))
	}
	return nil
}

func (sh *shell) requireStory() error {
	if !sh.state.HasLoadedStory() {
		return &editor.NotLoadedError{Action: "edit"}
	}
	return nil
}

func (sh *shell) cmdShow(_ context.Context, _ []string) error {
	if err := sh.requireStory(); err != nil {
		return err
	}
	topic := sh.state.GetTopicName()
	sh.state.Edit(func(st *story.Story) {
		sh.out.Printf("%s (version %d)\n", st.Title, st.Version)
		sh.out.Printf("  id:          %s\n", st.ID)
		sh.out.Printf("  topic:       %s\n", topic)
		sh.out.Printf("  url:         %s\n", st.URLFragment)
		sh.out.Printf("  description: %s\n", st.Description)
		sh.out.Printf("  notes:       %s\n", st.Notes)
		if st.Contents == nil {
			return
		}
		for _, n := range st.Contents.Nodes {
			marker := " "
			if n.ID == st.Contents.InitialNodeID {
				marker = "*"
			}
			sh.out.Printf("  %s %-8s %s -> %s\n", marker, n.ID, n.Title, strings.Join(n.DestinationNodeIDs, ", "))
		}
	})
	sh.out.Printf("  published:   %t\n", sh.state.IsStoryPublished())
	return nil
}

func storyProperty(set func(*story.Story, string)) func(*shell, context.Context, []string) error {
	return func(sh *shell, _ context.Context, args []string) error {
		if err := sh.requireStory(); err != nil {
			return err
		}
		value := strings.Join(args, " ")
		sh.state.Edit(func(st *story.Story) { set(st, value) })
		return nil
	}
}

func (sh *shell) cmdFragment(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if err := sh.requireStory(); err != nil {
		return err
	}
	var current string
	sh.state.Edit(func(st *story.Story) { current = st.URLFragment })
	if args[0] == current {
		return nil
	}

	checked := false
	sh.state.UpdateExistenceOfStoryURLFragment(ctx, args[0], func() { checked = true })
	sh.state.Wait()
	if !checked {
		return errors.New("could not check the url fragment")
	}
	if sh.state.GetStoryWithURLFragmentExists() {
		return fmt.Errorf("url fragment %q is used by another story", args[0])
	}
	sh.state.Edit(func(st *story.Story) { st.URLFragment = args[0] })
	return nil
}

func (sh *shell) cmdNode(_ context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	if err := sh.requireStory(); err != nil {
		return err
	}
	op, args := args[0], args[1:]

	if op == "view" {
		if len(args) != 1 {
			return errUsage
		}
		sh.state.OnViewStoryNodeEditor().Emit(args[0])
		return nil
	}

	var err error
	sh.state.Edit(func(st *story.Story) {
		if st.Contents == nil {
			st.Contents = &story.Contents{}
		}
		err = editNode(st.Contents, op, args)
	})
	if err != nil {
		return err
	}
	switch op {
	case "add", "rm", "link", "unlink", "initial":
		sh.state.OnRecalculateAvailableNodes().Emit(struct{}{})
	}
	return nil
}

func editNode(c *story.Contents, op string, args []string) error {
	if op == "add" {
		if len(args) == 0 {
			return errUsage
		}
		c.AddNode(strings.Join(args, " "))
		return nil
	}
	if len(args) == 0 {
		return errUsage
	}
	n := c.Node(args[0])
	if n == nil {
		return fmt.Errorf("no chapter %q", args[0])
	}
	rest := strings.Join(args[1:], " ")

	switch op {
	case "rm":
		return c.DeleteNode(n.ID)
	case "title":
		n.Title = rest
	case "outline":
		n.Outline = rest
	case "exploration":
		n.ExplorationID = rest
	case "finalize":
		n.OutlineIsFinalized = true
	case "initial":
		c.InitialNodeID = n.ID
	case "link", "unlink":
		if len(args) != 2 || c.Node(args[1]) == nil || args[1] == n.ID {
			return errUsage
		}
		dest := make([]string, 0, len(n.DestinationNodeIDs)+1)
		for _, id := range n.DestinationNodeIDs {
			if id != args[1] {
				dest = append(dest, id)
			}
		}
		if op == "link" {
			dest = append(dest, args[1])
		}
		n.DestinationNodeIDs = dest
	default:
		return fmt.Errorf("unknown node operation %q", op)
	}
	return nil
}

func (sh *shell) printNode(nodeID string) {
	sh.state.Edit(func(st *story.Story) {
		if st.Contents == nil || st.Contents.Node(nodeID) == nil {
			sh.out.Printf("no chapter %q\n", nodeID)
			return
		}
		n := st.Contents.Node(nodeID)
		sh.out.Printf("%s: %s\n", n.ID, n.Title)
		sh.out.Printf("  description: %s\n", n.Description)
		sh.out.Printf("  outline:     %s (finalized: %t)\n", n.Outline, n.OutlineIsFinalized)
		sh.out.Printf("  exploration: %s\n", n.ExplorationID)
		sh.out.Printf("  leads to:    %s\n", strings.Join(n.DestinationNodeIDs, ", "))
	})
}

func (sh *shell) printGraph() {
	sh.state.Edit(func(st *story.Story) {
		if st.Contents == nil {
			return
		}
		sh.out.Printf("chapters: %s (first: %s)\n", strings.Join(st.Contents.NodeIDs(), ", "), st.Contents.InitialNodeID)
	})
}

func (sh *shell) cmdChanges(_ context.Context, _ []string) error {
	if err := sh.requireStory(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sh.state.PendingChanges(), "", "  ")
	if err != nil {
		return err
	}
	sh.out.Printf("%s\n", data)
	return nil
}

func (sh *shell) cmdSave(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	var failure string
	sent, err := sh.state.SaveStory(ctx, strings.Join(args, " "), nil, func(msg string) { failure = msg })
	if err != nil {
		return err
	}
	if !sent {
		sh.out.Printf("nothing to save\n")
		return nil
	}
	sh.state.Wait()
	if failure != "" {
		return errors.New(failure)
	}

	st := sh.state.GetStory()
	if err := sh.drafts.Discard(st.ID); err != nil {
		return err
	}
	sh.out.Printf("saved version %d\n", st.Version)
	return nil
}

func publication(publish bool) func(*shell, context.Context, []string) error {
	return func(sh *shell, ctx context.Context, _ []string) error {
		if sh.state.HasUnsavedChanges() {
			return errors.New("save your changes before changing the publication status")
		}
		done := false
		if _, err := sh.state.ChangeStoryPublicationStatus(ctx, publish, func() { done = true }); err != nil {
			return err
		}
		sh.state.Wait()
		if !done {
			return errors.New(editor.MsgPublishFailed)
		}
		sh.out.Printf("published: %t\n", sh.state.IsStoryPublished())
		return nil
	}
}

func (sh *shell) cmdDraft(_ context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if err := sh.requireStory(); err != nil {
		return err
	}
	storyID := sh.state.GetStory().ID

	switch args[0] {
	case "save":
		saved, err := sh.state.SaveDraft(sh.drafts)
		if err != nil {
			return err
		}
		if !saved {
			sh.out.Printf("no unsaved changes\n")
			return nil
		}
		sh.out.Printf("draft saved\n")
	case "restore":
		draft, err := sh.drafts.Load(storyID)
		if err != nil {
			return err
		}
		ok, err := sh.state.RestoreDraft(draft)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("draft was made against version %d; the story has moved on", draft.BaseVersion)
		}
		sh.state.OnRecalculateAvailableNodes().Emit(struct{}{})
		sh.out.Printf("draft restored\n")
	case "discard":
		return sh.drafts.Discard(storyID)
	default:
		return errUsage
	}
	return nil
}

func (sh *shell) cmdCommits(ctx context.Context, _ []string) error {
	if err := sh.requireStory(); err != nil {
		return err
	}
	commits, err := sh.client.ListCommits(ctx, sh.state.GetStory().ID)
	if err != nil {
		return err
	}
	for _, c := range commits {
		sh.out.Printf("v%-4d %s  %-12s %s (%d changes)\n",
			c.Version, c.CreatedAt.Local().Format("2006-01-02 15:04"), c.CommitterID, c.CommitMessage, len(c.Changes))
	}
	return nil
}

func (sh *shell) cmdWatch(ctx context.Context, _ []string) error {
	if err := sh.requireStory(); err != nil {
		return err
	}
	sh.stopWatch()

	storyID := sh.state.GetStory().ID
	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	sh.watchCancel, sh.watchDone = cancel, done

	go func() {
		defer close(done)
		err := sh.client.Watch(watchCtx, storyID, sh.onStoryEvent)
		if err != nil && !errors.Is(err, context.Canceled) {
			sh.out.Printf("stopped watching: %v\n", err)
		}
	}()
	return nil
}

func (sh *shell) onStoryEvent(e api.StoryEvent) {
	switch e.Type {
	case api.EventStoryUpdated:
		var version int
		sh.state.Edit(func(st *story.Story) { version = st.Version })
		if e.Version > version {
			sh.out.Printf("%s saved version %d; reload to pick it up\n", e.CommitterID, e.Version)
		}
	case api.EventPublicationChanged:
		sh.out.Printf("%s set published to %t\n", e.UserID, e.Published)
	case api.EventEditorJoined:
		sh.out.Printf("%s joined; editing now: %s\n", e.UserID, strings.Join(e.Editors, ", "))
	case api.EventEditorLeft:
		sh.out.Printf("%s left\n", e.UserID)
	}
}

func (sh *shell) cmdUnwatch(_ context.Context, _ []string) error {
	sh.stopWatch()
	return nil
}

func (sh *shell) stopWatch() {
	if sh.watchCancel == nil {
		return
	}
	sh.watchCancel()
	<-sh.watchDone
	sh.watchCancel, sh.watchDone = nil, nil
}

func (sh *shell) cmdComplete(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	if err := sh.requireStory(); err != nil {
		return err
	}
	return sh.client.CompleteNode(ctx, args[0], sh.state.GetStory().ID, args[1])
}

func (sh *shell) cmdTiles(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	area := tile.DisplayAreaHome
	if len(args) == 2 && args[1] == "progress" {
		area = tile.DisplayAreaProgress
	}

	summaries, err := sh.client.LearnerStories(ctx, args[0])
	if err != nil {
		return err
	}
	for _, sum := range summaries {
		t := tile.New(sum, area, "")
		sh.out.Printf("%s [%s] %d/%d chapters (%d%%)\n", t.StoryTitle, t.TopicName, t.CompletedNodeCount, t.NodeCount, t.StoryProgress)
		if t.StoryCompleted {
			sh.out.Printf("  completed %s\n", t.StarImageURL)
		} else {
			sh.out.Printf("  next: %s\n", t.NextIncompleteNodeTitle)
		}
		sh.out.Printf("  link: %s\n", t.StoryLink)
	}
	return nil
}

func (sh *shell) cmdWarnings(_ context.Context, _ []string) error {
	for _, w := range sh.alerts.Warnings() {
		level := "warning"
		if w.Level == alerts.LevelFatal {
			level = "fatal"
		}
		sh.out.Printf("%s: %s\n", level, w.Message)
	}
	return nil
}
