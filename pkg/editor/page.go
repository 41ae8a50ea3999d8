package editor

import (
	"context"

	"story-editor/pkg/event"
	"story-editor/pkg/story"
)

const (
	titleSuffix   = " - Story Editor"
	untitledTitle = "Untitled Story" + titleSuffix
)

// TitleSetter sets the title of the window hosting the editor.
type TitleSetter interface {
	SetDocumentTitle(title string)
}

// TitleSetterFunc adapts a function to TitleSetter.
type TitleSetterFunc func(title string)

func (f TitleSetterFunc) SetDocumentTitle(title string) { f(title) }

// Page is the top-level story editor page. It keeps the window title in
// step with the story and releases its subscriptions when destroyed.
type Page struct {
	state *StateService
	title TitleSetter
	subs  event.Subscriptions
}

// NewPage creates a page controller bound to state.
func NewPage(state *StateService, title TitleSetter) *Page {
	return &Page{state: state, title: title}
}

// Init subscribes to story events and starts loading storyID.
func (p *Page) Init(ctx context.Context, storyID string) {
	p.subs.Add(p.state.OnStoryInitialized().Subscribe(func(struct{}) { p.setTitle() }))
	p.subs.Add(p.state.OnStoryReinitialized().Subscribe(func(struct{}) { p.setTitle() }))
	p.state.LoadStory(ctx, storyID)
}

// Destroy releases every subscription made by Init.
func (p *Page) Destroy() {
	p.subs.Unsubscribe()
}

func (p *Page) setTitle() {
	var title string
	p.state.Edit(func(st *story.Story) { title = st.Title })
	if title == "" {
		p.title.SetDocumentTitle(untitledTitle)
		return
	}
	p.title.SetDocumentTitle(title + titleSuffix)
}
