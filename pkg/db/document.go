package db

import (
	"errors"
	"time"

	"story-editor/pkg/story"
)

var (
	ErrStoryNotFound      = errors.New("story not found")
	ErrTopicNotFound      = errors.New("topic not found")
	ErrNodeNotFound       = errors.New("story node not found")
	ErrVersionMismatch    = errors.New("story version mismatch")
	ErrURLFragmentTaken   = errors.New("story url fragment already in use")
	ErrEmptyCommitMessage = errors.New("commit message must not be empty")
)

// Topic groups stories and carries the url fragments used to link to them.
type Topic struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	URLFragment          string               `json:"url_fragment"`
	ClassroomURLFragment string               `json:"classroom_url_fragment"`
	SkillSummaries       []story.SkillSummary `json:"skill_summaries"`
	CreatedAt            time.Time            `json:"created_at"`
}

// Commit is one accepted save of a story.
type Commit struct {
	ID            string         `json:"id"`
	StoryID       string         `json:"story_id"`
	Version       int            `json:"version"`
	CommitterID   string         `json:"committer_id"`
	CommitMessage string         `json:"commit_message"`
	Changes       []story.Change `json:"change_dicts"`
	CreatedAt     time.Time      `json:"created_at"`
}

// LearnerStory is a story a learner has made progress in.
type LearnerStory struct {
	Story     *story.Story
	Topic     *Topic
	Published bool
	Completed map[string]bool
}

// IStoryStore persists topics, stories, their commit logs and learner
// progress.
type IStoryStore interface {
	CreateTopic(topic *Topic) (*Topic, error)
	GetTopic(id string) (*Topic, error)

	CreateStory(topicID, title, description, urlFragment string) (*story.Story, error)
	GetStory(id string) (*story.Story, error)
	ListStories() ([]*story.Story, error)
	DeleteStory(id string) error
	// UpdateStory applies changes made against version and records a commit.
	// It fails with ErrVersionMismatch when version is not the stored one.
	UpdateStory(id string, version int, committerID, commitMessage string, changes []story.Change) (*story.Story, error)
	IsStoryPublished(id string) (bool, error)
	SetStoryPublished(id string, published bool) error
	StoryURLFragmentExists(fragment string) (bool, error)
	ListCommits(storyID string) ([]*Commit, error)

	MarkNodeCompleted(learnerID, storyID, nodeID string) error
	ListLearnerStories(learnerID string) ([]*LearnerStory, error)

	Close() error
}
