package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/oklog/ulid/v2"

	"story-editor/pkg/story"
)

// SQLStoryStore implements IStoryStore on top of database/sql. Queries are
// written with ? placeholders and rebound for drivers that number them.
type SQLStoryStore struct {
	db       *sql.DB
	numbered bool
}

// NewPostgresStoryStore creates a story store backed by PostgreSQL.
func NewPostgresStoryStore(connStr string) (*SQLStoryStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newSQLStoryStore(db, true)
}

func newSQLStoryStore(db *sql.DB, numbered bool) (*SQLStoryStore, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLStoryStore{db: db, numbered: numbered}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *SQLStoryStore) Close() error {
	return s.db.Close()
}

// rebind turns ? placeholders into $1, $2, ... for Postgres.
func (s *SQLStoryStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const storyColumns = `id, topic_id, title, description, notes, story_contents, language_code,
	schema_version, version, url_fragment, thumbnail_filename, thumbnail_bg_color`

func scanStory(row rowScanner) (*story.Story, error) {
	st := &story.Story{}
	var contents string
	err := row.Scan(
		&st.ID,
		&st.CorrespondingTopicID,
		&st.Title,
		&st.Description,
		&st.Notes,
		&contents,
		&st.LanguageCode,
		&st.SchemaVersion,
		&st.Version,
		&st.URLFragment,
		&st.ThumbnailFilename,
		&st.ThumbnailBgColor,
	)
	if err != nil {
		return nil, err
	}
	st.Contents = &story.Contents{}
	if err := json.Unmarshal([]byte(contents), st.Contents); err != nil {
		return nil, fmt.Errorf("failed to decode story contents: %w", err)
	}
	return st, nil
}

func (s *SQLStoryStore) CreateTopic(topic *Topic) (*Topic, error) {
	t := *topic
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.SkillSummaries == nil {
		t.SkillSummaries = []story.SkillSummary{}
	}
	t.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)

	skills, err := json.Marshal(t.SkillSummaries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode skill summaries: %w", err)
	}

	query := s.rebind(`
		INSERT INTO topics (id, name, url_fragment, classroom_url_fragment, skill_summaries, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if _, err := s.db.Exec(query, t.ID, t.Name, t.URLFragment, t.ClassroomURLFragment, string(skills), t.CreatedAt.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to create topic: %w", err)
	}
	return &t, nil
}

func (s *SQLStoryStore) GetTopic(id string) (*Topic, error) {
	query := s.rebind(`
		SELECT id, name, url_fragment, classroom_url_fragment, skill_summaries, created_at
		FROM topics
		WHERE id = ?
	`)

	t := &Topic{}
	var skills string
	var created int64
	err := s.db.QueryRow(query, id).Scan(&t.ID, &t.Name, &t.URLFragment, &t.ClassroomURLFragment, &skills, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTopicNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic: %w", err)
	}
	if err := json.Unmarshal([]byte(skills), &t.SkillSummaries); err != nil {
		return nil, fmt.Errorf("failed to decode skill summaries: %w", err)
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	return t, nil
}

func (s *SQLStoryStore) CreateStory(topicID, title, description, urlFragment string) (*story.Story, error) {
	if _, err := s.GetTopic(topicID); err != nil {
		return nil, err
	}
	if urlFragment != "" {
		taken, err := s.StoryURLFragmentExists(urlFragment)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, ErrURLFragmentTaken
		}
	}

	st := story.New(uuid.New().String(), topicID, title)
	st.Description = description
	st.URLFragment = urlFragment

	contents, err := json.Marshal(st.Contents)
	if err != nil {
		return nil, fmt.Errorf("failed to encode story contents: %w", err)
	}
	now := time.Now().UnixMilli()

	query := s.rebind(`
		INSERT INTO stories (` + storyColumns + `, published, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.Exec(query,
		st.ID, st.CorrespondingTopicID, st.Title, st.Description, st.Notes, string(contents),
		st.LanguageCode, st.SchemaVersion, st.Version, st.URLFragment,
		st.ThumbnailFilename, st.ThumbnailBgColor, false, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create story: %w", err)
	}
	return st, nil
}

func (s *SQLStoryStore) GetStory(id string) (*story.Story, error) {
	query := s.rebind(`SELECT ` + storyColumns + ` FROM stories WHERE id = ?`)

	st, err := scanStory(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get story: %w", err)
	}
	return st, nil
}

func (s *SQLStoryStore) ListStories() ([]*story.Story, error) {
	rows, err := s.db.Query(`SELECT ` + storyColumns + ` FROM stories ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	defer rows.Close()

	var stories []*story.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan story: %w", err)
		}
		stories = append(stories, st)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stories: %w", err)
	}
	return stories, nil
}

func (s *SQLStoryStore) DeleteStory(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(s.rebind(`DELETE FROM stories WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete story: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrStoryNotFound
	}
	for _, table := range []string{"story_commits", "learner_progress"} {
		if _, err := tx.Exec(s.rebind(`DELETE FROM `+table+` WHERE story_id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStoryStore) UpdateStory(id string, version int, committerID, commitMessage string, changes []story.Change) (*story.Story, error) {
	if strings.TrimSpace(commitMessage) == "" {
		return nil, ErrEmptyCommitMessage
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanStory(tx.QueryRow(s.rebind(`SELECT `+storyColumns+` FROM stories WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get story: %w", err)
	}
	if current.Version != version {
		return nil, fmt.Errorf("%w: have %d, got %d", ErrVersionMismatch, current.Version, version)
	}

	updated := current.Clone()
	if err := story.Apply(updated, changes); err != nil {
		return nil, err
	}
	updated.ID = current.ID
	updated.CorrespondingTopicID = current.CorrespondingTopicID
	updated.Version = current.Version + 1

	if updated.URLFragment != current.URLFragment && updated.URLFragment != "" {
		var count int
		err := tx.QueryRow(s.rebind(`SELECT COUNT(*) FROM stories WHERE url_fragment = ? AND id <> ?`), updated.URLFragment, id).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("failed to check url fragment: %w", err)
		}
		if count > 0 {
			return nil, ErrURLFragmentTaken
		}
	}

	contents, err := json.Marshal(updated.Contents)
	if err != nil {
		return nil, fmt.Errorf("failed to encode story contents: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)

	result, err := tx.Exec(s.rebind(`
		UPDATE stories
		SET title = ?, description = ?, notes = ?, story_contents = ?, language_code = ?,
			url_fragment = ?, thumbnail_filename = ?, thumbnail_bg_color = ?,
			version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`),
		updated.Title, updated.Description, updated.Notes, string(contents), updated.LanguageCode,
		updated.URLFragment, updated.ThumbnailFilename, updated.ThumbnailBgColor,
		updated.Version, now.UnixMilli(), id, version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update story: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrVersionMismatch
	}

	if changes == nil {
		changes = []story.Change{}
	}
	encoded, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode changes: %w", err)
	}
	_, err = tx.Exec(s.rebind(`
		INSERT INTO story_commits (id, story_id, version, committer_id, commit_message, changes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), ulid.Make().String(), id, updated.Version, committerID, commitMessage, string(encoded), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to record commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return updated, nil
}

func (s *SQLStoryStore) IsStoryPublished(id string) (bool, error) {
	var published bool
	err := s.db.QueryRow(s.rebind(`SELECT published FROM stories WHERE id = ?`), id).Scan(&published)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrStoryNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to get publication status: %w", err)
	}
	return published, nil
}

func (s *SQLStoryStore) SetStoryPublished(id string, published bool) error {
	result, err := s.db.Exec(s.rebind(`UPDATE stories SET published = ? WHERE id = ?`), published, id)
	if err != nil {
		return fmt.Errorf("failed to update publication status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrStoryNotFound
	}
	return nil
}

func (s *SQLStoryStore) StoryURLFragmentExists(fragment string) (bool, error) {
	var count int
	err := s.db.QueryRow(s.rebind(`SELECT COUNT(*) FROM stories WHERE url_fragment = ?`), fragment).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check url fragment: %w", err)
	}
	return count > 0, nil
}

func (s *SQLStoryStore) ListCommits(storyID string) ([]*Commit, error) {
	if _, err := s.GetStory(storyID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(s.rebind(`
		SELECT id, story_id, version, committer_id, commit_message, changes, created_at
		FROM story_commits
		WHERE story_id = ?
		ORDER BY version
	`), storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}
	defer rows.Close()

	commits := []*Commit{}
	for rows.Next() {
		c := &Commit{}
		var changes string
		var created int64
		if err := rows.Scan(&c.ID, &c.StoryID, &c.Version, &c.CommitterID, &c.CommitMessage, &changes, &created); err != nil {
			return nil, fmt.Errorf("failed to scan commit: %w", err)
		}
		if err := json.Unmarshal([]byte(changes), &c.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode commit changes: %w", err)
		}
		c.CreatedAt = time.UnixMilli(created).UTC()
		commits = append(commits, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commits: %w", err)
	}
	return commits, nil
}

func (s *SQLStoryStore) MarkNodeCompleted(learnerID, storyID, nodeID string) error {
	st, err := s.GetStory(storyID)
	if err != nil {
		return err
	}
	if st.Contents.Node(nodeID) == nil {
		return ErrNodeNotFound
	}

	_, err = s.db.Exec(s.rebind(`
		INSERT INTO learner_progress (learner_id, story_id, node_id, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (learner_id, story_id, node_id) DO NOTHING
	`), learnerID, storyID, nodeID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	return nil
}

func (s *SQLStoryStore) ListLearnerStories(learnerID string) ([]*LearnerStory, error) {
	rows, err := s.db.Query(s.rebind(`
		SELECT story_id, node_id
		FROM learner_progress
		WHERE learner_id = ?
		ORDER BY story_id, completed_at
	`), learnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}

	var order []string
	completed := map[string]map[string]bool{}
	for rows.Next() {
		var storyID, nodeID string
		if err := rows.Scan(&storyID, &nodeID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		if completed[storyID] == nil {
			completed[storyID] = map[string]bool{}
			order = append(order, storyID)
		}
		completed[storyID][nodeID] = true
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating progress: %w", err)
	}

	result := []*LearnerStory{}
	for _, storyID := range order {
		st, err := s.GetStory(storyID)
		if errors.Is(err, ErrStoryNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		topic, err := s.GetTopic(st.CorrespondingTopicID)
		if err != nil {
			return nil, err
		}
		published, err := s.IsStoryPublished(storyID)
		if err != nil {
			return nil, err
		}
		result = append(result, &LearnerStory{
			Story:     st,
			Topic:     topic,
			Published: published,
			Completed: completed[storyID],
		})
	}
	return result, nil
}
