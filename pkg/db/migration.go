package db

// createTables creates the schema if it doesn't exist. The statements are
// valid for both Postgres and SQLite.
func (s *SQLStoryStore) createTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS topics (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			url_fragment VARCHAR(255) NOT NULL,
			classroom_url_fragment VARCHAR(255) NOT NULL,
			skill_summaries TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stories (
			id VARCHAR(36) PRIMARY KEY,
			topic_id VARCHAR(36) NOT NULL REFERENCES topics(id),
			title VARCHAR(255) NOT NULL,
			description TEXT NOT NULL,
			notes TEXT NOT NULL,
			story_contents TEXT NOT NULL,
			language_code VARCHAR(16) NOT NULL,
			schema_version INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			url_fragment VARCHAR(255) NOT NULL,
			thumbnail_filename TEXT NOT NULL,
			thumbnail_bg_color TEXT NOT NULL,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stories_topic_id ON stories(topic_id)`,
		`CREATE INDEX IF NOT EXISTS idx_stories_url_fragment ON stories(url_fragment)`,
		`CREATE TABLE IF NOT EXISTS story_commits (
			id VARCHAR(26) PRIMARY KEY,
			story_id VARCHAR(36) NOT NULL,
			version INTEGER NOT NULL,
			committer_id VARCHAR(255) NOT NULL,
			commit_message TEXT NOT NULL,
			changes TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_story_commits_story ON story_commits(story_id, version)`,
		`CREATE TABLE IF NOT EXISTS learner_progress (
			learner_id VARCHAR(255) NOT NULL,
			story_id VARCHAR(36) NOT NULL,
			node_id VARCHAR(64) NOT NULL,
			completed_at BIGINT NOT NULL,
			PRIMARY KEY (learner_id, story_id, node_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
