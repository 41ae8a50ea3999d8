// Package backend is the HTTP client the story editor uses to talk to the
// story server.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"story-editor/pkg/api"
	"story-editor/pkg/story"
)

var (
	// ErrRequestFailed matches every non-2xx response.
	ErrRequestFailed = errors.New("backend request failed")
	// ErrNotFound matches 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrConflict matches 409 responses, returned when a commit was made
	// against a stale version.
	ErrConflict = errors.New("version conflict")
)

// StatusError describes a non-2xx response.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrRequestFailed:
		return true
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrConflict:
		return e.Code == http.StatusConflict
	}
	return false
}

// Client calls the story server REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger.With().Str("component", "backend").Logger() }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchStory loads a story together with the editor metadata around it.
func (c *Client) FetchStory(ctx context.Context, storyID string) (*api.StoryEditorData, error) {
	var out api.StoryEditorData
	if err := c.do(ctx, http.MethodGet, "/api/stories/"+url.PathEscape(storyID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateStory commits changes made against version and returns the
// resulting story.
func (c *Client) UpdateStory(ctx context.Context, storyID string, version int, commitMessage string, changes []story.Change) (*story.Story, error) {
	req := api.UpdateStoryRequest{Version: version, CommitMessage: commitMessage, ChangeDicts: changes}
	var out api.UpdateStoryResponse
	if err := c.do(ctx, http.MethodPut, "/api/stories/"+url.PathEscape(storyID), req, &out); err != nil {
		return nil, err
	}
	if out.Story == nil {
		return nil, fmt.Errorf("%w: update response has no story", ErrRequestFailed)
	}
	return out.Story, nil
}

// ChangeStoryPublicationStatus publishes or unpublishes a story.
func (c *Client) ChangeStoryPublicationStatus(ctx context.Context, storyID string, publish bool) error {
	req := api.PublishStoryRequest{NewStoryStatusIsPublished: publish}
	return c.do(ctx, http.MethodPut, "/api/stories/"+url.PathEscape(storyID)+"/publish", req, nil)
}

// DoesStoryWithURLFragmentExist reports whether fragment is used by a story.
func (c *Client) DoesStoryWithURLFragmentExist(ctx context.Context, fragment string) (bool, error) {
	var out api.URLFragmentExistsResponse
	if err := c.do(ctx, http.MethodGet, "/api/story_url_fragment/"+url.PathEscape(fragment), nil, &out); err != nil {
		return false, err
	}
	return out.StoryURLFragmentExists, nil
}

// CreateTopic creates a topic and returns its id.
func (c *Client) CreateTopic(ctx context.Context, req api.CreateTopicRequest) (string, error) {
	var out struct {
		TopicID string `json:"topic_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/topics", req, &out); err != nil {
		return "", err
	}
	return out.TopicID, nil
}

// CreateStory creates an empty story in a topic and returns its id.
func (c *Client) CreateStory(ctx context.Context, topicID string, req api.CreateStoryRequest) (string, error) {
	var out struct {
		StoryID string `json:"story_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/topics/"+url.PathEscape(topicID)+"/stories", req, &out); err != nil {
		return "", err
	}
	return out.StoryID, nil
}

// ListCommits returns the commit log of a story, oldest first.
func (c *Client) ListCommits(ctx context.Context, storyID string) ([]api.Commit, error) {
	var out []api.Commit
	if err := c.do(ctx, http.MethodGet, "/api/stories/"+url.PathEscape(storyID)+"/commits", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LearnerStories returns the story summaries for a learner.
func (c *Client) LearnerStories(ctx context.Context, learnerID string) ([]story.Summary, error) {
	var out api.LearnerStoriesResponse
	if err := c.do(ctx, http.MethodGet, "/api/learners/"+url.PathEscape(learnerID)+"/stories", nil, &out); err != nil {
		return nil, err
	}
	return out.StorySummaries, nil
}

// CompleteNode marks a chapter as completed for a learner.
func (c *Client) CompleteNode(ctx context.Context, learnerID, storyID, nodeID string) error {
	path := fmt.Sprintf("/api/learners/%s/stories/%s/nodes/%s/complete",
		url.PathEscape(learnerID), url.PathEscape(storyID), url.PathEscape(nodeID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
