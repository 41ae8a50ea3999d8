package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"story-editor/pkg/api"
)

// Watch streams the events of a story to fn until ctx is cancelled or the
// connection drops. It returns ctx.Err() after a cancellation.
func (c *Client) Watch(ctx context.Context, storyID string, fn func(api.StoryEvent)) error {
	wsURL, err := c.websocketURL("/ws/stories/" + url.PathEscape(storyID))
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return &StatusError{Method: http.MethodGet, Path: "/ws/stories/" + storyID, Code: resp.StatusCode, Message: err.Error()}
		}
		return fmt.Errorf("%w: dial %s: %w", ErrRequestFailed, wsURL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.logger.Debug().Str("story_id", storyID).Msg("watching story")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("%w: watch %s: %w", ErrRequestFailed, storyID, err)
		}

		var event api.StoryEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Debug().Err(err).Msg("skipping malformed story event")
			continue
		}
		fn(event)
	}
}

func (c *Client) websocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("server url must use http or https")
	}
	return u.String(), nil
}
