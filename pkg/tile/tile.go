// Package tile computes what a learner story summary tile displays.
package tile

import (
	"fmt"
	"net/url"
	"strings"

	"story-editor/pkg/story"
)

// DisplayAreaHome is the learner dashboard home tab; tiles there link
// straight to the next chapter.
const DisplayAreaHome = "homeTab"

// DisplayAreaProgress is the learner dashboard progress tab; tiles there
// link to the story viewer.
const DisplayAreaProgress = "progressTab"

const (
	storyViewerURLTemplate = "/learn/<classroom_url_fragment>/<topic_url_fragment>/story/<story_url_fragment>"
	explorationURLTemplate = "/explore/<exp_id>"
	thumbnailURLTemplate   = "/assetsdevhandler/story/<story_id>/assets/thumbnail/<filename>"
	starImagePath          = "/assets/images/learner_dashboard/star.svg"
)

// StoryTile is the rendered state of a summary tile.
type StoryTile struct {
	NodeCount               int
	CompletedNodeCount      int
	StoryProgress           int
	StoryCompleted          bool
	ThumbnailURL            string
	StoryLink               string
	StoryTitle              string
	NextIncompleteNodeTitle string
	ThumbnailBgColor        string
	TopicName               string
	StarImageURL            string
}

// New builds a tile for summary shown in displayArea. topicName overrides
// the topic name carried by the summary when it is not empty.
func New(summary story.Summary, displayArea, topicName string) StoryTile {
	t := StoryTile{
		NodeCount:          len(summary.NodeTitles),
		CompletedNodeCount: len(summary.CompletedNodeTitles),
		StoryTitle:         summary.Title,
		ThumbnailBgColor:   summary.ThumbnailBgColor,
		TopicName:          topicName,
		StarImageURL:       starImagePath,
	}
	if t.NodeCount > 0 {
		t.StoryProgress = t.CompletedNodeCount * 100 / t.NodeCount
	}
	t.StoryCompleted = t.StoryProgress == 100

	if summary.ThumbnailFilename != "" {
		t.ThumbnailURL = interpolate(thumbnailURLTemplate, map[string]string{
			"story_id": summary.ID,
			"filename": summary.ThumbnailFilename,
		})
	}
	t.StoryLink = storyLink(summary, displayArea, t.CompletedNodeCount)

	if t.CompletedNodeCount < t.NodeCount {
		t.NextIncompleteNodeTitle = fmt.Sprintf("Chapter %d: %s",
			t.CompletedNodeCount+1, summary.NodeTitles[t.CompletedNodeCount])
	}
	if t.TopicName == "" {
		t.TopicName = summary.TopicName
	}
	return t
}

func storyLink(summary story.Summary, displayArea string, completed int) string {
	if summary.ClassroomURLFragment == "" || summary.TopicURLFragment == "" {
		return "#"
	}
	if displayArea == DisplayAreaHome && completed < len(summary.AllNodes) {
		node := summary.AllNodes[completed]
		query := addField("", "topic_url_fragment", summary.TopicURLFragment)
		query = addField(query, "classroom_url_fragment", summary.ClassroomURLFragment)
		query = addField(query, "story_url_fragment", summary.URLFragment)
		query = addField(query, "node_id", node.ID)
		return interpolate(explorationURLTemplate, map[string]string{"exp_id": node.ExplorationID}) + query
	}
	return interpolate(storyViewerURLTemplate, map[string]string{
		"classroom_url_fragment": summary.ClassroomURLFragment,
		"topic_url_fragment":     summary.TopicURLFragment,
		"story_url_fragment":     summary.URLFragment,
	})
}

// addField appends key=value to a query string, keeping insertion order.
// Spaces are encoded as %20.
func addField(query, key, value string) string {
	sep := "&"
	if query == "" {
		sep = "?"
	}
	return query + sep + queryEscape(key) + "=" + queryEscape(value)
}

func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// interpolate replaces <name> placeholders with path-escaped values.
func interpolate(template string, values map[string]string) string {
	out := template
	for k, v := range values {
		out = strings.ReplaceAll(out, "<"+k+">", url.PathEscape(v))
	}
	return out
}
