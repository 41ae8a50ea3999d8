package story

// SkillSummary is a skill linked to the topic a story belongs to.
type SkillSummary struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Summary is the learner-facing view of a story and the learner's
// progress through it.
type Summary struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	NodeTitles           []string `json:"node_titles"`
	CompletedNodeTitles  []string `json:"completed_node_titles"`
	AllNodes             []Node   `json:"all_node_dicts"`
	ThumbnailFilename    string   `json:"thumbnail_filename"`
	ThumbnailBgColor     string   `json:"thumbnail_bg_color"`
	URLFragment          string   `json:"url_fragment"`
	TopicName            string   `json:"topic_name"`
	TopicURLFragment     string   `json:"topic_url_fragment"`
	ClassroomURLFragment string   `json:"classroom_url_fragment"`
	Published            bool     `json:"story_is_published"`
}

// Summarize builds a learner summary of s. completed holds the ids of the
// nodes the learner has finished.
func Summarize(s *Story, completed map[string]bool) Summary {
	sum := Summary{
		ID:                  s.ID,
		Title:               s.Title,
		Description:         s.Description,
		NodeTitles:          []string{},
		CompletedNodeTitles: []string{},
		AllNodes:            []Node{},
		ThumbnailFilename:   s.ThumbnailFilename,
		ThumbnailBgColor:    s.ThumbnailBgColor,
		URLFragment:         s.URLFragment,
	}
	if s.Contents == nil {
		return sum
	}
	for _, n := range s.Contents.Nodes {
		sum.NodeTitles = append(sum.NodeTitles, n.Title)
		sum.AllNodes = append(sum.AllNodes, n.Clone())
		if completed[n.ID] {
			sum.CompletedNodeTitles = append(sum.CompletedNodeTitles, n.Title)
		}
	}
	return sum
}
