package story

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Placeholder values held by a story before anything has been loaded.
const (
	InterstitialTitle       = "Story title loading"
	InterstitialDescription = "Story description loading"
	InterstitialNotes       = "Story notes loading"
)

const nodeIDPrefix = "node_"

// Story is the editable document managed by the story editor.
// An empty ID means the story has not been loaded yet.
type Story struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	Description          string    `json:"description"`
	Notes                string    `json:"notes"`
	Contents             *Contents `json:"story_contents"`
	LanguageCode         string    `json:"language_code"`
	SchemaVersion        int       `json:"story_contents_schema_version"`
	Version              int       `json:"version"`
	CorrespondingTopicID string    `json:"corresponding_topic_id"`
	URLFragment          string    `json:"url_fragment"`
	ThumbnailFilename    string    `json:"thumbnail_filename"`
	ThumbnailBgColor     string    `json:"thumbnail_bg_color"`
}

// Contents is the node graph of a story.
type Contents struct {
	InitialNodeID string `json:"initial_node_id"`
	NextNodeID    string `json:"next_node_id"`
	Nodes         []Node `json:"nodes"`
}

// Node is a single chapter of a story.
type Node struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	DestinationNodeIDs   []string `json:"destination_node_ids"`
	PrerequisiteSkillIDs []string `json:"prerequisite_skill_ids"`
	AcquiredSkillIDs     []string `json:"acquired_skill_ids"`
	Outline              string   `json:"outline"`
	OutlineIsFinalized   bool     `json:"outline_is_finalized"`
	ExplorationID        string   `json:"exploration_id"`
	ThumbnailFilename    string   `json:"thumbnail_filename"`
	ThumbnailBgColor     string   `json:"thumbnail_bg_color"`
}

// NewInterstitial returns the placeholder story shown before a load completes.
func NewInterstitial() *Story {
	return &Story{
		Title:       InterstitialTitle,
		Description: InterstitialDescription,
		Notes:       InterstitialNotes,
	}
}

// New returns an empty story with a fresh node graph.
func New(id, topicID, title string) *Story {
	return &Story{
		ID:                   id,
		Title:                title,
		LanguageCode:         "en",
		SchemaVersion:        1,
		Version:              1,
		CorrespondingTopicID: topicID,
		Contents: &Contents{
			NextNodeID: nodeIDPrefix + "1",
			Nodes:      []Node{},
		},
	}
}

// Clone returns a deep copy of s.
func (s *Story) Clone() *Story {
	if s == nil {
		return nil
	}
	c := *s
	c.Contents = s.Contents.Clone()
	return &c
}

// CopyFrom overwrites every field of s with a deep copy of other's fields.
// The receiver keeps its identity, so pointers held by callers stay valid.
func (s *Story) CopyFrom(other *Story) {
	*s = *other.Clone()
}

// Equal reports whether s and other are structurally identical.
// Nil and empty slices compare equal.
func (s *Story) Equal(other *Story) bool {
	if s == nil || other == nil {
		return s == other
	}
	// Compare values: cmp.Equal on *Story would dispatch back to this method.
	return cmp.Equal(*s, *other, cmpopts.EquateEmpty())
}

// Clone returns a deep copy of c.
func (c *Contents) Clone() *Contents {
	if c == nil {
		return nil
	}
	out := &Contents{
		InitialNodeID: c.InitialNodeID,
		NextNodeID:    c.NextNodeID,
	}
	if c.Nodes != nil {
		out.Nodes = make([]Node, len(c.Nodes))
		for i := range c.Nodes {
			out.Nodes[i] = c.Nodes[i].Clone()
		}
	}
	return out
}

// NodeIndex returns the position of the node with the given id, or -1.
func (c *Contents) NodeIndex(id string) int {
	for i := range c.Nodes {
		if c.Nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// Node returns a pointer into c.Nodes for the given id, or nil.
func (c *Contents) Node(id string) *Node {
	if i := c.NodeIndex(id); i >= 0 {
		return &c.Nodes[i]
	}
	return nil
}

// NodeIDs returns the ids of every node in order.
func (c *Contents) NodeIDs() []string {
	ids := make([]string, len(c.Nodes))
	for i := range c.Nodes {
		ids[i] = c.Nodes[i].ID
	}
	return ids
}

// AddNode appends a node using the next free id and returns that id.
// The first node added to an empty story becomes the initial node.
func (c *Contents) AddNode(title string) string {
	id := c.NextNodeID
	if id == "" {
		id = nodeIDPrefix + "1"
	}
	c.insertNode(id, title)
	return id
}

func (c *Contents) insertNode(id, title string) {
	c.Nodes = append(c.Nodes, Node{
		ID:                   id,
		Title:                title,
		DestinationNodeIDs:   []string{},
		PrerequisiteSkillIDs: []string{},
		AcquiredSkillIDs:     []string{},
	})
	if c.InitialNodeID == "" {
		c.InitialNodeID = id
	}
	if next, err := IncrementNodeID(id); err == nil && nodeNumber(next) > nodeNumber(c.NextNodeID) {
		c.NextNodeID = next
	}
}

// DeleteNode removes a node and every edge pointing at it.
// The initial node can only be deleted when it is the last node left.
func (c *Contents) DeleteNode(id string) error {
	i := c.NodeIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: node %q does not exist", ErrInvalidChange, id)
	}
	if id == c.InitialNodeID {
		if len(c.Nodes) > 1 {
			return fmt.Errorf("%w: cannot delete initial node %q while other nodes exist", ErrInvalidChange, id)
		}
		c.InitialNodeID = ""
	}
	c.Nodes = append(c.Nodes[:i], c.Nodes[i+1:]...)
	for j := range c.Nodes {
		c.Nodes[j].DestinationNodeIDs = without(c.Nodes[j].DestinationNodeIDs, id)
	}
	return nil
}

// Clone returns a deep copy of n.
func (n Node) Clone() Node {
	out := n
	out.DestinationNodeIDs = cloneStrings(n.DestinationNodeIDs)
	out.PrerequisiteSkillIDs = cloneStrings(n.PrerequisiteSkillIDs)
	out.AcquiredSkillIDs = cloneStrings(n.AcquiredSkillIDs)
	return out
}

// IncrementNodeID returns the id following id, e.g. node_3 -> node_4.
func IncrementNodeID(id string) (string, error) {
	n := nodeNumber(id)
	if n <= 0 {
		return "", fmt.Errorf("%w: malformed node id %q", ErrInvalidChange, id)
	}
	return nodeIDPrefix + strconv.Itoa(n+1), nil
}

func nodeNumber(id string) int {
	if !strings.HasPrefix(id, nodeIDPrefix) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(id, nodeIDPrefix))
	if err != nil {
		return 0
	}
	return n
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func without(in []string, v string) []string {
	out := in[:0]
	for _, s := range in {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
