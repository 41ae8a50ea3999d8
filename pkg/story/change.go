package story

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidChange is returned when a change command cannot be applied.
var ErrInvalidChange = errors.New("invalid story change")

// Change command names.
const (
	CmdUpdateStoryProperty         = "update_story_property"
	CmdUpdateStoryContentsProperty = "update_story_contents_property"
	CmdAddStoryNode                = "add_story_node"
	CmdDeleteStoryNode             = "delete_story_node"
	CmdUpdateStoryNodeProperty     = "update_story_node_property"
)

// Story properties.
const (
	PropTitle             = "title"
	PropDescription       = "description"
	PropNotes             = "notes"
	PropLanguageCode      = "language_code"
	PropURLFragment       = "url_fragment"
	PropThumbnailFilename = "thumbnail_filename"
	PropThumbnailBgColor  = "thumbnail_bg_color"
)

// Contents properties.
const (
	PropInitialNodeID = "initial_node_id"
	PropNextNodeID    = "next_node_id"
	PropNodeOrder     = "node_order"
)

// Node properties.
const (
	PropNodeTitle                = "title"
	PropNodeDescription          = "description"
	PropNodeOutline              = "outline"
	PropNodeOutlineIsFinalized   = "outline_is_finalized"
	PropNodeExplorationID        = "exploration_id"
	PropNodeDestinationNodeIDs   = "destination_node_ids"
	PropNodePrerequisiteSkillIDs = "prerequisite_skill_ids"
	PropNodeAcquiredSkillIDs     = "acquired_skill_ids"
	PropNodeThumbnailFilename    = "thumbnail_filename"
	PropNodeThumbnailBgColor     = "thumbnail_bg_color"
)

// Change is a single edit command sent to the backend on save.
// Values are JSON-shaped: strings, bools or string lists.
type Change struct {
	Cmd          string `json:"cmd"`
	PropertyName string `json:"property_name,omitempty"`
	NodeID       string `json:"node_id,omitempty"`
	Title        string `json:"title,omitempty"`
	OldValue     any    `json:"old_value"`
	NewValue     any    `json:"new_value"`
}

type stringField struct {
	name string
	get  func(*Story) *string
}

var storyStringFields = []stringField{
	{PropTitle, func(s *Story) *string { return &s.Title }},
	{PropDescription, func(s *Story) *string { return &s.Description }},
	{PropNotes, func(s *Story) *string { return &s.Notes }},
	{PropLanguageCode, func(s *Story) *string { return &s.LanguageCode }},
	{PropURLFragment, func(s *Story) *string { return &s.URLFragment }},
	{PropThumbnailFilename, func(s *Story) *string { return &s.ThumbnailFilename }},
	{PropThumbnailBgColor, func(s *Story) *string { return &s.ThumbnailBgColor }},
}

type nodeStringField struct {
	name string
	get  func(*Node) *string
}

var nodeStringFields = []nodeStringField{
	{PropNodeTitle, func(n *Node) *string { return &n.Title }},
	{PropNodeDescription, func(n *Node) *string { return &n.Description }},
	{PropNodeOutline, func(n *Node) *string { return &n.Outline }},
	{PropNodeExplorationID, func(n *Node) *string { return &n.ExplorationID }},
	{PropNodeThumbnailFilename, func(n *Node) *string { return &n.ThumbnailFilename }},
	{PropNodeThumbnailBgColor, func(n *Node) *string { return &n.ThumbnailBgColor }},
}

type nodeListField struct {
	name string
	get  func(*Node) *[]string
}

var nodeListFields = []nodeListField{
	{PropNodeDestinationNodeIDs, func(n *Node) *[]string { return &n.DestinationNodeIDs }},
	{PropNodePrerequisiteSkillIDs, func(n *Node) *[]string { return &n.PrerequisiteSkillIDs }},
	{PropNodeAcquiredSkillIDs, func(n *Node) *[]string { return &n.AcquiredSkillIDs }},
}

// Diff derives the ordered change commands that turn base into live.
// Applying the result to a copy of base yields a story equal to live.
func Diff(base, live *Story) []Change {
	changes := []Change{}
	for _, f := range storyStringFields {
		if o, n := *f.get(base), *f.get(live); o != n {
			changes = append(changes, Change{Cmd: CmdUpdateStoryProperty, PropertyName: f.name, OldValue: o, NewValue: n})
		}
	}

	bc, lc := contentsOrEmpty(base), contentsOrEmpty(live)

	for i := range lc.Nodes {
		ln := &lc.Nodes[i]
		var bn *Node
		if j := bc.NodeIndex(ln.ID); j >= 0 {
			bn = &bc.Nodes[j]
		} else {
			changes = append(changes, Change{Cmd: CmdAddStoryNode, NodeID: ln.ID, Title: ln.Title})
			empty := Node{ID: ln.ID, Title: ln.Title}
			bn = &empty
		}
		changes = append(changes, diffNode(bn, ln)...)
	}

	if bc.InitialNodeID != lc.InitialNodeID {
		changes = append(changes, Change{
			Cmd: CmdUpdateStoryContentsProperty, PropertyName: PropInitialNodeID,
			OldValue: bc.InitialNodeID, NewValue: lc.InitialNodeID,
		})
	}
	// Deletes go last so that a replaced initial node is no longer initial.
	for _, n := range bc.Nodes {
		if lc.NodeIndex(n.ID) < 0 {
			changes = append(changes, Change{Cmd: CmdDeleteStoryNode, NodeID: n.ID})
		}
	}

	// Replay to catch ordering and id-counter drift the commands above do
	// not express.
	replay := base.Clone()
	if err := Apply(replay, changes); err == nil {
		rc := contentsOrEmpty(replay)
		if !slices.Equal(rc.NodeIDs(), lc.NodeIDs()) {
			changes = append(changes, Change{
				Cmd: CmdUpdateStoryContentsProperty, PropertyName: PropNodeOrder,
				OldValue: rc.NodeIDs(), NewValue: lc.NodeIDs(),
			})
		}
		if rc.NextNodeID != lc.NextNodeID {
			changes = append(changes, Change{
				Cmd: CmdUpdateStoryContentsProperty, PropertyName: PropNextNodeID,
				OldValue: rc.NextNodeID, NewValue: lc.NextNodeID,
			})
		}
	}
	return changes
}

func diffNode(base, live *Node) []Change {
	var changes []Change
	for _, f := range nodeStringFields {
		if o, n := *f.get(base), *f.get(live); o != n {
			changes = append(changes, Change{Cmd: CmdUpdateStoryNodeProperty, NodeID: live.ID, PropertyName: f.name, OldValue: o, NewValue: n})
		}
	}
	for _, f := range nodeListFields {
		if o, n := *f.get(base), *f.get(live); !slices.Equal(o, n) {
			changes = append(changes, Change{Cmd: CmdUpdateStoryNodeProperty, NodeID: live.ID, PropertyName: f.name, OldValue: cloneStrings(o), NewValue: cloneStrings(n)})
		}
	}
	if base.OutlineIsFinalized != live.OutlineIsFinalized {
		changes = append(changes, Change{
			Cmd: CmdUpdateStoryNodeProperty, NodeID: live.ID, PropertyName: PropNodeOutlineIsFinalized,
			OldValue: base.OutlineIsFinalized, NewValue: live.OutlineIsFinalized,
		})
	}
	return changes
}

// Apply replays changes onto s in order. On error s may be partially
// modified; callers apply to a copy.
func Apply(s *Story, changes []Change) error {
	for i, c := range changes {
		if err := applyOne(s, c); err != nil {
			return fmt.Errorf("change %d (%s): %w", i, c.Cmd, err)
		}
	}
	return nil
}

func applyOne(s *Story, c Change) error {
	switch c.Cmd {
	case CmdUpdateStoryProperty:
		for _, f := range storyStringFields {
			if f.name == c.PropertyName {
				v, err := asString(c.NewValue)
				if err != nil {
					return err
				}
				*f.get(s) = v
				return nil
			}
		}
		return fmt.Errorf("%w: unknown story property %q", ErrInvalidChange, c.PropertyName)

	case CmdAddStoryNode:
		if s.Contents == nil {
			s.Contents = &Contents{}
		}
		if c.NodeID == "" || s.Contents.NodeIndex(c.NodeID) >= 0 {
			return fmt.Errorf("%w: cannot add node %q", ErrInvalidChange, c.NodeID)
		}
		if nodeNumber(c.NodeID) <= 0 {
			return fmt.Errorf("%w: malformed node id %q", ErrInvalidChange, c.NodeID)
		}
		s.Contents.insertNode(c.NodeID, c.Title)
		return nil

	case CmdDeleteStoryNode:
		if s.Contents == nil {
			return fmt.Errorf("%w: story has no contents", ErrInvalidChange)
		}
		return s.Contents.DeleteNode(c.NodeID)

	case CmdUpdateStoryNodeProperty:
		if s.Contents == nil {
			return fmt.Errorf("%w: story has no contents", ErrInvalidChange)
		}
		n := s.Contents.Node(c.NodeID)
		if n == nil {
			return fmt.Errorf("%w: node %q does not exist", ErrInvalidChange, c.NodeID)
		}
		return applyNodeProperty(n, c)

	case CmdUpdateStoryContentsProperty:
		if s.Contents == nil {
			s.Contents = &Contents{}
		}
		return applyContentsProperty(s.Contents, c)
	}
	return fmt.Errorf("%w: unknown command %q", ErrInvalidChange, c.Cmd)
}

func applyNodeProperty(n *Node, c Change) error {
	for _, f := range nodeStringFields {
		if f.name == c.PropertyName {
			v, err := asString(c.NewValue)
			if err != nil {
				return err
			}
			*f.get(n) = v
			return nil
		}
	}
	for _, f := range nodeListFields {
		if f.name == c.PropertyName {
			v, err := asStrings(c.NewValue)
			if err != nil {
				return err
			}
			*f.get(n) = v
			return nil
		}
	}
	if c.PropertyName == PropNodeOutlineIsFinalized {
		v, err := asBool(c.NewValue)
		if err != nil {
			return err
		}
		n.OutlineIsFinalized = v
		return nil
	}
	return fmt.Errorf("%w: unknown node property %q", ErrInvalidChange, c.PropertyName)
}

func applyContentsProperty(ct *Contents, c Change) error {
	switch c.PropertyName {
	case PropInitialNodeID:
		v, err := asString(c.NewValue)
		if err != nil {
			return err
		}
		if v != "" && ct.NodeIndex(v) < 0 {
			return fmt.Errorf("%w: initial node %q does not exist", ErrInvalidChange, v)
		}
		ct.InitialNodeID = v
	case PropNextNodeID:
		v, err := asString(c.NewValue)
		if err != nil {
			return err
		}
		ct.NextNodeID = v
	case PropNodeOrder:
		order, err := asStrings(c.NewValue)
		if err != nil {
			return err
		}
		if len(order) != len(ct.Nodes) {
			return fmt.Errorf("%w: node order lists %d ids for %d nodes", ErrInvalidChange, len(order), len(ct.Nodes))
		}
		nodes := make([]Node, 0, len(order))
		for _, id := range order {
			n := ct.Node(id)
			if n == nil {
				return fmt.Errorf("%w: node %q does not exist", ErrInvalidChange, id)
			}
			nodes = append(nodes, *n)
		}
		ct.Nodes = nodes
	default:
		return fmt.Errorf("%w: unknown contents property %q", ErrInvalidChange, c.PropertyName)
	}
	return nil
}

func contentsOrEmpty(s *Story) *Contents {
	if s.Contents == nil {
		return &Contents{}
	}
	return s.Contents
}

func asString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	}
	return "", fmt.Errorf("%w: expected string value, got %T", ErrInvalidChange, v)
}

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	}
	return false, fmt.Errorf("%w: expected bool value, got %T", ErrInvalidChange, v)
}

// asStrings accepts both native string slices and decoded JSON arrays.
func asStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return []string{}, nil
	case []string:
		return cloneStrings(t), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: expected string list element, got %T", ErrInvalidChange, e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: expected string list, got %T", ErrInvalidChange, v)
}
