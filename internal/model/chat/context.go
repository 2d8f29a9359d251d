package chat

import "strings"

// PageType enumerates the views the explorer frontend can report.
type PageType string

const (
	PageTypeNodeOverview   PageType = "node_overview"
	PageTypeProgramDetail  PageType = "program_detail"
	PageTypeTreeNavigation PageType = "tree_navigation"
)

// maxNodeInfoCount bounds the numeric fields the client may report. Anything
// above this is treated as garbage and dropped rather than rejected, so a
// confused frontend never blocks prompt assembly.
const maxNodeInfoCount = 1_000_000_000

// knownVisibleTags is the fixed vocabulary for PageContext.VisibleData.
var knownVisibleTags = map[string]struct{}{
	"umap":                {},
	"cell_types":          {},
	"gene_loadings":       {},
	"correlation_heatmap": {},
	"program_description": {},
	"tree":                {},
}

// NodeInfo carries the headline counts for the node the user is looking at.
// Fields are pointers so "absent" and "zero" stay distinguishable.
type NodeInfo struct {
	CellCount    *int64 `json:"cell_count,omitempty"`
	GeneCount    *int64 `json:"gene_count,omitempty"`
	ProgramCount *int64 `json:"program_count,omitempty"`
}

// PageContext is the structured record the frontend attaches to each user
// turn. Unknown JSON fields are discarded by decoding into this fixed shape.
type PageContext struct {
	CurrentNode    string    `json:"current_node,omitempty"`
	CurrentProgram string    `json:"current_program,omitempty"`
	PageType       PageType  `json:"page_type,omitempty"`
	VisibleData    []string  `json:"visible_data,omitempty"`
	NodeInfo       *NodeInfo `json:"node_info,omitempty"`
}

// Sanitize returns a copy with unrecognized or out-of-bounds values dropped.
// It never fails: a fully garbage context sanitizes to an empty one.
func (c *PageContext) Sanitize() *PageContext {
	if c == nil {
		return nil
	}

	clean := &PageContext{
		CurrentNode:    strings.TrimSpace(c.CurrentNode),
		CurrentProgram: strings.TrimSpace(c.CurrentProgram),
	}

	switch c.PageType {
	case PageTypeNodeOverview, PageTypeProgramDetail, PageTypeTreeNavigation:
		clean.PageType = c.PageType
	}

	for _, tag := range c.VisibleData {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if _, ok := knownVisibleTags[tag]; ok {
			clean.VisibleData = append(clean.VisibleData, tag)
		}
	}

	if c.NodeInfo != nil {
		info := &NodeInfo{
			CellCount:    sanitizeCount(c.NodeInfo.CellCount),
			GeneCount:    sanitizeCount(c.NodeInfo.GeneCount),
			ProgramCount: sanitizeCount(c.NodeInfo.ProgramCount),
		}
		if info.CellCount != nil || info.GeneCount != nil || info.ProgramCount != nil {
			clean.NodeInfo = info
		}
	}

	return clean
}

// IsEmpty reports whether the context carries nothing worth prompting with.
func (c *PageContext) IsEmpty() bool {
	if c == nil {
		return true
	}
	return c.CurrentNode == "" && c.CurrentProgram == "" && c.PageType == "" &&
		len(c.VisibleData) == 0 && c.NodeInfo == nil
}

func sanitizeCount(v *int64) *int64 {
	if v == nil || *v < 0 || *v > maxNodeInfoCount {
		return nil
	}
	val := *v
	return &val
}
