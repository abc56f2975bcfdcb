// Package skills holds the closed skill catalog: each skill carries a
// system-prompt fragment, router keywords, and a requires/suggests
// dependency graph resolved at selection time.
package skills

import "sync"

// Skill is one catalog entry. Requires are hard dependencies added to any
// selection containing this skill; Suggests are soft and added only when
// absent; Conflicts name skills that cannot co-exist in a selection.
type Skill struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Keywords    []string `yaml:"keywords" json:"keywords,omitempty"`
	Requires    []string `yaml:"requires" json:"requires,omitempty"`
	Suggests    []string `yaml:"suggests" json:"suggests,omitempty"`
	Conflicts   []string `yaml:"conflicts" json:"conflicts,omitempty"`
	Priority    int      `yaml:"priority" json:"priority"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Prompt      string   `yaml:"-" json:"prompt,omitempty"` // markdown body after frontmatter
}

// Registry manages the catalog with thread-safe access. The builtin
// catalog is always present; directory overlays replace entries by name.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Skill
}

// Catalog skill names. The set is closed: selections referencing a name
// outside it are rejected.
const (
	Playwright      = "playwright"
	GitMaster       = "git-master"
	FrontendUIUX    = "frontend-ui-ux"
	MCPIntegration  = "mcp-integration"
	DataPipelines   = "data-pipelines"
	ReportBuilder   = "report-builder"
	SlackOps        = "slack-ops"
	NotionOps       = "notion-ops"
	WebSearch       = "web-search"
)

// builtinCatalog seeds the registry. Priority orders skills within a
// selection (lower sorts first).
func builtinCatalog() []*Skill {
	return []*Skill{
		{
			Name:        Playwright,
			Description: "Browser automation and end-to-end verification",
			Keywords:    []string{"browser", "screenshot", "e2e", "playwright", "click"},
			Suggests:    []string{FrontendUIUX},
			Priority:    10,
			Enabled:     true,
		},
		{
			Name:        GitMaster,
			Description: "Repository operations, branching, and history surgery",
			Keywords:    []string{"git", "commit", "branch", "merge", "rebase"},
			Priority:    20,
			Enabled:     true,
		},
		{
			Name:        FrontendUIUX,
			Description: "Interface design, layout, and styling work",
			Keywords:    []string{"ui", "ux", "css", "design", "layout", "frontend"},
			Suggests:    []string{Playwright},
			Priority:    30,
			Enabled:     true,
		},
		{
			Name:        MCPIntegration,
			Description: "External tool servers over the MCP protocol",
			Keywords:    []string{"mcp", "integration", "connector"},
			Priority:    40,
			Enabled:     true,
		},
		{
			Name:        DataPipelines,
			Description: "Data extraction, transformation, and aggregation",
			Keywords:    []string{"data", "pipeline", "etl", "query", "aggregate"},
			Priority:    50,
			Enabled:     true,
		},
		{
			Name:        ReportBuilder,
			Description: "Structured report assembly from gathered data",
			Keywords:    []string{"report", "summary", "document"},
			Requires:    []string{DataPipelines},
			Priority:    60,
			Enabled:     true,
		},
		{
			Name:        SlackOps,
			Description: "Slack messaging, channels, and reactions",
			Keywords:    []string{"slack", "channel", "message", "dm"},
			Suggests:    []string{MCPIntegration},
			Priority:    70,
			Enabled:     true,
		},
		{
			Name:        NotionOps,
			Description: "Notion pages and databases",
			Keywords:    []string{"notion", "page", "database"},
			Suggests:    []string{MCPIntegration},
			Priority:    80,
			Enabled:     true,
		},
		{
			Name:        WebSearch,
			Description: "Web search and retrieval",
			Keywords:    []string{"search", "find", "lookup", "research"},
			Priority:    90,
			Enabled:     true,
		},
	}
}
