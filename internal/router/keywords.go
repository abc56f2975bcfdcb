package router

import "github.com/weaverhq/weaver/internal/models"

// keywordEntry is one row of the unified routing table. A matched term
// contributes its weight to every listed category and skill, so the whole
// classification is a single pass over the request text.
type keywordEntry struct {
	Term       string
	Categories []models.TaskCategory
	Skills     []string
	Weight     float64
	Language   string
}

var keywordTable = []keywordEntry{
	// Visual / frontend work
	{Term: "ui", Categories: []models.TaskCategory{models.CategoryVisualEngineering}, Skills: []string{"frontend-ui-ux"}, Weight: 1.0, Language: "en"},
	{Term: "ux", Categories: []models.TaskCategory{models.CategoryVisualEngineering}, Skills: []string{"frontend-ui-ux"}, Weight: 1.0, Language: "en"},
	{Term: "css", Categories: []models.TaskCategory{models.CategoryVisualEngineering}, Skills: []string{"frontend-ui-ux"}, Weight: 1.0, Language: "en"},
	{Term: "design", Categories: []models.TaskCategory{models.CategoryVisualEngineering, models.CategoryArtistry}, Skills: []string{"frontend-ui-ux"}, Weight: 0.8, Language: "en"},
	{Term: "layout", Categories: []models.TaskCategory{models.CategoryVisualEngineering}, Skills: []string{"frontend-ui-ux"}, Weight: 0.9, Language: "en"},
	{Term: "frontend", Categories: []models.TaskCategory{models.CategoryVisualEngineering}, Skills: []string{"frontend-ui-ux"}, Weight: 1.0, Language: "en"},
	{Term: "screenshot", Categories: []models.TaskCategory{models.CategoryVisualEngineering}, Skills: []string{"playwright"}, Weight: 1.0, Language: "en"},
	{Term: "browser", Categories: []models.TaskCategory{models.CategoryVisualEngineering}, Skills: []string{"playwright"}, Weight: 0.9, Language: "en"},
	{Term: "e2e", Categories: []models.TaskCategory{models.CategoryVisualEngineering}, Skills: []string{"playwright"}, Weight: 1.0, Language: "en"},

	// Deep reasoning
	{Term: "architecture", Categories: []models.TaskCategory{models.CategoryUltrabrain}, Weight: 1.0, Language: "en"},
	{Term: "refactor", Categories: []models.TaskCategory{models.CategoryUltrabrain}, Skills: []string{"git-master"}, Weight: 0.9, Language: "en"},
	{Term: "debug", Categories: []models.TaskCategory{models.CategoryUltrabrain}, Weight: 0.9, Language: "en"},
	{Term: "analyze", Categories: []models.TaskCategory{models.CategoryUltrabrain}, Skills: []string{"data-pipelines"}, Weight: 0.8, Language: "en"},
	{Term: "optimize", Categories: []models.TaskCategory{models.CategoryUltrabrain}, Weight: 0.9, Language: "en"},
	{Term: "algorithm", Categories: []models.TaskCategory{models.CategoryUltrabrain}, Weight: 1.0, Language: "en"},
	{Term: "concurrency", Categories: []models.TaskCategory{models.CategoryUltrabrain}, Weight: 1.0, Language: "en"},
	{Term: "deadlock", Categories: []models.TaskCategory{models.CategoryUltrabrain}, Weight: 1.0, Language: "en"},

	// Creative
	{Term: "logo", Categories: []models.TaskCategory{models.CategoryArtistry}, Weight: 1.0, Language: "en"},
	{Term: "illustration", Categories: []models.TaskCategory{models.CategoryArtistry}, Weight: 1.0, Language: "en"},
	{Term: "creative", Categories: []models.TaskCategory{models.CategoryArtistry}, Weight: 0.8, Language: "en"},
	{Term: "brand", Categories: []models.TaskCategory{models.CategoryArtistry}, Weight: 0.8, Language: "en"},

	// Writing
	{Term: "write", Categories: []models.TaskCategory{models.CategoryWriting}, Weight: 0.7, Language: "en"},
	{Term: "draft", Categories: []models.TaskCategory{models.CategoryWriting}, Weight: 0.9, Language: "en"},
	{Term: "blog", Categories: []models.TaskCategory{models.CategoryWriting}, Weight: 1.0, Language: "en"},
	{Term: "documentation", Categories: []models.TaskCategory{models.CategoryWriting}, Weight: 0.9, Language: "en"},
	{Term: "email", Categories: []models.TaskCategory{models.CategoryWriting}, Skills: []string{"slack-ops"}, Weight: 0.7, Language: "en"},
	{Term: "report", Categories: []models.TaskCategory{models.CategoryWriting}, Skills: []string{"report-builder"}, Weight: 0.9, Language: "en"},
	{Term: "summary", Categories: []models.TaskCategory{models.CategoryWriting}, Skills: []string{"report-builder"}, Weight: 0.8, Language: "en"},

	// Quick lookups
	{Term: "what", Categories: []models.TaskCategory{models.CategoryQuick}, Weight: 0.5, Language: "en"},
	{Term: "when", Categories: []models.TaskCategory{models.CategoryQuick}, Weight: 0.5, Language: "en"},
	{Term: "list", Categories: []models.TaskCategory{models.CategoryQuick}, Weight: 0.6, Language: "en"},
	{Term: "show", Categories: []models.TaskCategory{models.CategoryQuick}, Weight: 0.6, Language: "en"},
	{Term: "status", Categories: []models.TaskCategory{models.CategoryQuick}, Weight: 0.7, Language: "en"},

	// Data work
	{Term: "data", Categories: []models.TaskCategory{models.CategoryUnspecifiedHigh}, Skills: []string{"data-pipelines"}, Weight: 0.8, Language: "en"},
	{Term: "pipeline", Categories: []models.TaskCategory{models.CategoryUnspecifiedHigh}, Skills: []string{"data-pipelines"}, Weight: 1.0, Language: "en"},
	{Term: "query", Categories: []models.TaskCategory{models.CategoryUnspecifiedHigh}, Skills: []string{"data-pipelines"}, Weight: 0.8, Language: "en"},
	{Term: "aggregate", Categories: []models.TaskCategory{models.CategoryUnspecifiedHigh}, Skills: []string{"data-pipelines"}, Weight: 0.9, Language: "en"},

	// Tools and channels
	{Term: "git", Skills: []string{"git-master"}, Weight: 1.0, Language: "en"},
	{Term: "commit", Skills: []string{"git-master"}, Weight: 0.9, Language: "en"},
	{Term: "slack", Skills: []string{"slack-ops"}, Weight: 1.0, Language: "en"},
	{Term: "channel", Skills: []string{"slack-ops"}, Weight: 0.7, Language: "en"},
	{Term: "notion", Skills: []string{"notion-ops"}, Weight: 1.0, Language: "en"},
	{Term: "search", Skills: []string{"web-search"}, Weight: 0.8, Language: "en"},
	{Term: "find", Skills: []string{"web-search"}, Weight: 0.6, Language: "en"},
	{Term: "research", Categories: []models.TaskCategory{models.CategoryUnspecifiedHigh}, Skills: []string{"web-search"}, Weight: 0.9, Language: "en"},
	{Term: "mcp", Skills: []string{"mcp-integration"}, Weight: 1.0, Language: "en"},

	// Korean terms carried from the production keyword set
	{Term: "보고서", Categories: []models.TaskCategory{models.CategoryWriting}, Skills: []string{"report-builder"}, Weight: 0.9, Language: "ko"},
	{Term: "검색", Skills: []string{"web-search"}, Weight: 0.8, Language: "ko"},
	{Term: "디자인", Categories: []models.TaskCategory{models.CategoryVisualEngineering}, Skills: []string{"frontend-ui-ux"}, Weight: 0.9, Language: "ko"},
	{Term: "분석", Categories: []models.TaskCategory{models.CategoryUltrabrain}, Skills: []string{"data-pipelines"}, Weight: 0.8, Language: "ko"},
}

// skillCombination declares a skill set that, when fully present, names the
// selection and may pull the category toward an emergent one.
type skillCombination struct {
	Name     string
	Skills   []string
	Category models.TaskCategory
	Boost    float64
}

var skillCombinations = []skillCombination{
	{
		Name:     "visual-testing",
		Skills:   []string{"frontend-ui-ux", "playwright"},
		Category: models.CategoryVisualEngineering,
		Boost:    0.1,
	},
	{
		Name:     "data-reporting",
		Skills:   []string{"data-pipelines", "report-builder"},
		Category: models.CategoryWriting,
		Boost:    0.05,
	},
	{
		Name:   "report-delivery",
		Skills: []string{"report-builder", "slack-ops"},
		Boost:  0.05,
	},
}

// conflictAction is what a conflict rule does when it fires.
type conflictAction int

const (
	actionUpgradeCategory conflictAction = iota
	actionRemoveSkill
	actionWarn
)

// conflictRule fires when the selected category and a selected skill make a
// bad pair.
type conflictRule struct {
	Category models.TaskCategory
	Skill    string
	Action   conflictAction
	// UpgradeTo applies for actionUpgradeCategory.
	UpgradeTo models.TaskCategory
}

var conflictRules = []conflictRule{
	// Browser automation is never a quick lookup.
	{Category: models.CategoryQuick, Skill: "playwright", Action: actionUpgradeCategory, UpgradeTo: models.CategoryVisualEngineering},
	// Creative work does not run data pipelines.
	{Category: models.CategoryArtistry, Skill: "data-pipelines", Action: actionRemoveSkill},
	// Frontend skill on a writing request is suspicious but allowed.
	{Category: models.CategoryWriting, Skill: "frontend-ui-ux", Action: actionWarn},
}

// referentialTokens mark short follow-up requests that lean on session
// context.
var referentialTokens = map[string]bool{
	"it": true, "that": true, "this": true, "them": true, "those": true,
	"again": true, "more": true, "continue": true,
	"그거": true, "그것": true, "계속": true, "다시": true,
}
