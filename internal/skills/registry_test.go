package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaverhq/weaver/internal/models"
)

func TestBuiltinCatalogValidates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Validate())
	assert.Len(t, r.All(), 9)
}

func TestValidateAllowsMutualSuggests(t *testing.T) {
	// The builtin catalog carries playwright <-> frontend-ui-ux suggestions;
	// soft edges expand one hop only and must not count as cycles.
	r := NewRegistry()
	pw, ok := r.Get(Playwright)
	require.True(t, ok)
	fe, ok := r.Get(FrontendUIUX)
	require.True(t, ok)
	assert.Contains(t, pw.Suggests, FrontendUIUX)
	assert.Contains(t, fe.Suggests, Playwright)

	assert.NoError(t, r.Validate())
}

func TestValidateRejectsRequireCycle(t *testing.T) {
	r := NewRegistry()
	r.skills["alpha"] = &Skill{Name: "alpha", Requires: []string{"beta"}, Enabled: true}
	r.skills["beta"] = &Skill{Name: "beta", Requires: []string{"alpha"}, Enabled: true}

	assert.ErrorContains(t, r.Validate(), "cycle")
}

func TestResolveAddsRequiredDependency(t *testing.T) {
	r := NewRegistry()

	sel, err := r.Resolve([]models.SelectedSkill{
		{Name: ReportBuilder, Score: 0.8},
	})
	require.NoError(t, err)

	require.True(t, sel.Has(DataPipelines))
	for _, sk := range sel.Skills {
		if sk.Name == DataPipelines {
			assert.True(t, sk.FromDependency)
		}
		if sk.Name == ReportBuilder {
			assert.False(t, sk.FromDependency)
		}
	}
}

func TestResolveSuggestsOnlyWhenAbsent(t *testing.T) {
	r := NewRegistry()

	// frontend-ui-ux suggests playwright.
	sel, err := r.Resolve([]models.SelectedSkill{
		{Name: FrontendUIUX, Score: 0.9},
	})
	require.NoError(t, err)
	assert.True(t, sel.Has(Playwright))

	// An explicit playwright selection is not overwritten by the suggest.
	sel, err = r.Resolve([]models.SelectedSkill{
		{Name: FrontendUIUX, Score: 0.9},
		{Name: Playwright, Score: 0.7},
	})
	require.NoError(t, err)
	for _, sk := range sel.Skills {
		if sk.Name == Playwright {
			assert.False(t, sk.FromDependency)
			assert.Equal(t, 0.7, sk.Score)
		}
	}
}

func TestResolveRejectsUnknownSkill(t *testing.T) {
	r := NewRegistry()

	_, err := r.Resolve([]models.SelectedSkill{{Name: "time-travel", Score: 1}})
	assert.ErrorContains(t, err, "unknown skill")
}

func TestResolveSortsByPriority(t *testing.T) {
	r := NewRegistry()

	sel, err := r.Resolve([]models.SelectedSkill{
		{Name: WebSearch, Score: 0.5},
		{Name: Playwright, Score: 0.5},
		{Name: DataPipelines, Score: 0.5},
	})
	require.NoError(t, err)

	names := sel.Names()
	assert.Equal(t, Playwright, names[0])
	assert.Equal(t, WebSearch, names[len(names)-1])
}

func TestResolveDropsLowerScoredConflict(t *testing.T) {
	r := NewRegistry()
	r.skills[SlackOps].Conflicts = []string{NotionOps}

	sel, err := r.Resolve([]models.SelectedSkill{
		{Name: SlackOps, Score: 0.8},
		{Name: NotionOps, Score: 0.6},
	})
	require.NoError(t, err)
	assert.True(t, sel.Has(SlackOps))
	assert.False(t, sel.Has(NotionOps))
}

func TestLoadSkillFrontmatter(t *testing.T) {
	doc := `---
name: web-search
description: Search the web
keywords: [search, lookup]
priority: 90
---
Use the search tools before answering.`

	skill, err := LoadSkill(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "web-search", skill.Name)
	assert.Equal(t, []string{"search", "lookup"}, skill.Keywords)
	assert.True(t, skill.Enabled)
	assert.Equal(t, "Use the search tools before answering.", skill.Prompt)
}

func TestLoadSkillErrors(t *testing.T) {
	cases := map[string]string{
		"empty":           "",
		"no frontmatter":  "just text",
		"unterminated":    "---\nname: x\n",
		"missing name":    "---\ndescription: d\n---\nbody",
		"empty body":      "---\nname: x\n---\n",
		"self dependency": "---\nname: x\nrequires: [x]\n---\nbody",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadSkill(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadDirectoryOverlay(t *testing.T) {
	dir := t.TempDir()
	doc := `---
name: web-search
description: Overlaid search skill
keywords: [google]
priority: 5
---
Overlay prompt.`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web-search.md"), []byte(doc), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadDirectory(dir))
	require.NoError(t, r.Validate())

	s, ok := r.Get(WebSearch)
	require.True(t, ok)
	assert.Equal(t, "Overlay prompt.", s.Prompt)
	assert.Equal(t, 5, s.Priority)
}

func TestLoadDirectoryMissingIsNoop(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, r.LoadDirectory("/nonexistent/skills"))
}
