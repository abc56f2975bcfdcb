// Package router turns a raw user request into a category (model tier) and
// skill selection: one keyword pass, optional LLM fallback, route cache,
// session bias, and budget-aware downgrade.
package router

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/budget"
	"github.com/weaverhq/weaver/internal/config"
	"github.com/weaverhq/weaver/internal/constants"
	"github.com/weaverhq/weaver/internal/metrics"
	"github.com/weaverhq/weaver/internal/models"
	"github.com/weaverhq/weaver/internal/session"
	"github.com/weaverhq/weaver/internal/skills"
)

// Classification is the LLM fallback classifier's verdict.
type Classification struct {
	Category  models.TaskCategory `json:"category"`
	Skills    []string            `json:"skills,omitempty"`
	Reasoning string              `json:"reasoning,omitempty"`
}

// Classifier is the LLM fallback contract. Nil disables the fallback.
type Classifier interface {
	Classify(ctx context.Context, text string) (*Classification, error)
}

// BudgetReader supplies remaining balances for downgrade decisions.
type BudgetReader interface {
	GetRemaining(ctx context.Context, orgID string) (budget.Remaining, error)
}

// SessionReader supplies session context for follow-up bias.
type SessionReader interface {
	Get(ctx context.Context, orgID, sessionID string) (*session.Session, error)
}

// Options tune one Route call.
type Options struct {
	// SkipCache bypasses the route cache for this call.
	SkipCache bool
}

// Router is the request classifier. All collaborators are optional except
// the skill registry; a Router with nil cache, budget, sessions, and
// classifier still always produces a verdict.
type Router struct {
	cfg        config.RouterConfig
	skills     *skills.Registry
	cache      *Cache
	budget     BudgetReader
	sessions   SessionReader
	classifier Classifier
	logger     *zap.Logger
}

// New creates a router.
func New(cfg config.RouterConfig, reg *skills.Registry, cache *Cache, bud BudgetReader, sess SessionReader, classifier Classifier, logger *zap.Logger) *Router {
	return &Router{
		cfg:        cfg,
		skills:     reg,
		cache:      cache,
		budget:     bud,
		sessions:   sess,
		classifier: classifier,
		logger:     logger,
	}
}

// Route classifies a request. It never returns an error: every failure
// mode (LLM down, cache broken, budget store unreachable) degrades to a
// usable verdict.
func (r *Router) Route(ctx context.Context, req models.Request, complexity models.Complexity, opts Options) (models.CategorySelection, models.SkillSelection) {
	start := time.Now()
	defer func() { metrics.RoutingLatency.Observe(time.Since(start).Seconds()) }()

	sess := r.loadSession(ctx, req)

	if r.cache != nil && !opts.SkipCache {
		fp := Fingerprint(req.UserRequest)
		if cached, ok := r.cache.Get(ctx, req.OrganizationID, fp); ok {
			cat, sel := cached.Category, cached.Skills
			sel = r.applySessionSkills(sel, sess)
			cat = r.applyBudgetDowngrade(ctx, req.OrganizationID, cat, complexity)
			metrics.RoutingDecisions.WithLabelValues(string(cat.Category), string(cat.Method)).Inc()
			return cat, sel
		}
	}

	cat, sel := r.classify(ctx, req, complexity, sess)

	if r.cache != nil && !opts.SkipCache {
		// The downgrade depends on the balance at call time, so the cache
		// stores the pre-downgrade verdict.
		r.cache.Put(ctx, req.OrganizationID, Fingerprint(req.UserRequest), cachedRoute{
			Category: cat,
			Skills:   sel,
		})
	}

	cat = r.applyBudgetDowngrade(ctx, req.OrganizationID, cat, complexity)
	metrics.RoutingDecisions.WithLabelValues(string(cat.Category), string(cat.Method)).Inc()
	return cat, sel
}

// classify runs the keyword pass, combination and conflict rules, session
// bias, skill closure, and the LLM fallback.
func (r *Router) classify(ctx context.Context, req models.Request, complexity models.Complexity, sess *session.Session) (models.CategorySelection, models.SkillSelection) {
	catScores, catKeywords, skillScores, skillKeywords := scoreKeywords(req.UserRequest)

	// Session bias: short referential follow-ups lean toward the session's
	// recent category before the winner is picked.
	if recent := r.followUpCategory(req.UserRequest, sess); recent != "" {
		catScores[recent] += r.cfg.SessionBiasBoost
	}

	cat := pickCategory(catScores, catKeywords, complexity)
	selected := pickSkills(skillScores, skillKeywords)

	cat, combination := applyCombinations(cat, selected)
	cat, selected = r.applyConflictRules(cat, selected)

	if cat.Confidence < r.minConfidence() && r.classifier != nil && r.cfg.LLMFallbackEnabled {
		cat, selected = r.llmFallback(ctx, req.UserRequest, cat, selected)
	}

	sel, err := r.skills.Resolve(selected)
	if err != nil {
		// Unknown names can only come from the LLM; drop to the known subset.
		r.logger.Warn("Skill resolution failed, keeping known skills", zap.Error(err))
		known := selected[:0]
		for _, sk := range selected {
			if r.skills.Known(sk.Name) {
				known = append(known, sk)
			}
		}
		sel, _ = r.skills.Resolve(known)
	}
	sel.Combination = combination
	sel = r.applySessionSkills(sel, sess)

	return cat, sel
}

func (r *Router) minConfidence() float64 {
	if r.cfg.MinConfidence > 0 {
		return r.cfg.MinConfidence
	}
	return 0.7
}

// scoreKeywords is the single pass over the request text.
func scoreKeywords(text string) (map[models.TaskCategory]float64, map[models.TaskCategory][]string, map[string]float64, map[string][]string) {
	lower := strings.ToLower(text)
	catScores := make(map[models.TaskCategory]float64)
	catKeywords := make(map[models.TaskCategory][]string)
	skillScores := make(map[string]float64)
	skillKeywords := make(map[string][]string)

	for _, entry := range keywordTable {
		if !strings.Contains(lower, entry.Term) {
			continue
		}
		for _, c := range entry.Categories {
			catScores[c] += entry.Weight
			catKeywords[c] = append(catKeywords[c], entry.Term)
		}
		for _, s := range entry.Skills {
			skillScores[s] += entry.Weight
			skillKeywords[s] = append(skillKeywords[s], entry.Term)
		}
	}
	return catScores, catKeywords, skillScores, skillKeywords
}

// pickCategory chooses the highest-scoring category and derives confidence
// from the match count: >=3 matches 0.9+ (capped 0.98), 2 -> 0.8,
// 1 -> 0.65, none -> 0.4 via the complexity fallback.
func pickCategory(scores map[models.TaskCategory]float64, keywords map[models.TaskCategory][]string, complexity models.Complexity) models.CategorySelection {
	if len(scores) == 0 {
		cat := models.CategoryUnspecifiedLow
		if complexity == models.ComplexityHigh {
			cat = models.CategoryUnspecifiedHigh
		}
		return models.CategorySelection{
			Category:   cat,
			Confidence: 0.4,
			Method:     models.MethodComplexityFallback,
		}
	}

	var best models.TaskCategory
	bestScore := -1.0
	for _, c := range models.AllCategories() {
		score, ok := scores[c]
		if !ok {
			continue
		}
		if score > bestScore {
			best, bestScore = c, score
			continue
		}
		if score == bestScore {
			// Tie: the complexity hint chooses cheap vs deep.
			switch complexity {
			case models.ComplexityLow:
				if c == models.CategoryQuick {
					best = c
				}
			case models.ComplexityHigh:
				if c == models.CategoryUltrabrain {
					best = c
				}
			}
		}
	}

	matched := keywords[best]
	var confidence float64
	switch {
	case len(matched) >= 3:
		confidence = 0.9 + 0.02*float64(len(matched)-3)
		if confidence > 0.98 {
			confidence = 0.98
		}
	case len(matched) == 2:
		confidence = 0.8
	default:
		confidence = 0.65
	}

	return models.CategorySelection{
		Category:        best,
		Confidence:      confidence,
		Method:          models.MethodKeywordFast,
		MatchedKeywords: matched,
	}
}

func pickSkills(scores map[string]float64, keywords map[string][]string) []models.SelectedSkill {
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.SelectedSkill, 0, len(names))
	for _, name := range names {
		out = append(out, models.SelectedSkill{
			Name:            name,
			Score:           scores[name],
			MatchedKeywords: keywords[name],
		})
	}
	return out
}

// applyCombinations checks declared skill sets. A full match names the
// combination, boosts confidence, and may override a weak category with
// the combination's emergent one.
func applyCombinations(cat models.CategorySelection, selected []models.SelectedSkill) (models.CategorySelection, string) {
	has := make(map[string]bool, len(selected))
	for _, sk := range selected {
		has[sk.Name] = true
	}

	for _, combo := range skillCombinations {
		all := true
		for _, name := range combo.Skills {
			if !has[name] {
				all = false
				break
			}
		}
		if !all {
			continue
		}

		cat.Confidence += combo.Boost
		if cat.Confidence > 0.98 {
			cat.Confidence = 0.98
		}
		if combo.Category != "" && cat.Category != combo.Category && cat.Confidence < 0.9 {
			cat.Category = combo.Category
		}
		return cat, combo.Name
	}
	return cat, ""
}

func (r *Router) applyConflictRules(cat models.CategorySelection, selected []models.SelectedSkill) (models.CategorySelection, []models.SelectedSkill) {
	for _, rule := range conflictRules {
		if cat.Category != rule.Category {
			continue
		}
		idx := -1
		for i, sk := range selected {
			if sk.Name == rule.Skill {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}

		switch rule.Action {
		case actionUpgradeCategory:
			cat.Category = rule.UpgradeTo
		case actionRemoveSkill:
			selected = append(selected[:idx], selected[idx+1:]...)
		case actionWarn:
			r.logger.Warn("Unusual category/skill pairing",
				zap.String("category", string(cat.Category)),
				zap.String("skill", rule.Skill),
			)
		}
	}
	return cat, selected
}

// llmFallback asks the classifier once. Success replaces the keyword
// verdict; failure keeps it untouched.
func (r *Router) llmFallback(ctx context.Context, text string, cat models.CategorySelection, selected []models.SelectedSkill) (models.CategorySelection, []models.SelectedSkill) {
	timeBudget := r.cfg.LLMTimeBudget
	if timeBudget <= 0 {
		timeBudget = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeBudget {
		return cat, selected
	}

	cctx, cancel := context.WithTimeout(ctx, timeBudget)
	defer cancel()

	verdict, err := r.classifier.Classify(cctx, text)
	if err != nil || verdict == nil || !verdict.Category.Valid() {
		r.logger.Debug("LLM classifier unavailable, keeping keyword verdict", zap.Error(err))
		return cat, selected
	}

	method := models.MethodLLMFallback
	if verdict.Category == cat.Category {
		method = models.MethodKeywordLLMHybrid
	}

	out := models.CategorySelection{
		Category:        verdict.Category,
		Confidence:      0.85,
		Method:          method,
		MatchedKeywords: cat.MatchedKeywords,
	}

	has := make(map[string]bool, len(selected))
	for _, sk := range selected {
		has[sk.Name] = true
	}
	for _, name := range verdict.Skills {
		if !has[name] {
			selected = append(selected, models.SelectedSkill{Name: name, Score: 0.5})
		}
	}
	return out, selected
}

// applyBudgetDowngrade moves expensive categories to quick when the
// organization is close to its limit. Downgrades only ever go cheaper.
func (r *Router) applyBudgetDowngrade(ctx context.Context, orgID string, cat models.CategorySelection, complexity models.Complexity) models.CategorySelection {
	if r.budget == nil {
		return cat
	}
	rem, err := r.budget.GetRemaining(ctx, orgID)
	if err != nil || rem.Unlimited {
		return cat
	}

	downgrade := func(to models.TaskCategory) models.CategorySelection {
		metrics.RoutingDowngrades.WithLabelValues(string(cat.Category), string(to)).Inc()
		out := cat
		out.BaseCategory = cat.Category
		out.Category = to
		out.Downgraded = true
		return out
	}

	expensive := cat.Category == models.CategoryVisualEngineering ||
		cat.Category == models.CategoryWriting ||
		cat.Category == models.CategoryArtistry

	switch {
	case cat.Category == models.CategoryUltrabrain && rem.Cents < constants.DowngradeUltrabrainCents:
		return downgrade(models.CategoryQuick)
	case expensive && rem.Cents < constants.DowngradeExpensiveCents:
		return downgrade(models.CategoryQuick)
	case complexity == models.ComplexityLow && (expensive || cat.Category == models.CategoryUltrabrain):
		return downgrade(models.CategoryQuick)
	}
	return cat
}

// followUpCategory returns the session's recent category when the request
// reads like a follow-up: short, or carrying referential tokens.
func (r *Router) followUpCategory(text string, sess *session.Session) models.TaskCategory {
	if sess == nil {
		return ""
	}
	fields := strings.Fields(strings.ToLower(text))
	followUp := len(fields) <= 6
	if !followUp {
		for _, f := range fields {
			if referentialTokens[strings.Trim(f, ".,!?")] {
				followUp = true
				break
			}
		}
	}
	if !followUp {
		return ""
	}
	return sess.RecentCategory(10 * time.Minute)
}

// applySessionSkills folds the session's recently used skills into the
// selection as dependency-style entries so cached verdicts still pick up
// session preference.
func (r *Router) applySessionSkills(sel models.SkillSelection, sess *session.Session) models.SkillSelection {
	if sess == nil {
		return sel
	}
	for _, name := range sess.RecentSkills() {
		if !sel.Has(name) && r.skills.Known(name) {
			sel.Skills = append(sel.Skills, models.SelectedSkill{
				Name:           name,
				Score:          0.3,
				FromDependency: true,
			})
		}
	}
	return sel
}

func (r *Router) loadSession(ctx context.Context, req models.Request) *session.Session {
	if r.sessions == nil || req.SessionID == "" {
		return nil
	}
	sess, err := r.sessions.Get(ctx, req.OrganizationID, req.SessionID)
	if err != nil {
		return nil
	}
	return sess
}
