package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/budget"
	"github.com/weaverhq/weaver/internal/circuitbreaker"
	"github.com/weaverhq/weaver/internal/config"
	"github.com/weaverhq/weaver/internal/models"
	"github.com/weaverhq/weaver/internal/session"
	"github.com/weaverhq/weaver/internal/skills"
)

type fakeBudget struct {
	rem budget.Remaining
	err error
}

func (f *fakeBudget) GetRemaining(ctx context.Context, orgID string) (budget.Remaining, error) {
	return f.rem, f.err
}

type fakeClassifier struct {
	verdict *Classification
	err     error
	calls   int
}

func (f *fakeClassifier) Classify(ctx context.Context, text string) (*Classification, error) {
	f.calls++
	return f.verdict, f.err
}

type fakeSessions struct {
	sess *session.Session
}

func (f *fakeSessions) Get(ctx context.Context, orgID, sessionID string) (*session.Session, error) {
	if f.sess == nil {
		return nil, session.ErrNotFound
	}
	return f.sess, nil
}

func defaultCfg() config.RouterConfig {
	return config.RouterConfig{
		MinConfidence:      0.7,
		CacheTTL:           24 * time.Hour,
		LLMFallbackEnabled: true,
		LLMTimeBudget:      time.Second,
		SessionBiasBoost:   0.5,
	}
}

func newTestRouter(t *testing.T, cache *Cache, bud BudgetReader, sess SessionReader, cl Classifier) *Router {
	t.Helper()
	reg := skills.NewRegistry()
	require.NoError(t, reg.Validate())
	return New(defaultCfg(), reg, cache, bud, sess, cl, zap.NewNop())
}

func req(text string) models.Request {
	return models.Request{
		UserRequest:    text,
		SessionID:      "sess-1",
		OrganizationID: "org-1",
		UserID:         "user-1",
	}
}

func TestRouteKeywordFastPath(t *testing.T) {
	r := newTestRouter(t, nil, nil, nil, nil)

	cat, sel := r.Route(context.Background(), req("design the ui layout and css for the dashboard"), models.ComplexityMedium, Options{})

	assert.Equal(t, models.CategoryVisualEngineering, cat.Category)
	assert.Equal(t, models.MethodKeywordFast, cat.Method)
	assert.GreaterOrEqual(t, cat.Confidence, 0.9)
	assert.LessOrEqual(t, cat.Confidence, 0.98)
	assert.True(t, sel.Has("frontend-ui-ux"))
}

func TestRouteTwoMatchesConfidence(t *testing.T) {
	r := newTestRouter(t, nil, nil, nil, nil)

	cat, _ := r.Route(context.Background(), req("debug the algorithm"), models.ComplexityMedium, Options{})

	assert.Equal(t, models.CategoryUltrabrain, cat.Category)
	assert.Equal(t, 0.8, cat.Confidence)
}

func TestRouteComplexityFallback(t *testing.T) {
	r := newTestRouter(t, nil, nil, nil, nil)

	cat, _ := r.Route(context.Background(), req("zzzz qqqq"), models.ComplexityHigh, Options{})
	assert.Equal(t, models.CategoryUnspecifiedHigh, cat.Category)
	assert.Equal(t, models.MethodComplexityFallback, cat.Method)
	assert.Equal(t, 0.4, cat.Confidence)

	cat, _ = r.Route(context.Background(), req("zzzz qqqq"), models.ComplexityLow, Options{})
	assert.Equal(t, models.CategoryUnspecifiedLow, cat.Category)
}

func TestRouteNeverErrsWithAllCollaboratorsBroken(t *testing.T) {
	bud := &fakeBudget{err: errors.New("db down")}
	cl := &fakeClassifier{err: errors.New("llm down")}
	r := newTestRouter(t, nil, bud, nil, cl)

	cat, _ := r.Route(context.Background(), req("hmm"), models.ComplexityLow, Options{})
	assert.True(t, cat.Category.Valid())
}

func TestSkillCombinationNamesSelection(t *testing.T) {
	r := newTestRouter(t, nil, nil, nil, nil)

	// ui + screenshot matches the frontend-ui-ux + playwright combination.
	cat, sel := r.Route(context.Background(), req("take a screenshot of the new ui"), models.ComplexityMedium, Options{})

	assert.Equal(t, "visual-testing", sel.Combination)
	assert.Equal(t, models.CategoryVisualEngineering, cat.Category)
	assert.True(t, sel.Has("playwright"))
	assert.True(t, sel.Has("frontend-ui-ux"))
}

func TestConflictRuleUpgradesCategory(t *testing.T) {
	r := newTestRouter(t, nil, nil, nil, nil)

	cat, selected := r.applyConflictRules(
		models.CategorySelection{Category: models.CategoryQuick, Confidence: 0.8},
		[]models.SelectedSkill{{Name: "playwright", Score: 1}},
	)
	assert.Equal(t, models.CategoryVisualEngineering, cat.Category)
	assert.Len(t, selected, 1)
}

func TestConflictRuleRemovesSkill(t *testing.T) {
	r := newTestRouter(t, nil, nil, nil, nil)

	_, selected := r.applyConflictRules(
		models.CategorySelection{Category: models.CategoryArtistry, Confidence: 0.8},
		[]models.SelectedSkill{{Name: "data-pipelines", Score: 1}},
	)
	assert.Empty(t, selected)
}

func TestLLMFallbackReplacesWeakVerdict(t *testing.T) {
	cl := &fakeClassifier{verdict: &Classification{
		Category: models.CategoryWriting,
		Skills:   []string{"report-builder"},
	}}
	r := newTestRouter(t, nil, nil, nil, cl)

	// One weak match ("find") keeps confidence at 0.65, below the fallback
	// threshold.
	cat, sel := r.Route(context.Background(), req("zzzz find qqqq"), models.ComplexityMedium, Options{})

	assert.Equal(t, 1, cl.calls)
	assert.Equal(t, models.CategoryWriting, cat.Category)
	assert.Equal(t, models.MethodLLMFallback, cat.Method)
	assert.Equal(t, 0.85, cat.Confidence)
	assert.True(t, sel.Has("report-builder"))
	// report-builder requires data-pipelines via the dependency closure.
	assert.True(t, sel.Has("data-pipelines"))
}

func TestLLMFallbackHybridWhenConfirming(t *testing.T) {
	cl := &fakeClassifier{verdict: &Classification{Category: models.CategoryQuick}}
	r := newTestRouter(t, nil, nil, nil, cl)

	cat, _ := r.Route(context.Background(), req("show"), models.ComplexityMedium, Options{})
	assert.Equal(t, models.MethodKeywordLLMHybrid, cat.Method)
}

func TestLLMFailureKeepsKeywordVerdict(t *testing.T) {
	cl := &fakeClassifier{err: errors.New("timeout")}
	r := newTestRouter(t, nil, nil, nil, cl)

	cat, _ := r.Route(context.Background(), req("show"), models.ComplexityMedium, Options{})
	assert.Equal(t, models.CategoryQuick, cat.Category)
	assert.Equal(t, models.MethodKeywordFast, cat.Method)
	assert.Equal(t, 0.65, cat.Confidence)
}

func TestBudgetDowngradeUltrabrain(t *testing.T) {
	bud := &fakeBudget{rem: budget.Remaining{Cents: 50}}
	r := newTestRouter(t, nil, bud, nil, nil)

	cat, _ := r.Route(context.Background(), req("analyze the architecture and optimize the algorithm"), models.ComplexityHigh, Options{})

	assert.Equal(t, models.CategoryQuick, cat.Category)
	assert.True(t, cat.Downgraded)
	assert.Equal(t, models.CategoryUltrabrain, cat.BaseCategory)
}

func TestBudgetDowngradeExpensiveCategories(t *testing.T) {
	bud := &fakeBudget{rem: budget.Remaining{Cents: 15}}
	r := newTestRouter(t, nil, bud, nil, nil)

	cat, _ := r.Route(context.Background(), req("draft a blog documentation post"), models.ComplexityMedium, Options{})
	assert.Equal(t, models.CategoryQuick, cat.Category)
	assert.True(t, cat.Downgraded)
}

func TestNoDowngradeWhenUnlimited(t *testing.T) {
	bud := &fakeBudget{rem: budget.Remaining{Unlimited: true}}
	r := newTestRouter(t, nil, bud, nil, nil)

	cat, _ := r.Route(context.Background(), req("analyze the architecture and optimize the algorithm"), models.ComplexityHigh, Options{})
	assert.Equal(t, models.CategoryUltrabrain, cat.Category)
	assert.False(t, cat.Downgraded)
}

func TestComplexityLowDowngradesExpensive(t *testing.T) {
	bud := &fakeBudget{rem: budget.Remaining{Cents: 100000}}
	r := newTestRouter(t, nil, bud, nil, nil)

	cat, _ := r.Route(context.Background(), req("draft a blog documentation post"), models.ComplexityLow, Options{})
	assert.Equal(t, models.CategoryQuick, cat.Category)
	assert.True(t, cat.Downgraded)
	assert.Equal(t, models.CategoryWriting, cat.BaseCategory)
}

func TestSessionBiasOnFollowUp(t *testing.T) {
	sess := &session.Session{ID: "sess-1", OrganizationID: "org-1"}
	sess.RecordRoute(models.CategoryWriting, []string{"report-builder"})
	r := newTestRouter(t, nil, nil, &fakeSessions{sess: sess}, nil)

	// Short referential follow-up with no strong keywords leans on the
	// session's recent category.
	cat, sel := r.Route(context.Background(), req("do it again"), models.ComplexityMedium, Options{})

	assert.Equal(t, models.CategoryWriting, cat.Category)
	assert.True(t, sel.Has("report-builder"))
}

func TestRouteCacheSingleClassification(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCache(circuitbreaker.NewRedisWrapper(rc, "route-test", zap.NewNop()), time.Hour, zap.NewNop())

	cl := &fakeClassifier{verdict: &Classification{Category: models.CategoryWriting}}
	r := newTestRouter(t, cache, nil, nil, cl)

	text := "zzzz find qqqq"
	cat1, _ := r.Route(context.Background(), req(text), models.ComplexityMedium, Options{})
	cat2, _ := r.Route(context.Background(), req(text), models.ComplexityMedium, Options{})

	assert.Equal(t, cat1.Category, cat2.Category)
	assert.Equal(t, 1, cl.calls, "second route must be served from cache")
}

func TestRouteCacheIsTenantScoped(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCache(circuitbreaker.NewRedisWrapper(rc, "route-test", zap.NewNop()), time.Hour, zap.NewNop())

	cl := &fakeClassifier{verdict: &Classification{Category: models.CategoryWriting}}
	r := newTestRouter(t, cache, nil, nil, cl)

	text := "zzzz find qqqq"
	r.Route(context.Background(), req(text), models.ComplexityMedium, Options{})

	other := req(text)
	other.OrganizationID = "org-2"
	r.Route(context.Background(), other, models.ComplexityMedium, Options{})

	assert.Equal(t, 2, cl.calls, "cache entries must not cross organizations")
}

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint("Please summarize the quarterly sales data")
	b := Fingerprint("summarize quarterly sales data")
	c := Fingerprint("delete all production databases")

	assert.Len(t, a, 12)
	assert.Equal(t, a, b, "stop words and casing must not change the fingerprint")
	assert.NotEqual(t, a, c)
}
