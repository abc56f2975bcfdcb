package policy

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/config"
)

// Mode defines the policy engine operating mode.
type Mode string

const (
	// ModeOff disables policy evaluation entirely.
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but does not enforce them.
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies.
	ModeEnforce Mode = "enforce"
)

const decisionQuery = "data.weaver.orchestration.decision"

// Input is the request context handed to policy evaluation.
type Input struct {
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	Category       string    `json:"category,omitempty"`
	Skills         []string  `json:"skills,omitempty"`
	Tool           string    `json:"tool,omitempty"`
	Depth          int       `json:"depth"`
	MaxDepth       int       `json:"max_depth"`
	Prompt         string    `json:"prompt,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Decision is the policy evaluation result.
type Decision struct {
	Allow           bool              `json:"allow"`
	Reason          string            `json:"reason,omitempty"`
	RequireApproval bool              `json:"require_approval,omitempty"`
	AuditTags       map[string]string `json:"audit_tags,omitempty"`
}

// Engine evaluates orchestration requests against loaded policies.
type Engine interface {
	Evaluate(ctx context.Context, input *Input) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	Mode() Mode
}

// OPAEngine implements Engine with compiled rego policies.
type OPAEngine struct {
	cfg      config.PolicyConfig
	mode     Mode
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
	enabled  bool
	cache    *decisionCache
}

// NewOPAEngine compiles policies from cfg.Path. With FailClosed unset a
// load failure degrades to an allow-everything engine instead of an
// error.
func NewOPAEngine(cfg config.PolicyConfig, logger *zap.Logger) (*OPAEngine, error) {
	mode := Mode(cfg.Mode)
	switch mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	default:
		mode = ModeOff
	}

	engine := &OPAEngine{
		cfg:     cfg,
		mode:    mode,
		logger:  logger,
		enabled: cfg.Enabled && mode != ModeOff,
		cache:   newDecisionCache(1000, 5*time.Minute),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if cfg.FailClosed {
				return nil, fmt.Errorf("load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running fail-open", zap.Error(err))
			engine.enabled = false
		}
	}
	return engine, nil
}

// LoadPolicies compiles every .rego file under the configured directory.
func (e *OPAEngine) LoadPolicies() error {
	policies := make(map[string]string)
	err := filepath.Walk(e.cfg.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy file %s: %w", path, err)
		}
		relPath, _ := filepath.Rel(e.cfg.Path, path)
		policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk policy directory: %w", err)
	}
	if len(policies) == 0 {
		if e.cfg.FailClosed {
			return fmt.Errorf("no policies found in %s", e.cfg.Path)
		}
		e.logger.Warn("No policy files found", zap.String("path", e.cfg.Path))
		return nil
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range policies {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}
	e.compiled = &compiled

	e.logger.Info("Policies loaded",
		zap.Int("count", len(policies)),
		zap.String("query", decisionQuery))
	return nil
}

// Evaluate returns the policy decision for one request. In dry-run mode
// denials are logged but converted to allows.
func (e *OPAEngine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := time.Now()

	fallback := &Decision{
		Allow:  !e.cfg.FailClosed,
		Reason: "policy engine disabled or no policies loaded",
	}
	if !e.enabled || e.compiled == nil {
		return fallback, nil
	}

	if d, ok := e.cache.Get(input); ok {
		cacheHits.WithLabelValues(string(e.mode)).Inc()
		return d, nil
	}
	cacheMisses.WithLabelValues(string(e.mode)).Inc()

	inputMap, err := toMap(input)
	if err != nil {
		if e.cfg.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return fallback, nil
	}

	results, err := e.compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		if e.cfg.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return fallback, nil
	}

	decision := parseResults(results, input)
	decision = e.applyMode(decision, input)

	outcome := "allow"
	if !decision.Allow {
		outcome = "deny"
	}
	evaluations.WithLabelValues(outcome, string(e.mode)).Inc()
	evaluationDuration.WithLabelValues(string(e.mode)).Observe(time.Since(start).Seconds())

	e.cache.Set(input, decision)
	return decision, nil
}

func (e *OPAEngine) IsEnabled() bool {
	return e.enabled && e.compiled != nil
}

func (e *OPAEngine) Mode() Mode { return e.mode }

// applyMode converts denials into logged allows when running dry-run.
func (e *OPAEngine) applyMode(decision *Decision, input *Input) *Decision {
	if decision.AuditTags == nil {
		decision.AuditTags = make(map[string]string)
	}
	decision.AuditTags["mode"] = string(e.mode)

	if e.mode != ModeDryRun {
		return decision
	}
	if !decision.Allow {
		e.logger.Info("Dry-run policy denial",
			zap.String("reason", decision.Reason),
			zap.String("organization_id", input.OrganizationID),
			zap.String("agent_id", input.AgentID),
			zap.String("tool", input.Tool))
		dryRunDivergence.Inc()
		decision.Reason = "DRY-RUN: would have been denied - " + decision.Reason
	}
	decision.Allow = true
	return decision
}

func toMap(input *Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseResults(results rego.ResultSet, input *Input) *Decision {
	decision := &Decision{
		Allow:  false,
		Reason: "no matching policy rules",
		AuditTags: map[string]string{
			"organization_id": input.OrganizationID,
			"agent_id":        input.AgentID,
		},
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	switch value := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := value["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := value["reason"].(string); ok {
			decision.Reason = reason
		}
		if requireApproval, ok := value["require_approval"].(bool); ok {
			decision.RequireApproval = requireApproval
		}
	case bool:
		decision.Allow = value
		if value {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

// decisionCache is a small LRU with TTL keyed by the request's identity
// fields plus a hash of the prompt.

type decisionCache struct {
	cap  int
	ttl  time.Duration
	mu   sync.Mutex
	list *list.List
	m    map[string]*list.Element
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(capacity int, ttl time.Duration) *decisionCache {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  capacity,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) makeKey(input *Input) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(input.Prompt)))
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d|%x",
		input.OrganizationID, input.UserID, input.AgentID,
		input.Category, input.Tool, input.Depth, h.Sum64())
}

func (c *decisionCache) Get(input *Input) (*Decision, bool) {
	key := c.makeKey(input)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[key]
	if !ok {
		return nil, false
	}
	ce := el.Value.(cacheEntry)
	if !ce.expiresAt.After(now) {
		c.list.Remove(el)
		delete(c.m, key)
		return nil, false
	}
	c.list.MoveToFront(el)
	return ce.decision, true
}

func (c *decisionCache) Set(input *Input, d *Decision) {
	key := c.makeKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
	if el, ok := c.m[key]; ok {
		el.Value = entry
		c.list.MoveToFront(el)
		return
	}
	c.m[key] = c.list.PushFront(entry)
	if c.list.Len() > c.cap {
		lru := c.list.Back()
		if lru != nil {
			delete(c.m, lru.Value.(cacheEntry).key)
			c.list.Remove(lru)
		}
	}
}
