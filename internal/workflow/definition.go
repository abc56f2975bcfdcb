package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/weaverhq/weaver/internal/constants"
	"github.com/weaverhq/weaver/internal/models"
)

// NodeType discriminates node variants.
type NodeType string

const (
	NodeAgent    NodeType = "agent"
	NodeParallel NodeType = "parallel"
	NodeCond     NodeType = "condition"
	NodeApproval NodeType = "human_approval"
)

// ParallelTask is one branch of a parallel node.
type ParallelTask struct {
	Agent models.AgentID `yaml:"agent"`
	Task  string         `yaml:"task"`
}

// Node is one step of a workflow definition.
type Node struct {
	ID           string         `yaml:"id"`
	Type         NodeType       `yaml:"type"`
	Agent        models.AgentID `yaml:"agent,omitempty"`
	Task         string         `yaml:"task,omitempty"`
	Tasks        []ParallelTask `yaml:"tasks,omitempty"`
	Condition    string         `yaml:"condition,omitempty"`
	ApprovalType string         `yaml:"approval_type,omitempty"`
	Description  string         `yaml:"description,omitempty"`
	TimeoutMs    int64          `yaml:"timeout_ms,omitempty"`
}

// Edge connects two nodes; Condition (optional) gates traversal.
type Edge struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Condition string `yaml:"condition,omitempty"`
}

// Definition is a named workflow graph between the START and END sentinels.
type Definition struct {
	Name             string `yaml:"name"`
	DefaultTimeoutMs int64  `yaml:"default_timeout_ms,omitempty"`
	Nodes            []Node `yaml:"nodes"`
	Edges            []Edge `yaml:"edges"`

	nodesByID map[string]*Node
}

// Validate checks structural integrity and indexes the nodes.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("workflow: name required")
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("workflow %s: no nodes", d.Name)
	}

	d.nodesByID = make(map[string]*Node, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("workflow %s: node without id", d.Name)
		}
		if n.ID == constants.WorkflowStartNode || n.ID == constants.WorkflowEndNode {
			return fmt.Errorf("workflow %s: node id %s is reserved", d.Name, n.ID)
		}
		if _, dup := d.nodesByID[n.ID]; dup {
			return fmt.Errorf("workflow %s: duplicate node id %s", d.Name, n.ID)
		}
		if err := n.validate(d.Name); err != nil {
			return err
		}
		d.nodesByID[n.ID] = n
	}

	fromStart := false
	for _, e := range d.Edges {
		if err := d.checkEndpoint(e.From, true); err != nil {
			return err
		}
		if err := d.checkEndpoint(e.To, false); err != nil {
			return err
		}
		if e.From == constants.WorkflowStartNode {
			fromStart = true
		}
	}
	if !fromStart {
		return fmt.Errorf("workflow %s: no edge from %s", d.Name, constants.WorkflowStartNode)
	}
	return nil
}

func (n *Node) validate(workflow string) error {
	switch n.Type {
	case NodeAgent:
		if n.Agent == "" || n.Task == "" {
			return fmt.Errorf("workflow %s: agent node %s needs agent and task", workflow, n.ID)
		}
	case NodeParallel:
		if len(n.Tasks) == 0 {
			return fmt.Errorf("workflow %s: parallel node %s needs tasks", workflow, n.ID)
		}
		for _, t := range n.Tasks {
			if t.Agent == "" || t.Task == "" {
				return fmt.Errorf("workflow %s: parallel node %s has an incomplete task", workflow, n.ID)
			}
		}
	case NodeCond:
		if strings.TrimSpace(n.Condition) == "" {
			return fmt.Errorf("workflow %s: condition node %s needs a condition", workflow, n.ID)
		}
	case NodeApproval:
		if strings.TrimSpace(n.Description) == "" {
			return fmt.Errorf("workflow %s: approval node %s needs a description", workflow, n.ID)
		}
	default:
		return fmt.Errorf("workflow %s: node %s has unknown type %q", workflow, n.ID, n.Type)
	}
	return nil
}

func (d *Definition) checkEndpoint(id string, from bool) error {
	if id == constants.WorkflowStartNode {
		if !from {
			return fmt.Errorf("workflow %s: edge into %s", d.Name, id)
		}
		return nil
	}
	if id == constants.WorkflowEndNode {
		if from {
			return fmt.Errorf("workflow %s: edge out of %s", d.Name, id)
		}
		return nil
	}
	if _, ok := d.nodesByID[id]; !ok {
		return fmt.Errorf("workflow %s: edge references unknown node %s", d.Name, id)
	}
	return nil
}

// Node returns a node by id.
func (d *Definition) Node(id string) (*Node, bool) {
	n, ok := d.nodesByID[id]
	return n, ok
}

// Library holds validated workflow definitions by name.
type Library struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	logger *zap.Logger
}

func NewLibrary(logger *zap.Logger) *Library {
	return &Library{
		defs:   make(map[string]*Definition),
		logger: logger,
	}
}

// Register validates and adds one definition.
func (l *Library) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defs[def.Name] = def
	return nil
}

// LoadDirectory reads every *.yaml / *.yml definition under dir. Files
// that fail to parse or validate are skipped with a warning.
func (l *Library) LoadDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workflow dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn("Failed to read workflow file", zap.String("path", path), zap.Error(err))
			continue
		}
		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			l.logger.Warn("Failed to parse workflow file", zap.String("path", path), zap.Error(err))
			continue
		}
		if err := l.Register(&def); err != nil {
			l.logger.Warn("Invalid workflow definition", zap.String("path", path), zap.Error(err))
			continue
		}
		l.logger.Info("Loaded workflow definition",
			zap.String("workflow", def.Name),
			zap.String("path", path))
	}
	return nil
}

// Get returns a definition by name.
func (l *Library) Get(name string) (*Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[name]
	return def, ok
}

// Names lists registered workflows sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.defs))
	for name := range l.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
