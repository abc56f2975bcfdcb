package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/weaverhq/weaver/internal/connections"
)

var (
	ErrUnknownProvider = errors.New("tools: unknown provider")
	ErrToolNotFound    = errors.New("tools: tool not found")
)

// Descriptor describes one callable tool. ToolName is the canonical
// camelCase name; FullName is "provider:tool".
type Descriptor struct {
	ProviderID  string
	ToolName    string
	FullName    string
	Description string
	InputSchema map[string]interface{}
}

// Call carries everything a provider needs for one tool invocation.
type Call struct {
	Token          string
	Tool           string
	Args           map[string]interface{}
	OrganizationID string
	UserID         string
	Connection     *connections.Connection
}

// Provider is one external integration exposing tools. All providers are
// compiled in; there is no runtime registration of code.
type Provider interface {
	ID() string
	RegisterTools() []Descriptor
	ExecuteTool(ctx context.Context, call Call) (interface{}, error)
}

// Registry maps tool names to providers. It accepts the canonical
// "provider:tool" form, the legacy "provider__tool" form, and per-provider
// snake_case aliases of each camelCase tool name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	tools     map[string]map[string]Descriptor // provider -> canonical name
	aliases   map[string]map[string]string     // provider -> snake alias -> canonical
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		tools:     make(map[string]map[string]Descriptor),
		aliases:   make(map[string]map[string]string),
	}
}

// Register adds a provider and indexes its tools.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	r.providers[id] = p
	r.tools[id] = make(map[string]Descriptor)
	r.aliases[id] = make(map[string]string)
	for _, desc := range p.RegisterTools() {
		desc.ProviderID = id
		if desc.FullName == "" {
			desc.FullName = id + ":" + desc.ToolName
		}
		r.tools[id][desc.ToolName] = desc
		if alias := camelToSnake(desc.ToolName); alias != desc.ToolName {
			r.aliases[id][alias] = desc.ToolName
		}
	}
}

// Resolve parses a full tool name and returns the owning provider and the
// canonical descriptor.
func (r *Registry) Resolve(fullName string) (Provider, Descriptor, error) {
	providerID, toolName, err := splitFullName(fullName)
	if err != nil {
		return nil, Descriptor{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[providerID]
	if !ok {
		return nil, Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	if canonical, ok := r.aliases[providerID][toolName]; ok {
		toolName = canonical
	}
	desc, ok := r.tools[providerID][toolName]
	if !ok {
		return nil, Descriptor{}, fmt.Errorf("%w: %s:%s", ErrToolNotFound, providerID, toolName)
	}
	return p, desc, nil
}

// Descriptors returns all registered tools sorted by full name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Descriptor
	for _, byName := range r.tools {
		for _, desc := range byName {
			out = append(out, desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// ProviderDescriptors returns the tools of one provider sorted by name.
func (r *Registry) ProviderDescriptors(providerID string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Descriptor
	for _, desc := range r.tools[providerID] {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out
}

// splitFullName accepts "provider:tool" and the legacy "provider__tool".
func splitFullName(fullName string) (provider, tool string, err error) {
	if i := strings.Index(fullName, "__"); i > 0 && !strings.Contains(fullName, ":") {
		return fullName[:i], fullName[i+2:], nil
	}
	parts := strings.SplitN(fullName, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: malformed tool name %q", ErrToolNotFound, fullName)
	}
	return parts[0], parts[1], nil
}

func camelToSnake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
