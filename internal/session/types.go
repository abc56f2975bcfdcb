package session

import (
	"errors"
	"strings"
	"time"

	"github.com/weaverhq/weaver/internal/models"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrExpired is returned when a session has passed its expiry.
	ErrExpired = errors.New("session expired")
)

// Session carries cross-request context for one conversation: routing
// history used for follow-up bias, remembered entities, and running
// token/cost totals. Stored as JSON in Redis, keyed by organization.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ExpiresAt      time.Time `json:"expires_at"`

	History  []Message         `json:"history"`
	Entities map[string]string `json:"entities,omitempty"`

	RecentRoutes []RouteRecord `json:"recent_routes,omitempty"`

	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
	TotalCostCents    float64 `json:"total_cost_cents"`
}

// Message is one turn in the session history.
type Message struct {
	Role      string    `json:"role"` // "user", "assistant", "system"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	AgentType string    `json:"agent_type,omitempty"`
}

// RouteRecord remembers one routing verdict so follow-up requests can be
// biased toward the recent category and skills.
type RouteRecord struct {
	Category models.TaskCategory `json:"category"`
	Skills   []string            `json:"skills,omitempty"`
	At       time.Time           `json:"at"`
}

// IsExpired reports whether the session's expiry has passed.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// RecordRoute appends a routing verdict, keeping the most recent five.
func (s *Session) RecordRoute(category models.TaskCategory, skills []string) {
	s.RecentRoutes = append(s.RecentRoutes, RouteRecord{
		Category: category,
		Skills:   skills,
		At:       time.Now(),
	})
	if len(s.RecentRoutes) > 5 {
		s.RecentRoutes = s.RecentRoutes[len(s.RecentRoutes)-5:]
	}
	s.UpdatedAt = time.Now()
}

// RecentCategory returns the most recent routed category within the window,
// or empty when no route is fresh enough.
func (s *Session) RecentCategory(window time.Duration) models.TaskCategory {
	if len(s.RecentRoutes) == 0 {
		return ""
	}
	last := s.RecentRoutes[len(s.RecentRoutes)-1]
	if time.Since(last.At) > window {
		return ""
	}
	return last.Category
}

// RecentSkills returns the deduplicated skills from recent routes, newest
// first.
func (s *Session) RecentSkills() []string {
	seen := make(map[string]bool)
	var out []string
	for i := len(s.RecentRoutes) - 1; i >= 0; i-- {
		for _, sk := range s.RecentRoutes[i].Skills {
			if !seen[sk] {
				seen[sk] = true
				out = append(out, sk)
			}
		}
	}
	return out
}

// AddUsage accumulates token and cost totals.
func (s *Session) AddUsage(inputTokens, outputTokens int, costCents float64) {
	s.TotalInputTokens += inputTokens
	s.TotalOutputTokens += outputTokens
	s.TotalCostCents += costCents
	s.UpdatedAt = time.Now()
}

// SetEntity remembers a named entity mentioned in the conversation.
func (s *Session) SetEntity(name, value string) {
	if s.Entities == nil {
		s.Entities = make(map[string]string)
	}
	s.Entities[name] = value
	s.UpdatedAt = time.Now()
}

// RecentHistory returns up to count most recent messages.
func (s *Session) RecentHistory(count int) []Message {
	if len(s.History) <= count {
		return s.History
	}
	return s.History[len(s.History)-count:]
}

// ContextSummary renders recent history for inclusion in a child prompt,
// newest messages kept, bounded by a rough token estimate (4 chars/token).
func (s *Session) ContextSummary(maxTokens int) string {
	var parts []string
	tokens := 0
	for i := len(s.History) - 1; i >= 0; i-- {
		msg := s.History[i]
		msgTokens := len(msg.Content) / 4
		if tokens+msgTokens > maxTokens {
			break
		}
		parts = append([]string{msg.Role + ": " + msg.Content}, parts...)
		tokens += msgTokens
	}
	return strings.Join(parts, "\n")
}
