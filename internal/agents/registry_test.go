package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaverhq/weaver/internal/models"
)

func TestRegistryContainsAllSevenAgents(t *testing.T) {
	r := NewRegistry()

	ids := []models.AgentID{
		models.AgentSearch, models.AgentData, models.AgentAnalytics,
		models.AgentTask, models.AgentApproval, models.AgentReport,
		models.AgentComms,
	}
	assert.Len(t, r.All(), len(ids))
	for _, id := range ids {
		a, err := r.Get(id)
		require.NoError(t, err)
		assert.NotEmpty(t, a.SystemPrompt)
		assert.Greater(t, a.MaxConcurrentTasks, 0)
		assert.Greater(t, a.TimeoutMs, 0)
	}
}

func TestUnknownAgent(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("janitor")
	assert.Error(t, err)
}

func TestDelegationGraph(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.CanDelegate(models.AgentData, models.AgentAnalytics))
	assert.True(t, r.CanDelegate(models.AgentReport, models.AgentData))
	assert.False(t, r.CanDelegate(models.AgentComms, models.AgentData))
	assert.False(t, r.CanDelegate(models.AgentApproval, models.AgentSearch))
}

func TestDelegationTargetsExist(t *testing.T) {
	r := NewRegistry()
	for _, a := range r.All() {
		for _, to := range a.CanDelegateTo {
			_, err := r.Get(to)
			assert.NoError(t, err, "agent %s delegates to unknown %s", a.ID, to)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	r := NewRegistry()

	assert.Less(t, r.Priority(models.AgentSearch), r.Priority(models.AgentData))
	assert.Less(t, r.Priority(models.AgentData), r.Priority(models.AgentAnalytics))
	assert.Less(t, r.Priority(models.AgentApproval), r.Priority(models.AgentReport))
	assert.Less(t, r.Priority(models.AgentReport), r.Priority(models.AgentComms))
	assert.Equal(t, 7, r.Priority("unknown"))
}
