package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExec(workflowID string) *Execution {
	return &Execution{
		WorkflowID:   workflowID,
		WorkflowName: "test",
		Status:       StatusRunning,
		TriggerType:  "MANUAL",
		StartedAt:    nowUTC(),
		InputData:    map[string]interface{}{"n": 1},
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	id, err := s.CreateExecution(ctx, newExec("wf-1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	require.NoError(t, s.AppendNodeExecution(ctx, id, NodeExecution{
		NodeID: "a", Status: StatusSuccess,
	}))
	require.NoError(t, s.FinishExecution(ctx, id, StatusSuccess,
		map[string]interface{}{"out": true}, ""))

	exec, err := s.Execution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, exec.Status)
	assert.NotNil(t, exec.FinishedAt)
	assert.Equal(t, true, exec.OutputData["out"])
	require.Len(t, exec.NodeExecutions, 1)
	assert.Equal(t, "a", exec.NodeExecutions[0].NodeID)
}

func TestMemoryStoreMonotonicIDs(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.CreateExecution(ctx, newExec("wf-1"))
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	_, err := s.Execution(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.AppendNodeExecution(ctx, 42, NodeExecution{NodeID: "a"})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.FinishExecution(ctx, 42, StatusSuccess, nil, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListFiltersAndLimits(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.CreateExecution(ctx, newExec("wf-a"))
		require.NoError(t, err)
	}
	_, err := s.CreateExecution(ctx, newExec("wf-b"))
	require.NoError(t, err)

	all, err := s.ListExecutions(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	// Newest first.
	assert.Greater(t, all[0].ID, all[1].ID)

	onlyA, err := s.ListExecutions(ctx, "wf-a", 0)
	require.NoError(t, err)
	assert.Len(t, onlyA, 3)

	limited, err := s.ListExecutions(ctx, "wf-a", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryStoreHistoryLimit(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := s.CreateExecution(ctx, newExec("wf-a"))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Oldest two were pruned.
	_, err := s.Execution(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Execution(ctx, ids[1])
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Execution(ctx, ids[3])
	assert.NoError(t, err)
}

func TestMemoryStoreSeedOffsetsIDs(t *testing.T) {
	s := NewMemoryStore(0)
	s.seed(dryRunBase)

	id, err := s.CreateExecution(context.Background(), newExec("wf-a"))
	require.NoError(t, err)
	assert.Greater(t, id, dryRunBase)

	// Seeding backwards never rewinds the sequence.
	s.seed(1)
	next, err := s.CreateExecution(context.Background(), newExec("wf-a"))
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func TestMemoryStoreVariables(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	vars, err := s.LoadVariables(ctx, "wf-a")
	require.NoError(t, err)
	assert.Empty(t, vars)

	require.NoError(t, s.StoreVariable(ctx, "wf-a", "counter", 3))
	require.NoError(t, s.StoreVariable(ctx, "wf-a", "name", "ada"))
	require.NoError(t, s.StoreVariable(ctx, "wf-b", "counter", 9))

	vars, err = s.LoadVariables(ctx, "wf-a")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"counter": 3, "name": "ada"}, vars)
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	id, err := s.CreateExecution(ctx, newExec("wf-a"))
	require.NoError(t, err)

	exec, err := s.Execution(ctx, id)
	require.NoError(t, err)
	exec.NodeExecutions = append(exec.NodeExecutions, NodeExecution{NodeID: "rogue"})

	fresh, err := s.Execution(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, fresh.NodeExecutions)
}
