package engine

import (
	"context"
	"sync"
)

// Store persists executions and workflow-scoped variables. Implementations
// must allocate monotonically increasing execution ids.
type Store interface {
	// CreateExecution persists a new execution and returns its id.
	CreateExecution(ctx context.Context, exec *Execution) (int64, error)

	// AppendNodeExecution adds one node run to an execution's trace.
	AppendNodeExecution(ctx context.Context, executionID int64, rec NodeExecution) error

	// FinishExecution marks an execution terminal.
	FinishExecution(ctx context.Context, executionID int64, status Status, output map[string]interface{}, errorMessage string) error

	// Execution returns one execution by id, or ErrNotFound.
	Execution(ctx context.Context, executionID int64) (*Execution, error)

	// ListExecutions returns executions newest first, optionally filtered by
	// workflow id. A limit of 0 means no limit.
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]*Execution, error)

	// LoadVariables returns all variables stored under a scope.
	LoadVariables(ctx context.Context, scope string) (map[string]interface{}, error)

	// StoreVariable writes one variable under a scope.
	StoreVariable(ctx context.Context, scope, name string, value interface{}) error
}

// MemoryStore keeps executions and variables in process memory. It is the
// default store and the one dry runs are pointed at.
type MemoryStore struct {
	mu           sync.RWMutex
	nextID       int64
	executions   map[int64]*Execution
	order        []int64
	variables    map[string]map[string]interface{}
	historyLimit int
}

// NewMemoryStore creates an in-memory store keeping at most historyLimit
// executions; 0 keeps everything.
func NewMemoryStore(historyLimit int) *MemoryStore {
	return &MemoryStore{
		executions:   make(map[int64]*Execution),
		variables:    make(map[string]map[string]interface{}),
		historyLimit: historyLimit,
	}
}

// seed moves the id sequence forward, so throwaway dry-run stores hand out
// ids outside the persistent store's range.
func (s *MemoryStore) seed(next int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next > s.nextID {
		s.nextID = next
	}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *Execution) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	stored := exec.clone()
	stored.ID = s.nextID
	s.executions[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	s.prune()
	return stored.ID, nil
}

func (s *MemoryStore) AppendNodeExecution(ctx context.Context, executionID int64, rec NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	exec.NodeExecutions = append(exec.NodeExecutions, rec)
	return nil
}

func (s *MemoryStore) FinishExecution(ctx context.Context, executionID int64, status Status, output map[string]interface{}, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	now := nowUTC()
	exec.Status = status
	exec.FinishedAt = &now
	exec.OutputData = output
	exec.ErrorMessage = errorMessage
	return nil
}

func (s *MemoryStore) Execution(ctx context.Context, executionID int64) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return exec.clone(), nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Execution
	for i := len(s.order) - 1; i >= 0; i-- {
		exec := s.executions[s.order[i]]
		if workflowID != "" && exec.WorkflowID != workflowID {
			continue
		}
		out = append(out, exec.clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LoadVariables(ctx context.Context, scope string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vars := make(map[string]interface{}, len(s.variables[scope]))
	for k, v := range s.variables[scope] {
		vars[k] = v
	}
	return vars, nil
}

func (s *MemoryStore) StoreVariable(ctx context.Context, scope, name string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.variables[scope] == nil {
		s.variables[scope] = make(map[string]interface{})
	}
	s.variables[scope][name] = value
	return nil
}

// prune drops the oldest executions once the history limit is exceeded.
// Caller holds the lock.
func (s *MemoryStore) prune() {
	if s.historyLimit <= 0 {
		return
	}
	for len(s.order) > s.historyLimit {
		delete(s.executions, s.order[0])
		s.order = s.order[1:]
	}
}
