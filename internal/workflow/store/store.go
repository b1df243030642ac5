// Package store persists workflow definitions. The engine never reads from
// it directly; the gateway loads a workflow here and hands it to the engine.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

var (
	// ErrNotFound is returned when no workflow has the requested id.
	ErrNotFound = errors.New("workflow not found")

	// ErrExists is returned when creating a workflow whose id is taken.
	ErrExists = errors.New("workflow already exists")
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	// Active filters on the active flag when set.
	Active *bool

	// TriggerType filters on the workflow's trigger type.
	TriggerType model.TriggerType

	// Limit caps the result count; 0 means no limit.
	Limit int
}

// Store is the workflow repository. Implementations must be safe for
// concurrent use.
type Store interface {
	// Create persists a new workflow, or ErrExists.
	Create(ctx context.Context, wf *model.Workflow) error

	// Update replaces a stored workflow, or ErrNotFound.
	Update(ctx context.Context, wf *model.Workflow) error

	// Get returns one workflow by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Workflow, error)

	// List returns workflows matching the filter, most recently updated
	// first.
	List(ctx context.Context, f Filter) ([]*model.Workflow, error)

	// Delete removes a workflow, or ErrNotFound.
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps workflows in process memory. It is the default store for
// development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*model.Workflow
}

// NewMemoryStore creates an empty in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*model.Workflow)}
}

func (s *MemoryStore) Create(ctx context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[wf.ID]; ok {
		return ErrExists
	}
	stored := cloneWorkflow(wf)
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.workflows[stored.ID] = stored
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.workflows[wf.ID]
	if !ok {
		return ErrNotFound
	}
	stored := cloneWorkflow(wf)
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	s.workflows[stored.ID] = stored
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWorkflow(wf), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		if !matches(wf, f) {
			continue
		}
		out = append(out, cloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(s.workflows, id)
	return nil
}

func matches(wf *model.Workflow, f Filter) bool {
	if f.Active != nil && wf.Active != *f.Active {
		return false
	}
	if f.TriggerType != "" && wf.TriggerType != f.TriggerType {
		return false
	}
	return true
}

// cloneWorkflow round-trips through the canonical codec so callers can never
// mutate stored state through shared maps.
func cloneWorkflow(wf *model.Workflow) *model.Workflow {
	data, err := model.Encode(wf)
	if err != nil {
		c := *wf
		return &c
	}
	cloned, err := model.Decode(data)
	if err != nil {
		c := *wf
		return &c
	}
	return cloned
}
