package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/genflow/pkg/schema"
)

// MemoryStore is a Store held in process memory. It keeps the same
// whole-record and stale-write semantics as LibSQLStore and stores clones,
// so callers never alias its contents.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*schema.Workflow
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*schema.Workflow)}
}

func (m *MemoryStore) SaveWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.recs[wf.ID]; ok && wf.UpdatedAt.Before(prev.UpdatedAt) {
		return nil
	}
	m.recs[wf.ID] = wf.Clone()
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.recs[id]
	if !ok {
		return nil, storeNotFound(id)
	}
	return wf.Clone(), nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.RLock()
	var out []*schema.Workflow
	for _, wf := range m.recs {
		if filter.match(wf) {
			out = append(out, wf.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return storeNotFound(id)
	}
	delete(m.recs, id)
	return nil
}

func (m *MemoryStore) PurgeTerminal(_ context.Context, before time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, wf := range m.recs {
		if wf.Status.IsTerminal() && wf.UpdatedAt.Before(before) {
			ids = append(ids, id)
			delete(m.recs, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }
