package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// MemoryStore хранит jobs в памяти процесса.
//
// История теряется при перезапуске. Значения копируются на входе
// и выходе, поэтому вызывающий не может изменить хранимый job.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*domain.Job
}

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*domain.Job)}
}

// Create реализует JobStore.
func (m *MemoryStore) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return ErrAlreadyExists
	}
	for _, j := range m.jobs {
		if j.Key == job.Key && !j.State.IsTerminal() {
			return ErrAlreadyExists
		}
	}

	clone := job.Clone()
	m.jobs[job.ID] = &clone
	return nil
}

// ApplyTransition реализует JobStore.
func (m *MemoryStore) ApplyTransition(_ context.Context, rec TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[rec.Job.ID]
	if !ok {
		return ErrNotFound
	}
	if job.State.IsTerminal() {
		return ErrInvalidState
	}

	job.State = rec.Job.State
	job.StartedAt = clonePtr(rec.Job.StartedAt)
	job.EndedAt = clonePtr(rec.Job.EndedAt)
	job.Error = rec.Job.Error
	job.Transitions = append(job.Transitions, rec.Transition)
	if rec.Stage != nil {
		job.Stages = append(job.Stages, rec.Stage.Clone())
	}
	job.Logs = append(job.Logs, rec.Logs...)
	return nil
}

// Get реализует JobStore.
func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := job.Clone()
	return &clone, nil
}

// List реализует JobStore.
func (m *MemoryStore) List(_ context.Context, filter JobFilter) ([]domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Job
	for _, j := range m.sorted() {
		if filter.matches(j) {
			out = append(out, header(j))
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListActive реализует JobStore.
func (m *MemoryStore) ListActive(_ context.Context) ([]domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Job
	for _, j := range m.sorted() {
		if !j.State.IsTerminal() {
			out = append(out, header(j))
		}
	}
	return out, nil
}

// Prune реализует JobStore.
func (m *MemoryStore) Prune(_ context.Context, policy RetentionPolicy) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var terminal []*domain.Job
	for _, j := range m.jobs {
		if j.State.IsTerminal() {
			terminal = append(terminal, j)
		}
	}
	// новые первыми
	sort.Slice(terminal, func(i, k int) bool {
		return endedAt(terminal[i]).After(endedAt(terminal[k]))
	})

	removed := 0
	for i, j := range terminal {
		expired := !policy.Before.IsZero() && endedAt(j).Before(policy.Before)
		overflow := policy.Keep > 0 && i >= policy.Keep
		if expired || overflow {
			delete(m.jobs, j.ID)
			removed++
		}
	}
	return removed, nil
}

// Len возвращает количество хранимых jobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

// sorted возвращает jobs, новые первыми. Вызывается под блокировкой.
func (m *MemoryStore) sorted() []*domain.Job {
	out := make([]*domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		return newer(*CursorOf(*out[i]), *CursorOf(*out[k]))
	})
	return out
}
