package repo

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// JobStore — хранилище jobs.
//
// Реализации: MemoryStore (только память, история теряется при
// перезапуске) и PostgresStore.
type JobStore interface {
	// Create сохраняет новый job в состоянии PENDING.
	// ErrAlreadyExists — job с таким ID уже есть, либо для ключа
	// pipeline уже есть нефинальный job.
	Create(ctx context.Context, job *domain.Job) error

	// ApplyTransition атомарно сохраняет переход: новое состояние job,
	// запись перехода, результат стадии (может быть nil) и строки лога.
	ApplyTransition(ctx context.Context, rec TransitionRecord) error

	// Get возвращает job со всеми переходами, стадиями и логами.
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// List возвращает заголовки jobs (без переходов, стадий и логов),
	// новые первыми.
	List(ctx context.Context, filter JobFilter) ([]domain.Job, error)

	// ListActive возвращает нефинальные jobs.
	ListActive(ctx context.Context) ([]domain.Job, error)

	// Prune удаляет финальные jobs по политике хранения.
	Prune(ctx context.Context, policy RetentionPolicy) (int, error)
}

// TransitionRecord — данные одного перехода для сохранения.
type TransitionRecord struct {
	// Job — снимок job после перехода (State, StartedAt, EndedAt, Error).
	Job domain.Job

	Transition domain.Transition
	Stage      *domain.StageResult
	Logs       []domain.LogLine
}

// JobFilter — параметры фильтрации jobs.
type JobFilter struct {
	State domain.JobState
	Key   *domain.PipelineKey
	Limit int

	// Before — вернуть jobs строго старше позиции. Nil — с начала списка.
	Before *Cursor
}

// Cursor — позиция job в списке (created_at, id), новые первыми.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// CursorOf возвращает позицию job в списке.
func CursorOf(j domain.Job) *Cursor {
	return &Cursor{CreatedAt: j.CreatedAt, ID: j.ID}
}

// newer сообщает, стоит ли a раньше b в списке.
func newer(a, b Cursor) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) > 0
}

// RetentionPolicy — политика хранения финальных jobs.
type RetentionPolicy struct {
	// Keep — сколько последних финальных jobs оставить. 0 — без ограничения.
	Keep int

	// Before — удалить финальные jobs, завершённые раньше. Нулевое — без ограничения.
	Before time.Time
}

// matches проверяет job на соответствие фильтру.
func (f JobFilter) matches(job *domain.Job) bool {
	if f.State != "" && job.State != f.State {
		return false
	}
	if f.Key != nil && job.Key != *f.Key {
		return false
	}
	if f.Before != nil && !newer(*f.Before, *CursorOf(*job)) {
		return false
	}
	return true
}
