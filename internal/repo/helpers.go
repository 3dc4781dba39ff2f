package repo

import (
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// terminalStates — финальные состояния для SQL-фильтров.
var terminalStates = []string{
	string(domain.JobStateSucceeded),
	string(domain.JobStateFailed),
	string(domain.JobStateCancelled),
}

// header возвращает копию job без переходов, стадий и логов.
func header(j *domain.Job) domain.Job {
	h := *j
	h.StartedAt = clonePtr(j.StartedAt)
	h.EndedAt = clonePtr(j.EndedAt)
	h.Transitions = nil
	h.Stages = nil
	h.Logs = nil
	return h
}

func endedAt(j *domain.Job) time.Time {
	if j.EndedAt != nil {
		return *j.EndedAt
	}
	return j.CreatedAt
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullTime возвращает nil для нулевого времени.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
