package domain

import (
	"time"

	"github.com/google/uuid"
)

// Schedule — расписание автоматического запуска pipeline.
//
// Schedule позволяет запускать pipeline:
// - По cron-выражению: "0 9 * * *" (каждый день в 9:00)
// - По интервалу: каждые N секунд
//
// Расписания объявляются в файле проекта. Scheduler проверяет NextDueAt
// и отправляет запуск, когда время подошло.
type Schedule struct {
	// Name — имя расписания.
	Name string `json:"name"`

	// Extractor, Loader, Transformer — плагины pipeline.
	Extractor   string `json:"extractor"`
	Loader      string `json:"loader"`
	Transformer string `json:"transformer,omitempty"`

	// Connection — целевое подключение.
	Connection string `json:"connection,omitempty"`

	// CronExpr — cron-выражение.
	// Формат: "минуты часы дни месяцы дни_недели"
	// Если задан CronExpr, IntervalSec игнорируется.
	CronExpr string `json:"cron_expr,omitempty"`

	// IntervalSec — интервал в секундах между запусками.
	IntervalSec int `json:"interval_sec,omitempty"`

	// Timezone — часовой пояс для вычисления времени. По умолчанию: "UTC".
	Timezone string `json:"timezone,omitempty"`

	// Enabled — флаг активности расписания.
	Enabled bool `json:"enabled"`

	// NextDueAt — время следующего запуска.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// LastRunAt — время последнего запуска.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	// LastJobID — ID последнего созданного job.
	LastJobID *uuid.UUID `json:"last_job_id,omitempty"`
}

// Key возвращает ключ pipeline, который запускает расписание.
func (s *Schedule) Key() PipelineKey {
	return PipelineKey{Extractor: s.Extractor, Loader: s.Loader, Transformer: s.Transformer}
}

// IsCron возвращает true, если расписание использует cron-выражение.
func (s *Schedule) IsCron() bool {
	return s.CronExpr != ""
}

// IsInterval возвращает true, если расписание использует интервал.
func (s *Schedule) IsInterval() bool {
	return s.CronExpr == "" && s.IntervalSec > 0
}

// IsDue проверяет, пора ли запускать.
func (s *Schedule) IsDue(now time.Time) bool {
	if !s.Enabled || s.NextDueAt == nil {
		return false
	}
	return !now.Before(*s.NextDueAt)
}

// RecordRun записывает информацию о запуске.
func (s *Schedule) RecordRun(jobID uuid.UUID, nextDue time.Time) {
	now := time.Now()
	s.LastRunAt = &now
	s.LastJobID = &jobID
	s.NextDueAt = &nextDue
}

// Reschedule сдвигает NextDueAt без записи запуска.
func (s *Schedule) Reschedule(nextDue time.Time) {
	s.NextDueAt = &nextDue
}
