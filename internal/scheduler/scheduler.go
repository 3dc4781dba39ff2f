package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/jobs"
)

const defaultTickInterval = time.Second

// Source — источник объявленных расписаний.
// Реализация: *registry.Registry.
type Source interface {
	Schedules(ctx context.Context) []domain.Schedule
}

// Submitter допускает запуски.
// Реализация: *jobs.Manager.
type Submitter interface {
	SubmitRun(ctx context.Context, req jobs.RunRequest) (uuid.UUID, error)
}

// Scheduler запускает pipelines по расписаниям файла проекта.
//
// Состояние расписаний (следующий запуск, последний job) живёт в памяти
// и пересчитывается, если объявление расписания изменилось.
type Scheduler struct {
	source    Source
	submitter Submitter
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	states map[string]*state
}

// state — объявление расписания и его состояние выполнения.
type state struct {
	declared domain.Schedule
	sched    domain.Schedule
}

// Config — конфигурация Scheduler.
type Config struct {
	Source    Source
	Submitter Submitter

	// TickInterval — период проверки расписаний (default: 1s).
	TickInterval time.Duration

	Logger *slog.Logger
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		source:    cfg.Source,
		submitter: cfg.Submitter,
		interval:  interval,
		logger:    logger.With("component", "scheduler"),
		states:    make(map[string]*state),
	}
}

// Run вызывает Tick каждые TickInterval до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick_interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick запускает расписания, время которых подошло.
//
// Занятый pipeline не ставится в очередь: запуск пропускается с
// предупреждением и расписание сдвигается на следующее время.
// Ошибка одного расписания не мешает остальным.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sync(ctx, now)

	var due, submitted int
	for _, st := range s.states {
		sched := &st.sched
		if !sched.IsDue(now) {
			continue
		}
		due++

		next, err := CalculateNextDue(sched, now)
		if err != nil {
			s.logger.Error("failed to calculate next due, disabling schedule",
				"schedule_name", sched.Name,
				"error", err,
			)
			sched.Enabled = false
			continue
		}

		id, err := s.submitter.SubmitRun(ctx, jobs.RunRequest{
			Extractor:   sched.Extractor,
			Loader:      sched.Loader,
			Transformer: sched.Transformer,
			Connection:  sched.Connection,
		})
		switch {
		case err == nil:
			sched.RecordRun(id, next)
			submitted++
			s.logger.Info("scheduled run submitted",
				"schedule_name", sched.Name,
				"job_id", id,
				"next_due_at", next,
			)
		case errors.Is(err, jobs.ErrPipelineBusy):
			sched.Reschedule(next)
			s.logger.Warn("pipeline busy, skipping scheduled run",
				"schedule_name", sched.Name,
				"pipeline", sched.Key().String(),
				"next_due_at", next,
			)
		default:
			sched.Reschedule(next)
			s.logger.Error("failed to submit scheduled run",
				"schedule_name", sched.Name,
				"error", err,
			)
		}
	}

	if due > 0 {
		s.logger.Debug("scheduler tick completed", "due", due, "submitted", submitted)
	}
}

// sync приводит состояние в соответствие с объявленными расписаниями.
func (s *Scheduler) sync(ctx context.Context, now time.Time) {
	defs := s.source.Schedules(ctx)
	seen := make(map[string]bool, len(defs))

	for _, def := range defs {
		seen[def.Name] = true

		if cur, ok := s.states[def.Name]; ok && cur.declared == def {
			continue
		}

		sched := def
		if sched.Enabled {
			next, err := CalculateNextDue(&sched, now)
			if err != nil {
				s.logger.Error("invalid schedule", "schedule_name", def.Name, "error", err)
				sched.Enabled = false
			} else {
				sched.Reschedule(next)
			}
		}
		s.states[def.Name] = &state{declared: def, sched: sched}
		s.logger.Info("schedule loaded",
			"schedule_name", sched.Name,
			"pipeline", sched.Key().String(),
			"enabled", sched.Enabled,
			"next_due_at", sched.NextDueAt,
		)
	}

	for name := range s.states {
		if !seen[name] {
			delete(s.states, name)
			s.logger.Info("schedule removed", "schedule_name", name)
		}
	}
}

// Schedules возвращает текущее состояние расписаний, отсортированное по имени.
func (s *Scheduler) Schedules() []domain.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Schedule, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
