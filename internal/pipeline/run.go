package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/logbuf"
	"github.com/shaiso/Conveyor/internal/stage"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Причины завершения, которые попадают в Job.Error.
const (
	ReasonCancelled        = "cancelled by request"
	ReasonCancelledPending = "cancelled before start"
	ReasonShutdown         = "orchestrator shutting down"
	ReasonOrphaned         = "orchestrator restarted"
)

// StageRunner выполняет одну стадию.
// Реализация: *stage.Executor.
type StageRunner interface {
	Run(ctx context.Context, req stage.Request) (domain.StageResult, error)
}

// Event — зафиксированный переход job.
type Event struct {
	// Job — снимок job после перехода (без логов).
	Job domain.Job

	// Transition — сам переход.
	Transition domain.Transition

	// Stage — результат стадии, добавленный переходом (nil для допуска).
	Stage *domain.StageResult

	// Logs — строки лога, появившиеся с предыдущего перехода.
	Logs []domain.LogLine
}

// Recorder сохраняет и публикует переходы job.
// Реализация: jobs.Manager.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Run — выполнение одного job.
//
// Run владеет job: все изменения job происходят только здесь.
// Execute выполняет стадии последовательно в вызывающей горутине;
// Snapshot и Cancel безопасны из любых горутин.
type Run struct {
	plan     Plan
	executor StageRunner
	recorder Recorder
	spoolDir string
	logger   *slog.Logger

	log *logbuf.Buffer

	mu              sync.RWMutex
	job             domain.Job
	started         bool
	cancelRequested bool
	cancel          context.CancelFunc
	flushed         int64

	done chan struct{}
}

// RunConfig — конфигурация Run.
type RunConfig struct {
	// Job — job в состоянии PENDING.
	Job domain.Job

	Plan     Plan
	Executor StageRunner
	Recorder Recorder

	// SpoolDir — каталог для потока записей extractor'а.
	SpoolDir string

	// MaxLogLines — сколько строк лога держать в памяти.
	MaxLogLines int

	Logger *slog.Logger
}

// NewRun создаёт Run для job в состоянии PENDING.
func NewRun(cfg RunConfig) *Run {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	job := cfg.Job.Clone()
	if job.State == "" {
		job.State = domain.JobStatePending
	}

	return &Run{
		plan:     cfg.Plan,
		executor: cfg.Executor,
		recorder: cfg.Recorder,
		spoolDir: cfg.SpoolDir,
		logger:   telemetry.WithPipeline(telemetry.WithJobID(logger, job.ID.String()), job.Key.String()),
		log:      logbuf.New(cfg.MaxLogLines),
		job:      job,
		done:     make(chan struct{}),
	}
}

// ID возвращает идентификатор job.
func (r *Run) ID() uuid.UUID {
	return r.job.ID
}

// Key возвращает ключ pipeline.
func (r *Run) Key() domain.PipelineKey {
	return r.job.Key
}

// Log возвращает буфер лога job.
func (r *Run) Log() *logbuf.Buffer {
	return r.log
}

// Done закрывается, когда job достиг финального состояния.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// State возвращает текущее состояние.
func (r *Run) State() domain.JobState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.job.State
}

// Snapshot возвращает копию job вместе с хранимыми строками лога.
func (r *Run) Snapshot() domain.Job {
	r.mu.RLock()
	job := r.job.Clone()
	r.mu.RUnlock()

	job.Logs = r.log.Snapshot()
	return job
}

// Cancel запрашивает отмену job.
//
// Отмена кооперативная: выполняющаяся стадия останавливается через
// process.Runner, переход в CANCELLED происходит только после
// фактического завершения процесса. Возвращает false, если job уже
// в финальном состоянии. Повторный вызов ничего не меняет.
func (r *Run) Cancel() bool {
	r.mu.Lock()
	if r.job.State.IsTerminal() {
		r.mu.Unlock()
		return false
	}
	already := r.cancelRequested
	r.cancelRequested = true
	cancel := r.cancel
	r.mu.Unlock()

	if !already {
		r.logger.Info("cancellation requested")
		r.log.Append("", domain.LogSourceSystem, "cancellation requested", time.Now())
	}
	if cancel != nil {
		cancel()
	}
	return true
}

func (r *Run) isCancelRequested() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelRequested
}

// Execute проводит job через стадии плана и возвращает финальный снимок.
//
// Отмена ctx (остановка процесса conveyor) завершает job в CANCELLED
// так же, как Cancel.
func (r *Run) Execute(ctx context.Context) (domain.Job, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return domain.Job{}, ErrAlreadyStarted
	}
	r.started = true
	r.cancel = cancel
	cancelled := r.cancelRequested
	r.mu.Unlock()

	// Запись переходов не должна прерываться отменой стадии
	recCtx := context.WithoutCancel(ctx)

	defer close(r.done)
	defer r.log.Close()

	if cancelled {
		r.transition(recCtx, domain.JobStateCancelled, nil, ReasonCancelledPending)
		return r.Snapshot(), nil
	}

	if err := r.plan.Validate(); err != nil {
		r.transition(recCtx, domain.JobStateFailed, nil, err.Error())
		return r.Snapshot(), nil
	}

	var spool *stage.Spool
	if r.plan.Extractor != nil {
		s, err := stage.CreateSpool(r.spoolDir, r.job.ID)
		if err != nil {
			r.logger.Error("failed to create spool", "error", err)
			r.transition(recCtx, domain.JobStateFailed, nil, err.Error())
			return r.Snapshot(), nil
		}
		spool = s
		defer func() {
			if err := spool.Remove(); err != nil {
				r.logger.Warn("failed to remove spool", "error", err)
			}
		}()
	}

	r.logger.Info("job started", "stages", len(r.plan.Stages()))

	var prev *domain.StageResult
	for _, step := range r.plan.Stages() {
		if r.isCancelRequested() {
			r.transition(recCtx, domain.JobStateCancelled, prev, ReasonCancelled)
			return r.Snapshot(), nil
		}

		if err := r.transition(recCtx, step.Kind.State(), prev, ""); err != nil {
			return r.Snapshot(), err
		}

		req := stage.Request{
			JobID:      r.job.ID,
			Kind:       step.Kind,
			Plugin:     step.Plugin,
			Connection: r.plan.Connection,
			Log:        r.log,
		}
		switch step.Kind {
		case domain.StageExtract:
			req.Output = spool
		case domain.StageLoad:
			req.Input = spool
		}

		res, err := r.executor.Run(runCtx, req)
		if err != nil {
			var sfe *stage.StageFailedError
			if !errors.As(err, &sfe) {
				// стадию не удалось даже подготовить
				now := time.Now()
				res = domain.StageResult{
					Stage:     step.Kind,
					Plugin:    step.Plugin.Name,
					Outcome:   domain.ExitOutcome{Kind: domain.OutcomeLaunchFailed, Reason: err.Error()},
					StartedAt: now,
					EndedAt:   now,
					LogFrom:   r.log.Next(),
					LogTo:     r.log.Next(),
				}
				err = &stage.StageFailedError{Stage: step.Kind, Plugin: step.Plugin.Name, Outcome: res.Outcome}
			}

			if res.Outcome.Kind == domain.OutcomeCancelled {
				reason := ReasonCancelled
				if !r.isCancelRequested() {
					reason = ReasonShutdown
				}
				r.transition(recCtx, domain.JobStateCancelled, &res, reason)
				return r.Snapshot(), nil
			}

			r.transition(recCtx, domain.JobStateFailed, &res, err.Error())
			return r.Snapshot(), nil
		}

		prev = &res
	}

	r.transition(recCtx, domain.JobStateSucceeded, prev, "")
	return r.Snapshot(), nil
}

// transition выполняет переход, добавляя результат стадии, и записывает его.
func (r *Run) transition(ctx context.Context, to domain.JobState, result *domain.StageResult, reason string) error {
	r.mu.Lock()

	from := r.job.State
	if err := ValidateTransition(from, to); err != nil {
		r.mu.Unlock()
		r.logger.Error("rejected transition", "from", from, "to", to, "error", err)
		return err
	}
	if stageResultRequired(from) != (result != nil) {
		r.mu.Unlock()
		err := fmt.Errorf("%w: %s -> %s without matching stage result", ErrInvalidTransition, from, to)
		r.logger.Error("rejected transition", "error", err)
		return err
	}

	now := time.Now()
	t := domain.Transition{From: from, To: to, At: now}

	r.job.State = to
	r.job.Transitions = append(r.job.Transitions, t)
	if result != nil {
		r.job.Stages = append(r.job.Stages, result.Clone())
	}
	if from == domain.JobStatePending && !to.IsTerminal() {
		r.job.StartedAt = &now
	}
	if to.IsTerminal() {
		r.job.EndedAt = &now
		r.job.Error = reason
	}
	snap := r.job.Clone()
	r.mu.Unlock()

	text := fmt.Sprintf("state %s -> %s", from, to)
	if reason != "" {
		text += ": " + reason
	}
	r.log.Append("", domain.LogSourceSystem, text, now)

	next := r.log.Next()
	logs := r.log.Range(r.flushed, next)
	r.flushed = next

	if to.IsTerminal() {
		r.logger.Info("job finished",
			"state", to,
			"error", reason,
		)
	} else {
		r.logger.Debug("job transition", "from", from, "to", to)
	}

	if r.recorder != nil {
		ev := Event{Job: snap, Transition: t, Stage: result, Logs: logs}
		if err := r.recorder.Record(ctx, ev); err != nil {
			r.logger.Error("failed to record transition",
				"from", from,
				"to", to,
				"error", err,
			)
		}
	}

	return nil
}
