package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/pipeline"
	"github.com/shaiso/Conveyor/internal/repo"
)

// Start восстанавливает осиротевшие jobs и запускает очистку истории.
//
// Нефинальные jobs в хранилище, которые не выполняются этим процессом,
// остались от упавшего процесса и переводятся в FAILED.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancelFunc = cancel

	recovered, err := m.recoverOrphans(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("recover jobs: %w", err)
	}

	m.logger.Info("starting job manager",
		"recovered_jobs", recovered,
		"retain_jobs", m.retainJobs,
		"retain_for", m.retainFor,
		"janitor_interval", m.janitorInterval,
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.janitorLoop(ctx)
	}()

	return nil
}

// Stop прекращает допуск, отменяет выполняющиеся jobs и ждёт их
// перехода в финальное состояние.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	active := len(m.runs)
	m.mu.Unlock()

	m.logger.Info("stopping job manager...", "active_jobs", active)

	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	m.runCancel()

	m.runsWG.Wait()
	m.wg.Wait()

	m.logger.Info("job manager stopped")
}

// recoverOrphans переводит в FAILED нефинальные jobs без владельца.
func (m *Manager) recoverOrphans(ctx context.Context) (int, error) {
	orphans, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range orphans {
		if _, ok := m.live(job.ID); ok {
			continue
		}
		if err := m.failOrphan(ctx, job); err != nil {
			m.logger.Warn("failed to recover job",
				"job_id", job.ID,
				"state", job.State,
				"error", err,
			)
			continue
		}
		m.logger.Warn("recovered orphaned job",
			"job_id", job.ID,
			"pipeline", job.Key.String(),
			"state", job.State,
		)
		recovered++
	}
	return recovered, nil
}

func (m *Manager) failOrphan(ctx context.Context, job domain.Job) error {
	if err := pipeline.ValidateTransition(job.State, domain.JobStateFailed); err != nil {
		return err
	}

	now := time.Now()
	rec := repo.TransitionRecord{
		Transition: domain.Transition{From: job.State, To: domain.JobStateFailed, At: now},
	}

	// процесс стадии потерян вместе с упавшим процессом
	if kind, ok := stageOf(job.State); ok {
		rec.Stage = &domain.StageResult{
			Stage:  kind,
			Plugin: pluginOf(job.Key, kind),
			Outcome: domain.ExitOutcome{
				Kind:   domain.OutcomeSignalTerminated,
				Reason: pipeline.ReasonOrphaned,
			},
			EndedAt: now,
		}
	}

	job.State = domain.JobStateFailed
	job.EndedAt = &now
	job.Error = pipeline.ReasonOrphaned
	rec.Job = job

	return m.store.ApplyTransition(ctx, rec)
}

// stageOf возвращает стадию, которой соответствует состояние.
func stageOf(state domain.JobState) (domain.StageKind, bool) {
	for _, k := range []domain.StageKind{domain.StageExtract, domain.StageLoad, domain.StageTransform} {
		if k.State() == state {
			return k, true
		}
	}
	return "", false
}

func pluginOf(key domain.PipelineKey, kind domain.StageKind) string {
	switch kind {
	case domain.StageExtract:
		return key.Extractor
	case domain.StageLoad:
		return key.Loader
	default:
		return key.Transformer
	}
}

// --- Retention ---

// janitorLoop периодически удаляет старые финальные jobs.
func (m *Manager) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(m.janitorInterval)
	defer ticker.Stop()

	m.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Prune(ctx)
		}
	}
}

// Prune применяет политику хранения к истории и возвращает число удалённых jobs.
func (m *Manager) Prune(ctx context.Context) int {
	if m.retainJobs <= 0 && m.retainFor <= 0 {
		return 0
	}

	policy := repo.RetentionPolicy{Keep: m.retainJobs}
	if m.retainFor > 0 {
		policy.Before = time.Now().Add(-m.retainFor)
	}

	removed, err := m.store.Prune(ctx, policy)
	if err != nil {
		m.logger.Error("failed to prune jobs", "error", err)
		return 0
	}
	if removed > 0 {
		m.logger.Info("pruned finished jobs", "count", removed)
	}
	return removed
}
