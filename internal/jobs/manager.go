package jobs

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/pipeline"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultJanitorInterval  = time.Minute
	defaultRecordRetryDelay = 500 * time.Millisecond
	maxRecordRetryDelay     = 30 * time.Second
	listPageSize            = 100
)

// PluginRegistry — источник плагинов и подключений.
// Реализация: *registry.Registry.
type PluginRegistry interface {
	List(ctx context.Context) []domain.Plugin
	ListInstalled(ctx context.Context) []domain.Plugin
	Resolve(ctx context.Context, name string, kind domain.PluginKind) (domain.Plugin, error)
	ListConnections(ctx context.Context) []domain.Connection
	Connection(ctx context.Context, name string) (domain.Connection, error)
}

// EventPublisher публикует переходы jobs во внешнюю систему.
// Реализация: *mq.Publisher.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, job domain.Job, t domain.Transition, stage *domain.StageResult) error
}

// RunRequest — запрос на запуск pipeline.
type RunRequest struct {
	Extractor   string `json:"extractor,omitempty"`
	Loader      string `json:"loader,omitempty"`
	Transformer string `json:"transformer,omitempty"`

	// Connection — имя подключения. Пустое — подключение по умолчанию.
	Connection string `json:"connection,omitempty"`
}

// JobFilter — параметры выборки истории jobs.
type JobFilter struct {
	State domain.JobState
	Key   *domain.PipelineKey

	// Limit — максимум jobs в последовательности. 0 — без ограничения.
	Limit int
}

// Manager владеет выполняющимися и историческими jobs.
//
// Manager допускает не более одного нефинального job на ключ pipeline,
// запускает каждый допущенный job в отдельной горутине и отвечает на
// запросы состояния. Job изменяется только своим pipeline.Run.
type Manager struct {
	registry  PluginRegistry
	executor  pipeline.StageRunner
	store     repo.JobStore
	publisher EventPublisher
	metrics   *telemetry.Metrics

	spoolDir        string
	maxLogLines     int
	retainJobs      int
	retainFor       time.Duration
	janitorInterval time.Duration
	retryDelay      time.Duration

	// Active — ключ pipeline → ID нефинального job
	mu      sync.RWMutex
	active  map[domain.PipelineKey]uuid.UUID
	runs    map[uuid.UUID]*entry
	stopped bool

	// Lifecycle
	logger     *slog.Logger
	runCtx     context.Context
	runCancel  context.CancelFunc
	cancelFunc context.CancelFunc
	runsWG     sync.WaitGroup
	wg         sync.WaitGroup
}

// entry — выполняющийся job.
type entry struct {
	run *pipeline.Run

	// done закрывается после освобождения ключа pipeline.
	done chan struct{}

	// unsynced — последний переход не записан в хранилище.
	unsynced atomic.Bool
}

// Config — конфигурация Manager.
type Config struct {
	Registry PluginRegistry
	Executor pipeline.StageRunner

	// Store — хранилище истории (default: repo.MemoryStore).
	Store repo.JobStore

	// Publisher — публикация событий (опционально).
	Publisher EventPublisher

	Metrics *telemetry.Metrics

	// SpoolDir — каталог потоков записей (default: os.TempDir()).
	SpoolDir string

	// MaxLogLines — строк лога в памяти на job (default: logbuf).
	MaxLogLines int

	// Retention: 0 — без ограничения
	RetainJobs int
	RetainFor  time.Duration

	// JanitorInterval — интервал очистки истории (default: 1m).
	JanitorInterval time.Duration

	// RecordRetryDelay — первая пауза перед повторной записью
	// финального состояния, удваивается до 30s (default: 500ms).
	RecordRetryDelay time.Duration

	Logger *slog.Logger
}

// New создаёт новый Manager.
func New(cfg Config) *Manager {
	store := cfg.Store
	if store == nil {
		store = repo.NewMemoryStore()
	}

	spoolDir := cfg.SpoolDir
	if spoolDir == "" {
		spoolDir = os.TempDir()
	}

	interval := cfg.JanitorInterval
	if interval <= 0 {
		interval = defaultJanitorInterval
	}

	retryDelay := cfg.RecordRetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRecordRetryDelay
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	return &Manager{
		registry:        cfg.Registry,
		executor:        cfg.Executor,
		store:           store,
		publisher:       cfg.Publisher,
		metrics:         cfg.Metrics,
		spoolDir:        spoolDir,
		maxLogLines:     cfg.MaxLogLines,
		retainJobs:      cfg.RetainJobs,
		retainFor:       cfg.RetainFor,
		janitorInterval: interval,
		retryDelay:      retryDelay,
		active:          make(map[domain.PipelineKey]uuid.UUID),
		runs:            make(map[uuid.UUID]*entry),
		logger:          logger,
		runCtx:          runCtx,
		runCancel:       runCancel,
	}
}

// --- Submission ---

// SubmitRun допускает запуск pipeline и возвращает ID job.
//
// Плагины и подключение разрешаются до проверки занятости, поэтому
// ошибка разрешения не создаёт job и не занимает ключ. Для занятого
// ключа возвращает ErrPipelineBusy сразу, без очереди.
func (m *Manager) SubmitRun(ctx context.Context, req RunRequest) (uuid.UUID, error) {
	plan, err := m.plan(ctx, req)
	if err != nil {
		m.metrics.Submitted(submitResult(err))
		m.logger.Info("run rejected",
			"extractor", req.Extractor,
			"loader", req.Loader,
			"transformer", req.Transformer,
			"error", err,
		)
		return uuid.Nil, err
	}

	key := plan.Key()
	job := domain.Job{
		ID:         uuid.New(),
		Key:        key,
		Connection: plan.Connection.Name,
		State:      domain.JobStatePending,
		CreatedAt:  time.Now(),
	}
	logger := telemetry.WithPipeline(telemetry.WithJobID(m.logger, job.ID.String()), key.String())

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return uuid.Nil, ErrStopped
	}
	if owner, busy := m.active[key]; busy {
		m.mu.Unlock()
		m.metrics.Submitted(telemetry.SubmitBusy)
		logger.Info("pipeline busy", "active_job_id", owner)
		return uuid.Nil, fmt.Errorf("%w: %s has active job %s", ErrPipelineBusy, key, owner)
	}
	m.active[key] = job.ID
	m.runsWG.Add(1)
	m.mu.Unlock()

	if err := m.store.Create(ctx, &job); err != nil {
		m.release(key, job.ID)
		m.runsWG.Done()
		if errors.Is(err, repo.ErrAlreadyExists) {
			m.metrics.Submitted(telemetry.SubmitBusy)
			logger.Info("pipeline busy in store")
			return uuid.Nil, fmt.Errorf("%w: %s", ErrPipelineBusy, key)
		}
		m.metrics.Submitted(telemetry.SubmitError)
		logger.Error("failed to persist job", "error", err)
		return uuid.Nil, fmt.Errorf("create job: %w", err)
	}

	e := &entry{
		run: pipeline.NewRun(pipeline.RunConfig{
			Job:         job,
			Plan:        plan,
			Executor:    m.executor,
			Recorder:    m,
			SpoolDir:    m.spoolDir,
			MaxLogLines: m.maxLogLines,
			Logger:      m.logger,
		}),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.runs[job.ID] = e
	m.mu.Unlock()

	m.metrics.Submitted(telemetry.SubmitAdmitted)
	m.metrics.JobStarted()
	logger.Info("job admitted", "connection", job.Connection)

	go m.execute(e)
	return job.ID, nil
}

// RunExtract запускает только extractor.
func (m *Manager) RunExtract(ctx context.Context, extractor string) (uuid.UUID, error) {
	return m.SubmitRun(ctx, RunRequest{Extractor: extractor})
}

// RunLoad запускает extractor и loader в подключение по умолчанию.
func (m *Manager) RunLoad(ctx context.Context, extractor, loader string) (uuid.UUID, error) {
	return m.SubmitRun(ctx, RunRequest{Extractor: extractor, Loader: loader})
}

// RunTransform запускает только transformer (модель) над подключением.
func (m *Manager) RunTransform(ctx context.Context, model, connection string) (uuid.UUID, error) {
	return m.SubmitRun(ctx, RunRequest{Transformer: model, Connection: connection})
}

// RunPipeline запускает полный pipeline.
func (m *Manager) RunPipeline(ctx context.Context, req RunRequest) (uuid.UUID, error) {
	return m.SubmitRun(ctx, req)
}

// plan разрешает плагины и подключение запроса.
func (m *Manager) plan(ctx context.Context, req RunRequest) (pipeline.Plan, error) {
	var plan pipeline.Plan

	resolve := func(name string, kind domain.PluginKind) (*domain.Plugin, error) {
		if name == "" {
			return nil, nil
		}
		p, err := m.registry.Resolve(ctx, name, kind)
		if err != nil {
			return nil, err
		}
		return &p, nil
	}

	var err error
	if plan.Extractor, err = resolve(req.Extractor, domain.PluginExtractor); err != nil {
		return plan, err
	}
	if plan.Loader, err = resolve(req.Loader, domain.PluginLoader); err != nil {
		return plan, err
	}
	if plan.Transformer, err = resolve(req.Transformer, domain.PluginTransformer); err != nil {
		return plan, err
	}

	if err := plan.Validate(); err != nil {
		return plan, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	// extractor без loader не пишет в подключение
	if plan.Loader != nil || plan.Transformer != nil || req.Connection != "" {
		conn, err := m.registry.Connection(ctx, req.Connection)
		if err != nil {
			return plan, err
		}
		plan.Connection = conn
	}
	return plan, nil
}

func submitResult(err error) string {
	switch {
	case errors.Is(err, ErrPluginNotFound), errors.Is(err, ErrConnectionNotFound):
		return telemetry.SubmitPluginNotFound
	case errors.Is(err, ErrInvalidRequest):
		return telemetry.SubmitInvalid
	default:
		return telemetry.SubmitError
	}
}

// execute выполняет job до финального состояния и освобождает ключ.
func (m *Manager) execute(e *entry) {
	defer m.runsWG.Done()
	defer close(e.done)

	job, err := e.run.Execute(m.runCtx)
	if err != nil {
		m.logger.Error("job execution aborted",
			"job_id", e.run.ID(),
			"error", err,
		)
		job = e.run.Snapshot()
	}

	// ключ занят, пока хранилище не подтвердит финальное состояние
	if e.unsynced.Load() {
		m.settle(job)
	}

	m.release(e.run.Key(), e.run.ID())

	m.mu.Lock()
	delete(m.runs, e.run.ID())
	m.mu.Unlock()

	m.metrics.JobFinished(string(job.State))
}

// release освобождает ключ, если он всё ещё принадлежит jobID.
func (m *Manager) release(key domain.PipelineKey, jobID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[key] == jobID {
		delete(m.active, key)
	}
}

// settle повторяет запись финального состояния job с нарастающей паузой.
//
// Пишется только сам переход: логи и результаты стадий уже не удалось
// записать. Повторы прекращаются при остановке Manager; тогда job
// переведёт в FAILED восстановление при следующем запуске.
func (m *Manager) settle(job domain.Job) {
	if !job.State.IsTerminal() || len(job.Transitions) == 0 {
		return
	}
	rec := repo.TransitionRecord{
		Job:        job,
		Transition: job.Transitions[len(job.Transitions)-1],
	}
	rec.Job.Logs, rec.Job.Stages = nil, nil

	delay := m.retryDelay
	for attempt := 1; ; attempt++ {
		err := m.store.ApplyTransition(context.Background(), rec)
		if err == nil {
			m.logger.Info("terminal state recorded",
				"job_id", job.ID,
				"state", job.State,
				"attempts", attempt,
			)
			return
		}
		if !retryable(err) {
			return
		}

		m.logger.Warn("failed to record terminal state, retrying",
			"job_id", job.ID,
			"state", job.State,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-m.runCtx.Done():
			m.logger.Error("terminal state not recorded",
				"job_id", job.ID,
				"state", job.State,
				"error", err,
			)
			return
		}
		delay = min(delay*2, maxRecordRetryDelay)
	}
}

// persist записывает переход. Если хранилище отвергает запись целиком,
// переход повторяется без логов, затем без результата стадии: состояние
// job важнее сопутствующих данных.
func (m *Manager) persist(ctx context.Context, rec repo.TransitionRecord) error {
	err := m.store.ApplyTransition(ctx, rec)
	if len(rec.Logs) > 0 && retryable(err) {
		m.logger.Warn("failed to record transition, retrying without logs",
			"job_id", rec.Job.ID,
			"state", rec.Transition.To,
			"lines", len(rec.Logs),
			"error", err,
		)
		rec.Logs = nil
		err = m.store.ApplyTransition(ctx, rec)
	}
	if rec.Stage != nil && retryable(err) {
		m.logger.Warn("failed to record transition, retrying without stage result",
			"job_id", rec.Job.ID,
			"state", rec.Transition.To,
			"error", err,
		)
		rec.Stage = nil
		err = m.store.ApplyTransition(ctx, rec)
	}
	return err
}

// retryable — ошибка записи, которую имеет смысл повторить.
func retryable(err error) bool {
	return err != nil && !errors.Is(err, repo.ErrNotFound) && !errors.Is(err, repo.ErrInvalidState)
}

// Record реализует pipeline.Recorder.
func (m *Manager) Record(ctx context.Context, ev pipeline.Event) error {
	err := m.persist(ctx, repo.TransitionRecord{
		Job:        ev.Job,
		Transition: ev.Transition,
		Stage:      ev.Stage,
		Logs:       ev.Logs,
	})
	if e, ok := m.live(ev.Job.ID); ok {
		e.unsynced.Store(retryable(err))
	}

	if ev.Stage != nil {
		m.metrics.StageObserved(
			string(ev.Stage.Stage),
			string(ev.Stage.Outcome.Kind),
			time.Duration(ev.Stage.DurationMs)*time.Millisecond,
		)
	}

	if m.publisher != nil {
		if perr := m.publisher.PublishJobEvent(ctx, ev.Job, ev.Transition, ev.Stage); perr != nil {
			m.logger.Warn("failed to publish job event",
				"job_id", ev.Job.ID,
				"state", ev.Transition.To,
				"error", perr,
			)
		}
	}

	if err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}
	return nil
}

// --- Queries ---

// live возвращает выполняющийся job.
func (m *Manager) live(id uuid.UUID) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.runs[id]
	return e, ok
}

// stored читает job из хранилища.
func (m *Manager) stored(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := m.store.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		m.logger.Error("failed to load job", "job_id", id, "error", err)
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetJob возвращает снимок job.
func (m *Manager) GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	if e, ok := m.live(id); ok {
		return e.run.Snapshot(), nil
	}
	job, err := m.stored(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	return *job, nil
}

// ListJobs возвращает историю jobs, новые первыми.
//
// Последовательность конечна и перезапускаема: каждый обход заново
// читает хранилище страницами от позиции последнего отданного job,
// поэтому jobs, созданные во время обхода, не сдвигают страницы.
// Элементы — заголовки без стадий и логов.
func (m *Manager) ListJobs(ctx context.Context, filter JobFilter) iter.Seq2[domain.Job, error] {
	return func(yield func(domain.Job, error) bool) {
		var cursor *repo.Cursor
		seen := 0
		for {
			size := listPageSize
			if filter.Limit > 0 {
				size = min(size, filter.Limit-seen)
			}
			if size <= 0 {
				return
			}

			page, err := m.store.List(ctx, repo.JobFilter{
				State:  filter.State,
				Key:    filter.Key,
				Limit:  size,
				Before: cursor,
			})
			if err != nil {
				yield(domain.Job{}, fmt.Errorf("list jobs: %w", err))
				return
			}

			for _, job := range page {
				if !yield(job, nil) {
					return
				}
				seen++
			}
			if len(page) < size {
				return
			}
			cursor = repo.CursorOf(page[len(page)-1])
		}
	}
}

// CancelJob запрашивает отмену job.
//
// Возвращает ErrInvalidState для финального job. Повторная отмена
// нефинального job допустима и ничего не меняет. Переход в CANCELLED
// происходит после фактического завершения процесса стадии.
func (m *Manager) CancelJob(ctx context.Context, id uuid.UUID) error {
	if e, ok := m.live(id); ok {
		if !e.run.Cancel() {
			return fmt.Errorf("%w: job %s already finished", ErrInvalidState, id)
		}
		m.logger.Info("job cancellation requested", "job_id", id)
		return nil
	}

	job, err := m.stored(ctx, id)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, job.State)
	}
	return fmt.Errorf("%w: job %s is not running in this process", ErrInvalidState, id)
}

// StreamLog возвращает строки лога job.
//
// Для выполняющегося job последовательность следует за выводом до
// финального состояния. Каждый наблюдатель читает тот же буфер своим
// курсором. Для завершённого job отдаются сохранённые строки.
func (m *Manager) StreamLog(ctx context.Context, id uuid.UUID) (iter.Seq[domain.LogLine], error) {
	if e, ok := m.live(id); ok {
		return e.run.Log().Follow(ctx, 0), nil
	}
	job, err := m.stored(ctx, id)
	if err != nil {
		return nil, err
	}
	return slices.Values(job.Logs), nil
}

// Wait блокируется до финального состояния job и возвращает его снимок.
func (m *Manager) Wait(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	if e, ok := m.live(id); ok {
		select {
		case <-e.done:
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		}
	}
	return m.GetJob(ctx, id)
}

// ListPlugins возвращает установленные плагины, а с all — все объявленные.
func (m *Manager) ListPlugins(ctx context.Context, all bool) []domain.Plugin {
	if all {
		return m.registry.List(ctx)
	}
	return m.registry.ListInstalled(ctx)
}

// ListConnections возвращает объявленные подключения.
func (m *Manager) ListConnections(ctx context.Context) []domain.Connection {
	return m.registry.ListConnections(ctx)
}

// ActiveCount возвращает количество выполняющихся jobs.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}
