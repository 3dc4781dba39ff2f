package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/jobs"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/process"
	"github.com/shaiso/Conveyor/internal/registry"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/stage"
)

// Engine — движок, с которым работают команды CLI.
type Engine struct {
	Manager  *jobs.Manager
	Registry *registry.Registry

	rabbitURL string
	logger    *slog.Logger

	mu   sync.Mutex
	conn *mq.Connection
	pool *pgxpool.Pool
}

// NewEngine оборачивает готовые Manager и Registry.
func NewEngine(m *jobs.Manager, reg *registry.Registry) *Engine {
	return &Engine{Manager: m, Registry: reg, logger: slog.Default()}
}

// OpenEngine собирает движок из настроек окружения.
//
// С DB_URL история jobs хранится в PostgreSQL и видна между запусками CLI,
// без него job живёт только в памяти процесса. Осиротевшие jobs CLI не
// восстанавливает: рядом может работать conveyord.
func OpenEngine(ctx context.Context, rt config.Runtime, logger *slog.Logger) (*Engine, error) {
	reg, err := registry.New(registry.Config{Path: rt.ProjectFile, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open project: %w", err)
	}

	e := &Engine{Registry: reg, rabbitURL: rt.RabbitMQURL, logger: logger}

	var store repo.JobStore = repo.NewMemoryStore()
	if rt.DatabaseURL != "" {
		pool, err := repo.NewPool(ctx, rt.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pg := repo.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		e.pool = pool
		store = pg
	}

	if err := os.MkdirAll(rt.SpoolDir, 0o755); err != nil {
		e.Close()
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	executor := stage.NewExecutor(stage.Config{
		Runner:         process.NewRunner(process.Config{GracePeriod: rt.GracePeriod, Logger: logger}),
		DefaultTimeout: rt.StageTimeout,
		TempDir:        rt.SpoolDir,
		Logger:         logger,
	})

	e.Manager = jobs.New(jobs.Config{
		Registry: reg,
		Executor: executor,
		Store:    store,
		SpoolDir: rt.SpoolDir,
		Logger:   logger,
	})
	return e, nil
}

// Publisher возвращает издателя поверх RABBITMQ_URL.
// Соединение открывается при первом вызове.
func (e *Engine) Publisher(ctx context.Context) (*mq.Publisher, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rabbitURL == "" {
		return nil, ErrNoBroker
	}
	if e.conn == nil {
		conn, err := mq.NewConnection(e.rabbitURL, "conveyor-cli", e.logger)
		if err != nil {
			return nil, err
		}
		if err := mq.SetupTopology(ctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
		e.conn = conn
	}
	return mq.NewPublisher(e.conn, e.logger), nil
}

// Close останавливает выполняющиеся jobs и закрывает соединения.
func (e *Engine) Close() {
	if e.Manager != nil {
		e.Manager.Stop()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	if e.pool != nil {
		e.pool.Close()
		e.pool = nil
	}
}
