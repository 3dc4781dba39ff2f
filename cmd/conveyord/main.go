// Conveyord — долгоживущий процесс Conveyor.
//
// Conveyord:
//   - Выполняет pipelines через Job Manager и восстанавливает jobs после падения
//   - Запускает pipelines по расписаниям файла проекта
//   - Принимает запросы на запуск из runs.requested и публикует переходы jobs
//     (если задан RABBITMQ_URL)
//   - Отдаёт /healthz и /metrics
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/jobs"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/process"
	"github.com/shaiso/Conveyor/internal/registry"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/stage"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

var startTime = time.Now()

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyord")

	if err := run(logger); err != nil {
		logger.Error("conveyord failed", "error", err)
		os.Exit(1)
	}
	logger.Info("conveyord stopped")
}

func run(logger *slog.Logger) error {
	rt, err := config.LoadRuntime()
	if err != nil {
		return err
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg, err := registry.New(registry.Config{Path: rt.ProjectFile, Logger: logger})
	if err != nil {
		return fmt.Errorf("open project: %w", err)
	}

	// Хранилище jobs
	var store repo.JobStore
	if rt.DatabaseURL != "" {
		pool, err := repo.NewPool(ctx, rt.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		pg := repo.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		store = pg
		logger.Info("database connected")
	} else {
		store = repo.NewMemoryStore()
		logger.Warn("DB_URL is not set, job history is kept in memory only")
	}

	// RabbitMQ
	var mqConn *mq.Connection
	var publisher jobs.EventPublisher
	if rt.RabbitMQURL != "" {
		mqConn, err = mq.NewConnection(rt.RabbitMQURL, "conveyord", logger)
		if err != nil {
			return err
		}
		defer mqConn.Close()

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			return err
		}
		publisher = mq.NewPublisher(mqConn, logger)
		logger.Info("RabbitMQ connected", "topology", mq.TopologyInfo())
	}

	if err := os.MkdirAll(rt.SpoolDir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}

	executor := stage.NewExecutor(stage.Config{
		Runner:         process.NewRunner(process.Config{GracePeriod: rt.GracePeriod, Logger: logger}),
		DefaultTimeout: rt.StageTimeout,
		TempDir:        rt.SpoolDir,
		Logger:         logger,
	})

	manager := jobs.New(jobs.Config{
		Registry:   reg,
		Executor:   executor,
		Store:      store,
		Publisher:  publisher,
		Metrics:    telemetry.NewMetrics(prometheus.DefaultRegisterer),
		SpoolDir:   rt.SpoolDir,
		RetainJobs: rt.RetainJobs,
		RetainFor:  rt.RetainFor,
		Logger:     logger,
	})
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	g, gctx := errgroup.WithContext(ctx)

	sched := scheduler.New(scheduler.Config{
		Source:    reg,
		Submitter: manager,
		Logger:    logger,
	})
	g.Go(func() error { return sched.Run(gctx) })

	if mqConn != nil {
		consumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
			Queue:   mq.QueueRunsRequested,
			Handler: manager.HandleRunRequested,
		})
		g.Go(func() error {
			if err := consumer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if mqConn != nil && !mqConn.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "rabbitmq disconnected")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s active_jobs=%d\n", time.Since(startTime).Round(time.Second), manager.ActiveCount())
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + rt.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
