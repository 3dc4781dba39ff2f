package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/logbuf"
	"github.com/shaiso/Conveyor/internal/process"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultStageTimeout = 2 * time.Hour
	defaultTailLines    = 20
)

// Переменные окружения, которые получает каждый плагин.
const (
	EnvJobID          = "CONVEYOR_JOB_ID"
	EnvStage          = "CONVEYOR_STAGE"
	EnvPlugin         = "CONVEYOR_PLUGIN"
	EnvPluginConfig   = "CONVEYOR_PLUGIN_CONFIG"
	EnvConnectionName = "CONVEYOR_CONNECTION_NAME"
	EnvConnection     = "CONVEYOR_CONNECTION"
)

// ProcessRunner запускает внешний процесс.
// Реализация: *process.Runner.
type ProcessRunner interface {
	Execute(ctx context.Context, spec process.Spec) *process.Handle
}

// Request — запрос на выполнение одной стадии.
type Request struct {
	JobID  uuid.UUID
	Kind   domain.StageKind
	Plugin domain.Plugin

	// Input — поток записей extractor'а (для load).
	Input *Spool

	// Output — приёмник потока записей (для extract).
	Output *Spool

	// Connection — целевое подключение (для load и transform).
	Connection domain.Connection

	// Log — буфер лога job, куда пишется вывод плагина.
	Log *logbuf.Buffer
}

// Executor выполняет стадии pipeline поверх Runner.
//
// Executor не повторяет стадии: неуспешный итог процесса всегда
// превращается в *StageFailedError, решение о повторе за вызывающим.
type Executor struct {
	runner         ProcessRunner
	defaultTimeout time.Duration
	tempDir        string
	logger         *slog.Logger
}

// Config — конфигурация Executor.
type Config struct {
	Runner ProcessRunner

	// DefaultTimeout — таймаут стадии, если плагин не задал свой (default: 2h).
	DefaultTimeout time.Duration

	// TempDir — каталог для файлов конфигурации плагинов (default: os.TempDir()).
	TempDir string

	// Logger
	Logger *slog.Logger
}

// NewExecutor создаёт новый Executor.
func NewExecutor(cfg Config) *Executor {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}

	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runner := cfg.Runner
	if runner == nil {
		runner = process.NewRunner(process.Config{Logger: logger})
	}

	return &Executor{
		runner:         runner,
		defaultTimeout: timeout,
		tempDir:        tempDir,
		logger:         logger,
	}
}

// Run выполняет стадию и возвращает её результат.
//
// Результат возвращается и при ошибке стадии: в нём зафиксирован
// итог процесса, длительность и хвост вывода.
func (e *Executor) Run(ctx context.Context, req Request) (domain.StageResult, error) {
	if req.Log == nil {
		req.Log = logbuf.New(0)
	}

	switch req.Kind {
	case domain.StageExtract:
		if req.Output == nil {
			return domain.StageResult{}, ErrMissingOutput
		}
	case domain.StageLoad:
		if req.Input == nil {
			return domain.StageResult{}, ErrMissingInput
		}
	case domain.StageTransform:
	default:
		return domain.StageResult{}, fmt.Errorf("unknown stage kind %q", req.Kind)
	}

	logger := telemetry.WithStage(telemetry.WithJobID(e.logger, req.JobID.String()), string(req.Kind), req.Plugin.Name)

	configPath, err := e.writePluginConfig(req)
	if err != nil {
		return domain.StageResult{}, err
	}
	defer os.Remove(configPath)

	env, err := stageEnv(req, configPath)
	if err != nil {
		return domain.StageResult{}, err
	}

	inv := req.Plugin.Invocation
	spec := process.Spec{
		Command: inv.Executable,
		Args:    expandArgs(inv.Args, env),
		Env:     env,
		Timeout: inv.Timeout,
	}
	if spec.Timeout <= 0 {
		spec.Timeout = e.defaultTimeout
	}

	switch req.Kind {
	case domain.StageExtract:
		spec.Stdout = req.Output
	case domain.StageLoad:
		in, err := req.Input.Open()
		if err != nil {
			return domain.StageResult{}, err
		}
		defer in.Close()
		spec.Stdin = in
	}

	logFrom := req.Log.Next()
	metrics := make(metricSet)

	logger.Info("stage started", "executable", inv.Executable)

	started := time.Now()
	h := e.runner.Execute(ctx, spec)
	for line := range h.Output() {
		metrics.observe(line.Text)
		req.Log.Append(req.Kind, line.Source, line.Text, line.At)
	}
	outcome := h.Wait()
	ended := time.Now()

	if req.Kind == domain.StageExtract {
		if err := req.Output.Close(); err != nil {
			logger.Warn("failed to close spool", "error", err)
		}
	}

	if outcome.Kind == domain.OutcomeLaunchFailed {
		req.Log.Append(req.Kind, domain.LogSourceSystem, outcome.String(), ended)
	}

	logTo := req.Log.Next()

	result := domain.StageResult{
		Stage:      req.Kind,
		Plugin:     req.Plugin.Name,
		Outcome:    outcome,
		StartedAt:  started,
		EndedAt:    ended,
		DurationMs: ended.Sub(started).Milliseconds(),
		Metrics:    metrics.result(),
		OutputTail: req.Log.Tail(logFrom, logTo, defaultTailLines),
		LogFrom:    logFrom,
		LogTo:      logTo,
	}

	switch req.Kind {
	case domain.StageExtract:
		result.Records = req.Output.Records()
		result.Bytes = req.Output.Bytes()
	case domain.StageLoad:
		result.Records = req.Input.Records()
		result.Bytes = req.Input.Bytes()
	}

	logger.Info("stage finished",
		"outcome", outcome.Kind,
		"duration_ms", result.DurationMs,
		"records", result.Records,
	)

	if !outcome.Succeeded() {
		return result, &StageFailedError{
			Stage:   req.Kind,
			Plugin:  req.Plugin.Name,
			Outcome: outcome,
		}
	}
	return result, nil
}

// writePluginConfig записывает конфигурацию плагина в JSON-файл.
func (e *Executor) writePluginConfig(req Request) (string, error) {
	cfg := req.Plugin.Invocation.Config
	if cfg == nil {
		cfg = map[string]any{}
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal plugin config: %w", err)
	}

	f, err := os.CreateTemp(e.tempDir, fmt.Sprintf("conveyor-%s-%s-*.json", req.JobID, req.Kind))
	if err != nil {
		return "", fmt.Errorf("create plugin config file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(raw); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write plugin config file: %w", err)
	}
	return f.Name(), nil
}

// stageEnv собирает окружение процесса плагина.
// Порядок: окружение conveyor, env плагина, переменные стадии.
func stageEnv(req Request, configPath string) ([]string, error) {
	env := os.Environ()
	for k, v := range req.Plugin.Invocation.Env {
		env = append(env, k+"="+v)
	}

	env = append(env,
		EnvJobID+"="+req.JobID.String(),
		EnvStage+"="+string(req.Kind),
		EnvPlugin+"="+req.Plugin.Name,
		EnvPluginConfig+"="+configPath,
	)

	if req.Kind != domain.StageExtract {
		dest := req.Connection.Destination
		if dest == nil {
			dest = map[string]any{}
		}
		raw, err := json.Marshal(dest)
		if err != nil {
			return nil, fmt.Errorf("marshal connection destination: %w", err)
		}
		env = append(env,
			EnvConnectionName+"="+req.Connection.Name,
			EnvConnection+"="+string(raw),
		)
	}

	return env, nil
}

// expandArgs подставляет $VAR и ${VAR} из окружения стадии.
// Неизвестные переменные остаются как есть, в форме ${VAR}.
func expandArgs(args, env []string) []string {
	if len(args) == 0 {
		return nil
	}

	vars := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}

	out := make([]string, len(args))
	for i, a := range args {
		out[i] = os.Expand(a, func(key string) string {
			if v, ok := vars[key]; ok {
				return v
			}
			return "${" + key + "}"
		})
	}
	return out
}
