package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Значения ротации лог-файла по умолчанию.
const (
	defaultLogMaxSizeMB  = 100
	defaultLogMaxBackups = 5
	defaultLogMaxAgeDays = 14
)

// LogLevel определяет уровень логирования из переменной окружения.
// Возможные значения: DEBUG, INFO, WARN, ERROR
// По умолчанию: INFO
func LogLevel() slog.Level {
	level := os.Getenv("LOG_LEVEL")
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger инициализирует глобальный логгер.
//
// Формат вывода определяется переменной LOG_FORMAT:
//   - "json" (по умолчанию) — JSON формат для production
//   - "text" — человекочитаемый формат для разработки
//
// Если задан LOG_FILE, логи дополнительно пишутся в файл с ротацией
// (LOG_MAX_SIZE_MB, LOG_MAX_BACKUPS, LOG_MAX_AGE_DAYS).
func SetupLogger() *slog.Logger {
	return SetupLoggerTo(os.Stdout)
}

// SetupLoggerTo инициализирует глобальный логгер с указанным основным выводом.
// CLI использует stderr, чтобы stdout оставался для результатов команд.
func SetupLoggerTo(w io.Writer) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     LogLevel(),
		AddSource: LogLevel() == slog.LevelDebug,
	}

	out := w
	if path := os.Getenv("LOG_FILE"); path != "" {
		out = io.MultiWriter(w, NewRotatingFile(path))
	}

	format := os.Getenv("LOG_FORMAT")
	if format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// NewRotatingFile создаёт writer с ротацией по размеру.
func NewRotatingFile(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    envInt("LOG_MAX_SIZE_MB", defaultLogMaxSizeMB),
		MaxBackups: envInt("LOG_MAX_BACKUPS", defaultLogMaxBackups),
		MaxAge:     envInt("LOG_MAX_AGE_DAYS", defaultLogMaxAgeDays),
		Compress:   true,
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// WithJobID возвращает логгер с добавленным job_id.
func WithJobID(logger *slog.Logger, jobID string) *slog.Logger {
	return logger.With("job_id", jobID)
}

// WithPipeline возвращает логгер с добавленным ключом pipeline.
func WithPipeline(logger *slog.Logger, key string) *slog.Logger {
	return logger.With("pipeline", key)
}

// WithStage возвращает логгер с добавленными stage и plugin.
func WithStage(logger *slog.Logger, stage, plugin string) *slog.Logger {
	return logger.With("stage", stage, "plugin", plugin)
}
