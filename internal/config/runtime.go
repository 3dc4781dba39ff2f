package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Значения по умолчанию.
const (
	DefaultProjectFile  = "conveyor.yml"
	DefaultGracePeriod  = 10 * time.Second
	DefaultStageTimeout = 2 * time.Hour
	DefaultRetainJobs   = 1000
	DefaultRetainFor    = 7 * 24 * time.Hour
	DefaultPort         = "8090"
)

// Runtime — настройки процесса из переменных окружения.
type Runtime struct {
	// ProjectFile — путь к conveyor.yml (CONVEYOR_PROJECT).
	ProjectFile string

	// SpoolDir — каталог для потоков записей между стадиями (CONVEYOR_SPOOL_DIR).
	SpoolDir string

	// GracePeriod — пауза между SIGTERM и SIGKILL (CONVEYOR_GRACE_PERIOD).
	GracePeriod time.Duration

	// StageTimeout — таймаут стадии по умолчанию (CONVEYOR_STAGE_TIMEOUT).
	StageTimeout time.Duration

	// RetainJobs и RetainFor — политика хранения завершённых jobs.
	RetainJobs int
	RetainFor  time.Duration

	// Port — порт /healthz и /metrics в conveyord (CONVEYOR_PORT).
	Port string

	// DatabaseURL — PostgreSQL для хранения jobs (DB_URL). Пусто — только память.
	DatabaseURL string

	// RabbitMQURL — брокер для событий и приёма запусков (RABBITMQ_URL).
	RabbitMQURL string
}

// LoadRuntime читает настройки из окружения.
// Некорректные значения длительностей и чисел — ошибка, а не тихий fallback.
func LoadRuntime() (Runtime, error) {
	rt := Runtime{
		ProjectFile: getEnv("CONVEYOR_PROJECT", DefaultProjectFile),
		SpoolDir:    getEnv("CONVEYOR_SPOOL_DIR", filepath.Join(os.TempDir(), "conveyor")),
		Port:        getEnv("CONVEYOR_PORT", DefaultPort),
		DatabaseURL: os.Getenv("DB_URL"),
		RabbitMQURL: os.Getenv("RABBITMQ_URL"),
	}

	var err error
	if rt.GracePeriod, err = getDuration("CONVEYOR_GRACE_PERIOD", DefaultGracePeriod); err != nil {
		return rt, err
	}
	if rt.StageTimeout, err = getDuration("CONVEYOR_STAGE_TIMEOUT", DefaultStageTimeout); err != nil {
		return rt, err
	}
	if rt.RetainFor, err = getDuration("CONVEYOR_RETAIN_FOR", DefaultRetainFor); err != nil {
		return rt, err
	}
	if rt.RetainJobs, err = getInt("CONVEYOR_RETAIN_JOBS", DefaultRetainJobs); err != nil {
		return rt, err
	}

	return rt, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidEnv, key, v, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidEnv, key, v, err)
	}
	return n, nil
}
