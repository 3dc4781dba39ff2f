// Package telemetry обеспечивает наблюдаемость движка.
//
// Включает:
//   - logging.go — structured logging через slog, ротация файла через lumberjack
//   - metrics.go — Prometheus метрики jobs и стадий
//
// Все бинарники используют единый формат логирования;
// conveyord экспортирует метрики на /metrics.
package telemetry
