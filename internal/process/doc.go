// Package process запускает внешние процессы плагинов.
//
// Runner гарантирует, что для каждого запуска итог (ExitOutcome)
// рано или поздно будет сообщён, а pipes, таймеры и горутины
// освобождены на любом пути завершения: успех, ошибка, отмена, таймаут.
//
// Остановка кооперативная: SIGTERM группе процессов, ожидание
// grace period, затем SIGKILL. Итог CANCELLED/TIMED_OUT сообщается
// только после фактического завершения процесса.
package process
