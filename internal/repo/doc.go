// Package repo хранит историю jobs.
//
// MemoryStore держит jobs в памяти процесса и используется по умолчанию.
// PostgresStore пишет каждый переход в одной транзакции: обновление
// строки jobs, запись в job_transitions, результат стадии в
// job_stage_results и строки вывода в job_logs (через COPY).
//
// Обе реализации отклоняют второй нефинальный job для одного ключа
// pipeline. В PostgreSQL это обеспечивает частичный уникальный индекс.
package repo
