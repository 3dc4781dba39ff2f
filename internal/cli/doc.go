// Package cli реализует инструмент командной строки Conveyor.
//
// # Обзор
//
// CLI выполняет pipelines в собственном процессе: Engine собирает
// Registry, Stage Executor и Job Manager из переменных окружения, команды
// вызывают Manager напрямую. С DB_URL история jobs общая с conveyord,
// без него видны только jobs текущего вызова.
//
// # Ключевые компоненты
//
// ## Engine
//
// Движок и его ресурсы (пул PostgreSQL, соединение RabbitMQ).
// Соединение с брокером открывается только для run --queue.
//
//	engine, err := cli.OpenEngine(ctx, rt, logger)
//	defer engine.Close()
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения и лог выполняющегося job в stderr.
// Это позволяет использовать pipe: conveyor jobs list --json | jq .
//
// ## Commands
//
//   - plugins, connections, schedules — содержимое файла проекта
//   - extract, load, transform, run — запуск с ожиданием результата
//   - jobs: list, show, logs, cancel
//
// Каждая команда создаётся фабричной функцией (NewRunCmd и т.д.),
// принимающей engineFn и outputFn — замыкания для ленивого создания
// Engine и Output после парсинга PersistentFlags.
//
// Ctrl-C во время запуска отменяет job; команда дожидается финального
// состояния и завершается с ошибкой.
package cli
