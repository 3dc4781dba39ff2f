// Package mq связывает Conveyor с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с переподключением, отдельные каналы публикации и потребления
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — события переходов jobs и запросы на запуск
//   - consumer.go   — потребление runs.requested
//
// Типы сообщений:
//   - job.transition — переход job (routing key job.<state>)
//   - run.requested  — запрос на запуск pipeline
//
// Exchanges:
//   - conveyor.jobs — события jobs (topic)
//   - conveyor.runs — запросы на запуск
//   - conveyor.dlq  — отклонённые запросы
package mq
