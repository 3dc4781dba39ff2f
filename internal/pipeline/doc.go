// Package pipeline — машина состояний одного job.
//
// Порядок стадий фиксирован: extract → load → (transform).
// Run проводит job по таблице переходов (state.go), добавляя ровно
// один StageResult на каждый переход из состояния стадии, и
// останавливается на первой неуспешной стадии без повторов.
//
// Recorder получает каждый переход вместе с новыми строками лога;
// Job Manager сохраняет их в хранилище и публикует события.
package pipeline
