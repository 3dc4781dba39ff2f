// Package stage выполняет стадии pipeline поверх process.Runner.
//
// Стадии вызываются единообразно и различаются только контрактом ввода-вывода:
//   - extract — stdout процесса записывается в Spool (поток записей)
//   - load — stdin процесса читается из Spool extractor'а
//   - transform — только окружение подключения
//
// Stderr всех стадий (и stdout load/transform) попадает в лог job.
package stage
