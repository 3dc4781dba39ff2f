// Package scheduler запускает pipelines по расписаниям.
//
// Расписания объявляются в файле проекта (секция schedules) и читаются
// из реестра на каждом тике, поэтому изменения файла подхватываются
// без перезапуска.
//
// Структура:
//   - scheduler.go — Scheduler (Tick, Run)
//   - cron.go      — разбор cron-выражений и вычисление следующего времени
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Source:    reg,
//	    Submitter: manager,
//	    Logger:    logger,
//	})
//	go sched.Run(ctx)
//
// Занятый pipeline не откладывается: запуск пропускается до следующего
// времени расписания.
package scheduler
