// Package config загружает конфигурацию Conveyor.
//
// Два источника:
//   - project.go — файл проекта conveyor.yml (плагины, подключения, расписания)
//   - runtime.go — настройки процесса из переменных окружения
package config
