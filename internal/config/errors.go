package config

import "errors"

// Ошибки конфигурации.
var (
	// ErrInvalidProject — файл проекта не прошёл валидацию.
	ErrInvalidProject = errors.New("invalid project file")

	// ErrInvalidEnv — некорректное значение переменной окружения.
	ErrInvalidEnv = errors.New("invalid environment value")
)
