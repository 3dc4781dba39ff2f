package jobs

import (
	"errors"

	"github.com/shaiso/Conveyor/internal/registry"
)

// Ошибки Job Manager'а. Все они ожидаемые и возвращаются вызывающему как есть.
var (
	// ErrPluginNotFound — плагин с таким именем и ролью не объявлен.
	ErrPluginNotFound = registry.ErrPluginNotFound

	// ErrConnectionNotFound — подключение не объявлено.
	ErrConnectionNotFound = registry.ErrConnectionNotFound

	// ErrPipelineBusy — для ключа pipeline уже есть нефинальный job.
	ErrPipelineBusy = errors.New("pipeline busy")

	// ErrJobNotFound — job с таким ID не найден.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidState — операция недопустима в текущем состоянии job.
	ErrInvalidState = errors.New("invalid job state")

	// ErrInvalidRequest — недопустимый набор плагинов в запросе.
	ErrInvalidRequest = errors.New("invalid run request")

	// ErrStopped — менеджер остановлен и не принимает запуски.
	ErrStopped = errors.New("job manager stopped")
)
