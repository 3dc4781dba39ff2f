package pipeline

import "errors"

// Ошибки машины состояний.
var (
	// ErrUnknownState — состояние отсутствует в таблице переходов.
	ErrUnknownState = errors.New("unknown job state")

	// ErrInvalidTransition — переход не разрешён таблицей.
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrInvalidPlan — недопустимый набор плагинов.
	ErrInvalidPlan = errors.New("invalid pipeline plan")

	// ErrAlreadyStarted — Execute вызван повторно.
	ErrAlreadyStarted = errors.New("run already started")
)
