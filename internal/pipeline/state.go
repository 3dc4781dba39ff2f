package pipeline

import (
	"fmt"

	"github.com/shaiso/Conveyor/internal/domain"
)

// allowedTransitions — статическая таблица переходов job.
//
// Кроме основного пути extract → load → transform есть вырожденные
// одностадийные pipelines: только extract (EXTRACTING → SUCCEEDED)
// и только transform (PENDING → TRANSFORMING). PENDING → FAILED
// используется, когда job не удалось подготовить или он осиротел
// после перезапуска.
var allowedTransitions = map[domain.JobState]map[domain.JobState]struct{}{
	domain.JobStatePending: {
		domain.JobStateExtracting:   {},
		domain.JobStateTransforming: {},
		domain.JobStateFailed:       {},
		domain.JobStateCancelled:    {},
	},
	domain.JobStateExtracting: {
		domain.JobStateLoading:   {},
		domain.JobStateSucceeded: {},
		domain.JobStateFailed:    {},
		domain.JobStateCancelled: {},
	},
	domain.JobStateLoading: {
		domain.JobStateTransforming: {},
		domain.JobStateSucceeded:    {},
		domain.JobStateFailed:       {},
		domain.JobStateCancelled:    {},
	},
	domain.JobStateTransforming: {
		domain.JobStateSucceeded: {},
		domain.JobStateFailed:    {},
		domain.JobStateCancelled: {},
	},
	domain.JobStateSucceeded: {},
	domain.JobStateFailed:    {},
	domain.JobStateCancelled: {},
}

// ValidateState проверяет, что состояние известно.
func ValidateState(state domain.JobState) error {
	if _, ok := allowedTransitions[state]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownState, state)
	}
	return nil
}

// ValidateTransition проверяет допустимость перехода from → to.
func ValidateTransition(from, to domain.JobState) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidatePath проверяет, что последовательность состояний — путь
// по таблице переходов, начинающийся с PENDING.
func ValidatePath(path []domain.JobState) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidTransition)
	}
	if path[0] != domain.JobStatePending {
		return fmt.Errorf("%w: path starts with %s", ErrInvalidTransition, path[0])
	}
	for i := 1; i < len(path); i++ {
		if err := ValidateTransition(path[i-1], path[i]); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// stageResultRequired возвращает true, если переход обязан добавить
// результат стадии: из состояния, в котором выполнялась стадия.
func stageResultRequired(from domain.JobState) bool {
	switch from {
	case domain.JobStateExtracting, domain.JobStateLoading, domain.JobStateTransforming:
		return true
	default:
		return false
	}
}
