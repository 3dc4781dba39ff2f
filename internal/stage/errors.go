package stage

import (
	"errors"
	"fmt"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Ошибки стадий.
var (
	// ErrStageFailed — процесс стадии завершился не успешно.
	ErrStageFailed = errors.New("stage failed")

	// ErrMissingInput — load запущен без потока записей.
	ErrMissingInput = errors.New("load stage requires an input stream")

	// ErrMissingOutput — extract запущен без приёмника потока.
	ErrMissingOutput = errors.New("extract stage requires an output stream")
)

// StageFailedError — стадия завершилась с неуспешным итогом процесса.
type StageFailedError struct {
	Stage   domain.StageKind
	Plugin  string
	Outcome domain.ExitOutcome
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("%s stage %q failed: %s", e.Stage, e.Plugin, e.Outcome)
}

// Is позволяет errors.Is(err, ErrStageFailed).
func (e *StageFailedError) Is(target error) bool {
	return target == ErrStageFailed
}
