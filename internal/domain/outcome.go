package domain

import "fmt"

// OutcomeKind — способ, которым завершился внешний процесс.
type OutcomeKind string

const (
	// OutcomeSuccess — процесс завершился с кодом 0.
	OutcomeSuccess OutcomeKind = "SUCCESS"

	// OutcomeNonZeroExit — процесс завершился с ненулевым кодом.
	OutcomeNonZeroExit OutcomeKind = "NON_ZERO_EXIT"

	// OutcomeSignalTerminated — процесс убит сигналом, который мы не посылали.
	OutcomeSignalTerminated OutcomeKind = "SIGNAL_TERMINATED"

	// OutcomeLaunchFailed — процесс не удалось запустить.
	OutcomeLaunchFailed OutcomeKind = "LAUNCH_FAILED"

	// OutcomeCancelled — процесс остановлен по запросу отмены.
	OutcomeCancelled OutcomeKind = "CANCELLED"

	// OutcomeTimedOut — процесс остановлен по таймауту.
	OutcomeTimedOut OutcomeKind = "TIMED_OUT"
)

// ExitOutcome — итог выполнения процесса плагина.
type ExitOutcome struct {
	Kind OutcomeKind `json:"kind"`

	// Code — код выхода (для NON_ZERO_EXIT).
	Code int `json:"code,omitempty"`

	// Signal — имя сигнала (для SIGNAL_TERMINATED).
	Signal string `json:"signal,omitempty"`

	// Reason — описание причины (для LAUNCH_FAILED и прочих).
	Reason string `json:"reason,omitempty"`
}

// Succeeded возвращает true для успешного завершения.
func (o ExitOutcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess
}

// String возвращает человекочитаемое описание итога.
func (o ExitOutcome) String() string {
	switch o.Kind {
	case OutcomeSuccess:
		return "exited 0"
	case OutcomeNonZeroExit:
		return fmt.Sprintf("exited with code %d", o.Code)
	case OutcomeSignalTerminated:
		return fmt.Sprintf("terminated by signal %s", o.Signal)
	case OutcomeLaunchFailed:
		return fmt.Sprintf("launch failed: %s", o.Reason)
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimedOut:
		if o.Reason != "" {
			return "timed out after " + o.Reason
		}
		return "timed out"
	default:
		return string(o.Kind)
	}
}
