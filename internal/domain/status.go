package domain

// JobState — состояние выполнения job.
//
// Жизненный цикл:
//
//	PENDING → EXTRACTING → LOADING → (TRANSFORMING) → SUCCEEDED
//	                                                ↘ FAILED
//	(из любого нефинального состояния)            → CANCELLED
//
// Вырожденные pipelines (только extract или только transform)
// проходят по тем же состояниям, пропуская отсутствующие стадии.
type JobState string

const (
	// JobStatePending — job принят, но стадии ещё не запущены.
	JobStatePending JobState = "PENDING"

	// JobStateExtracting — выполняется extractor.
	JobStateExtracting JobState = "EXTRACTING"

	// JobStateLoading — выполняется loader.
	JobStateLoading JobState = "LOADING"

	// JobStateTransforming — выполняется transformer.
	JobStateTransforming JobState = "TRANSFORMING"

	// JobStateSucceeded — все стадии завершились успешно.
	JobStateSucceeded JobState = "SUCCEEDED"

	// JobStateFailed — одна из стадий упала, pipeline остановлен.
	JobStateFailed JobState = "FAILED"

	// JobStateCancelled — job отменён пользователем.
	JobStateCancelled JobState = "CANCELLED"
)

// IsTerminal возвращает true, если состояние финальное.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление JobState.
func (s JobState) String() string {
	return string(s)
}

// ParseJobState парсит строку в JobState.
// Возвращает false для неизвестных значений.
func ParseJobState(s string) (JobState, bool) {
	switch JobState(s) {
	case JobStatePending, JobStateExtracting, JobStateLoading, JobStateTransforming,
		JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return JobState(s), true
	default:
		return "", false
	}
}

// StageKind — тип стадии pipeline.
type StageKind string

const (
	StageExtract   StageKind = "extract"
	StageLoad      StageKind = "load"
	StageTransform StageKind = "transform"
)

// State возвращает состояние job, в котором выполняется стадия.
func (k StageKind) State() JobState {
	switch k {
	case StageExtract:
		return JobStateExtracting
	case StageLoad:
		return JobStateLoading
	case StageTransform:
		return JobStateTransforming
	default:
		return ""
	}
}

// PluginKind возвращает тип плагина, который выполняет стадию.
func (k StageKind) PluginKind() PluginKind {
	switch k {
	case StageExtract:
		return PluginExtractor
	case StageLoad:
		return PluginLoader
	case StageTransform:
		return PluginTransformer
	default:
		return ""
	}
}
