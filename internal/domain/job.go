package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PipelineKey — идентификатор pipeline для взаимного исключения.
//
// Ключ строится только из имён плагинов. Connection в ключ не входит:
// два запуска одного extractor/loader в разные подключения конфликтуют.
type PipelineKey struct {
	Extractor   string `json:"extractor,omitempty"`
	Loader      string `json:"loader,omitempty"`
	Transformer string `json:"transformer,omitempty"`
}

// String возвращает каноничное представление ключа: "extractor|loader|transformer".
func (k PipelineKey) String() string {
	return k.Extractor + "|" + k.Loader + "|" + k.Transformer
}

// IsZero возвращает true, если ни один плагин не указан.
func (k PipelineKey) IsZero() bool {
	return k.Extractor == "" && k.Loader == "" && k.Transformer == ""
}

// ParsePipelineKey восстанавливает ключ из строки, созданной String.
func ParsePipelineKey(s string) PipelineKey {
	parts := strings.SplitN(s, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return PipelineKey{Extractor: parts[0], Loader: parts[1], Transformer: parts[2]}
}

// Job — одна попытка выполнения pipeline.
//
// Job создаётся при допуске запуска Job Manager'ом и изменяется
// только машиной состояний pipeline, которая им владеет.
// После перехода в финальное состояние Job неизменяем.
type Job struct {
	// ID — уникальный идентификатор job.
	ID uuid.UUID `json:"id"`

	// Key — ключ pipeline (extractor, loader, transformer).
	Key PipelineKey `json:"key"`

	// Connection — имя целевого подключения.
	Connection string `json:"connection,omitempty"`

	// State — текущее состояние.
	State JobState `json:"state"`

	// CreatedAt — время допуска.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt — время запуска первой стадии.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt — время перехода в финальное состояние.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// Error — итог упавшей стадии или причина отмены.
	Error string `json:"error,omitempty"`

	// Transitions — история переходов в порядке выполнения.
	Transitions []Transition `json:"transitions,omitempty"`

	// Stages — результаты стадий в порядке выполнения.
	Stages []StageResult `json:"stages,omitempty"`

	// Logs — захваченный вывод плагинов.
	Logs []LogLine `json:"logs,omitempty"`
}

// IsFinished возвращает true, если job в финальном состоянии.
func (j *Job) IsFinished() bool {
	return j.State.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если job ещё не завершён.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.EndedAt == nil {
		return 0
	}
	return j.EndedAt.Sub(*j.StartedAt)
}

// StatePath возвращает последовательность состояний job, начиная с PENDING.
func (j *Job) StatePath() []JobState {
	path := []JobState{JobStatePending}
	for _, t := range j.Transitions {
		path = append(path, t.To)
	}
	return path
}

// Stage возвращает результат стадии указанного типа.
func (j *Job) Stage(kind StageKind) (StageResult, bool) {
	for _, s := range j.Stages {
		if s.Stage == kind {
			return s, true
		}
	}
	return StageResult{}, false
}

// Clone возвращает глубокую копию job.
func (j Job) Clone() Job {
	out := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		out.EndedAt = &t
	}
	out.Transitions = append([]Transition(nil), j.Transitions...)
	out.Logs = append([]LogLine(nil), j.Logs...)
	if j.Stages != nil {
		out.Stages = make([]StageResult, len(j.Stages))
		for i, s := range j.Stages {
			out.Stages[i] = s.Clone()
		}
	}
	return out
}

// Transition — зафиксированный переход состояния.
type Transition struct {
	From JobState  `json:"from"`
	To   JobState  `json:"to"`
	At   time.Time `json:"at"`
}

// StageResult — итог одной стадии.
//
// Добавляется один раз на стадию и после этого не изменяется.
type StageResult struct {
	// Stage — тип стадии.
	Stage StageKind `json:"stage"`

	// Plugin — имя плагина, выполнявшего стадию.
	Plugin string `json:"plugin"`

	// Outcome — итог процесса.
	Outcome ExitOutcome `json:"outcome"`

	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMs int64     `json:"duration_ms"`

	// Records и Bytes — объём потока записей (extract) или прочитанного входа (load).
	Records int64 `json:"records,omitempty"`
	Bytes   int64 `json:"bytes,omitempty"`

	// Metrics — метрики, которые сообщил сам плагин.
	Metrics map[string]int64 `json:"metrics,omitempty"`

	// OutputTail — последние строки вывода стадии.
	OutputTail []string `json:"output_tail,omitempty"`

	// LogFrom и LogTo — диапазон seq строк лога этой стадии [LogFrom, LogTo).
	LogFrom int64 `json:"log_from"`
	LogTo   int64 `json:"log_to"`
}

// Succeeded возвращает true, если стадия выполнилась успешно.
func (r StageResult) Succeeded() bool {
	return r.Outcome.Succeeded()
}

// Clone возвращает глубокую копию результата.
func (r StageResult) Clone() StageResult {
	out := r
	out.OutputTail = append([]string(nil), r.OutputTail...)
	if r.Metrics != nil {
		out.Metrics = make(map[string]int64, len(r.Metrics))
		for k, v := range r.Metrics {
			out.Metrics[k] = v
		}
	}
	return out
}

// LogSource — источник строки лога.
type LogSource string

const (
	LogSourceStdout LogSource = "stdout"
	LogSourceStderr LogSource = "stderr"
	LogSourceSystem LogSource = "system"
)

// LogLine — строка захваченного вывода.
type LogLine struct {
	// Seq — порядковый номер строки в рамках job, начиная с 0.
	Seq   int64     `json:"seq"`
	At    time.Time `json:"at"`
	Stage StageKind `json:"stage,omitempty"`

	Source LogSource `json:"source"`
	Text   string    `json:"text"`
}
