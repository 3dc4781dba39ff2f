package cli

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

var (
	jobHeaders   = []string{"ID", "PIPELINE", "CONNECTION", "STATE", "DURATION", "CREATED", "ERROR"}
	stageHeaders = []string{"STAGE", "PLUGIN", "OUTCOME", "DURATION", "RECORDS", "BYTES"}
)

func jobRow(j domain.Job) []string {
	return []string{
		j.ID.String(),
		j.Key.String(),
		j.Connection,
		j.State.String(),
		formatDuration(j.Duration()),
		formatTime(j.CreatedAt),
		j.Error,
	}
}

func stageRows(stages []domain.StageResult) [][]string {
	rows := make([][]string, len(stages))
	for i, s := range stages {
		rows[i] = []string{
			string(s.Stage),
			s.Plugin,
			s.Outcome.String(),
			formatDuration(time.Duration(s.DurationMs) * time.Millisecond),
			strconv.FormatInt(s.Records, 10),
			strconv.FormatInt(s.Bytes, 10),
		}
	}
	return rows
}

// printJob выводит заголовок job и таблицу его стадий.
func printJob(out *Output, j domain.Job) {
	if out.IsJSON() {
		out.JSON(j)
		return
	}
	out.Table(jobHeaders, [][]string{jobRow(j)})
	if len(j.Stages) > 0 {
		out.Blank()
		out.Table(stageHeaders, stageRows(j.Stages))
	}
}

func formatLogLine(l domain.LogLine) string {
	stage := string(l.Stage)
	if stage == "" {
		stage = "-"
	}
	return fmt.Sprintf("%s [%s/%s] %s", l.At.Format("15:04:05.000"), stage, l.Source, l.Text)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(time.DateTime)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.Round(time.Millisecond).String()
}

// formatDestination выводит описание цели подключения как key=value в порядке ключей.
func formatDestination(dest map[string]any) string {
	parts := make([]string, 0, len(dest))
	for _, k := range slices.Sorted(maps.Keys(dest)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, dest[k]))
	}
	return strings.Join(parts, " ")
}

func parseJobID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return id, nil
}
