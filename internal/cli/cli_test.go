//go:build !windows

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/jobs"
	"github.com/shaiso/Conveyor/internal/process"
	"github.com/shaiso/Conveyor/internal/registry"
	"github.com/shaiso/Conveyor/internal/stage"
)

// --- Helpers ---

func sh(name, script string) config.PluginConfig {
	return config.PluginConfig{Name: name, Executable: "/bin/sh", Args: []string{"-c", script}}
}

func testEngine(t *testing.T) *Engine {
	t.Helper()

	reg := registry.NewStatic(&config.Project{
		Plugins: config.PluginsSection{
			Extractors: []config.PluginConfig{
				sh("tap-csv", `echo reading users.csv >&2; printf 'id\n1\n2\n'`),
				sh("tap-fail", `echo boom >&2; exit 3`),
				{Name: "tap-ghost", Executable: "/nonexistent/tap-ghost"},
			},
			Loaders: []config.PluginConfig{
				sh("target-postgres", `cat > /dev/null`),
			},
		},
		Connections: []config.ConnectionConfig{
			{Name: "prod", Default: true, Destination: map[string]any{"host": "db.internal", "database": "analytics"}},
		},
		Schedules: []config.ScheduleConfig{
			{Name: "nightly", Extractor: "tap-csv", Loader: "target-postgres", Cron: "0 2 * * *"},
		},
	})

	m := jobs.New(jobs.Config{
		Registry: reg,
		Executor: stage.NewExecutor(stage.Config{
			Runner:  process.NewRunner(process.Config{GracePeriod: 300 * time.Millisecond}),
			TempDir: t.TempDir(),
		}),
		SpoolDir: t.TempDir(),
	})

	e := NewEngine(m, reg)
	t.Cleanup(e.Close)
	return e
}

// execute выполняет команду и возвращает stdout и stderr.
func execute(t *testing.T, e *Engine, jsonMode bool, newCmd func(func() (*Engine, error), func() *Output) *cobra.Command, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer

	cmd := newCmd(
		func() (*Engine, error) { return e, nil },
		func() *Output { return NewOutputTo(jsonMode, &stdout, &stderr) },
	)
	cmd.SetArgs(args)
	cmd.SetOut(&stderr)
	cmd.SetErr(&stderr)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// --- Output Tests ---

func TestOutput_Table(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutputTo(false, &buf, &buf)

	out.Print([]string{"NAME", "KIND"}, [][]string{{"tap-csv", "extractor"}}, nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header, separator and row, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[1], "----") || !strings.Contains(lines[2], "tap-csv") {
		t.Errorf("unexpected table:\n%s", buf.String())
	}
}

func TestOutput_LogLineJSON(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutputTo(true, &buf, &buf)

	out.LogLine(domain.LogLine{Seq: 4, Stage: domain.StageLoad, Source: domain.LogSourceStderr, Text: "hi"})

	var got domain.LogLine
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Seq != 4 || got.Text != "hi" {
		t.Errorf("unexpected line %+v", got)
	}
}

func TestFormatDestination(t *testing.T) {
	got := formatDestination(map[string]any{"host": "db", "database": "analytics", "port": 5432})
	if got != "database=analytics host=db port=5432" {
		t.Errorf("got %q", got)
	}
}

// --- Registry Command Tests ---

func TestPluginsCmd(t *testing.T) {
	e := testEngine(t)

	stdout, _, err := execute(t, e, false, NewPluginsCmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "tap-csv") || strings.Contains(stdout, "tap-ghost") {
		t.Errorf("expected only installed plugins:\n%s", stdout)
	}

	stdout, _, err = execute(t, e, false, NewPluginsCmd, "--all")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "tap-ghost") {
		t.Errorf("--all must include missing plugins:\n%s", stdout)
	}
}

func TestConnectionsCmd_JSON(t *testing.T) {
	e := testEngine(t)

	stdout, _, err := execute(t, e, true, NewConnectionsCmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var conns []domain.Connection
	if err := json.Unmarshal([]byte(stdout), &conns); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if len(conns) != 1 || conns[0].Name != "prod" || !conns[0].Default {
		t.Errorf("unexpected connections %+v", conns)
	}
}

func TestSchedulesCmd(t *testing.T) {
	e := testEngine(t)

	stdout, _, err := execute(t, e, true, NewSchedulesCmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var scheds []domain.Schedule
	if err := json.Unmarshal([]byte(stdout), &scheds); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if len(scheds) != 1 || scheds[0].NextDueAt == nil {
		t.Fatalf("expected nightly with next due time, got %+v", scheds)
	}
	if !scheds[0].NextDueAt.After(time.Now()) {
		t.Errorf("next due must be in the future, got %s", scheds[0].NextDueAt)
	}
}

// --- Run Command Tests ---

func TestRunCmd_Succeeds(t *testing.T) {
	e := testEngine(t)

	stdout, stderr, err := execute(t, e, true, NewRunCmd, "--extractor", "tap-csv", "--loader", "target-postgres")
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, stderr)
	}
	if !strings.Contains(stderr, "Job submitted:") || !strings.Contains(stderr, "reading users.csv") {
		t.Errorf("expected submission and streamed log on stderr:\n%s", stderr)
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(stdout), &job); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if job.State != domain.JobStateSucceeded || job.Connection != "prod" || len(job.Stages) != 2 {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestExtractCmd_FailureIsError(t *testing.T) {
	e := testEngine(t)

	stdout, _, err := execute(t, e, false, NewExtractCmd, "tap-fail", "--follow=false")
	if !errors.Is(err, ErrJobUnsuccessful) {
		t.Fatalf("expected ErrJobUnsuccessful, got %v", err)
	}
	if !strings.Contains(stdout, "FAILED") || !strings.Contains(stdout, "extract") {
		t.Errorf("expected job and stage tables:\n%s", stdout)
	}
}

func TestLoadCmd_RequiresExtractor(t *testing.T) {
	e := testEngine(t)

	if _, _, err := execute(t, e, false, NewLoadCmd, "target-postgres"); err == nil {
		t.Fatal("expected error without --extractor")
	}
	if e.Manager.ActiveCount() != 0 {
		t.Error("no job must be started")
	}
}

func TestRunCmd_UnknownPlugin(t *testing.T) {
	e := testEngine(t)

	_, _, err := execute(t, e, false, NewRunCmd, "--extractor", "tap-missing", "--loader", "target-postgres")
	if !errors.Is(err, jobs.ErrPluginNotFound) {
		t.Errorf("expected ErrPluginNotFound, got %v", err)
	}
}

func TestRunCmd_QueueWithoutBroker(t *testing.T) {
	e := testEngine(t)

	_, _, err := execute(t, e, false, NewRunCmd, "--extractor", "tap-csv", "--loader", "target-postgres", "--queue")
	if !errors.Is(err, ErrNoBroker) {
		t.Errorf("expected ErrNoBroker, got %v", err)
	}
}

// --- Jobs Command Tests ---

func TestJobsCmd_ListShowLogs(t *testing.T) {
	e := testEngine(t)

	if _, _, err := execute(t, e, false, NewLoadCmd, "target-postgres", "--extractor", "tap-csv", "--follow=false"); err != nil {
		t.Fatalf("load: %v", err)
	}

	stdout, _, err := execute(t, e, true, NewJobsCmd, "list", "--state", "succeeded")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var list []domain.Job
	if err := json.Unmarshal([]byte(stdout), &list); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 job, got %d", len(list))
	}
	id := list[0].ID.String()

	stdout, _, err = execute(t, e, false, NewJobsCmd, "show", id)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(stdout, "tap-csv") || !strings.Contains(stdout, "STAGE") {
		t.Errorf("unexpected show output:\n%s", stdout)
	}

	stdout, _, err = execute(t, e, false, NewJobsCmd, "logs", id, "--stage", "extract")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(stdout, "[extract/stderr] reading users.csv") {
		t.Errorf("unexpected logs:\n%s", stdout)
	}

	stdout, _, err = execute(t, e, false, NewJobsCmd, "list", "--extractor", "tap-other")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Contains(stdout, id) {
		t.Error("key filter must exclude the job")
	}
}

func TestJobsCmd_Errors(t *testing.T) {
	e := testEngine(t)

	if _, _, err := execute(t, e, false, NewJobsCmd, "show", "not-a-uuid"); err == nil {
		t.Error("expected error for invalid id")
	}
	if _, _, err := execute(t, e, false, NewJobsCmd, "cancel", "6f1c3b9e-8d1a-4c55-9a57-0d1f5e7a2b10"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	if _, _, err := execute(t, e, false, NewJobsCmd, "list", "--state", "sleeping"); err == nil {
		t.Error("expected error for unknown state")
	}
}
