//go:build !windows

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/process"
	"github.com/shaiso/Conveyor/internal/stage"
)

// --- Helpers ---

type recorderStub struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorderStub) Record(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorderStub) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func shPlugin(name string, kind domain.PluginKind, script string) *domain.Plugin {
	return &domain.Plugin{
		Name: name,
		Kind: kind,
		Invocation: domain.Invocation{
			Executable: "/bin/sh",
			Args:       []string{"-c", script},
		},
	}
}

func newTestRun(t *testing.T, plan Plan, rec Recorder) *Run {
	t.Helper()
	exec := stage.NewExecutor(stage.Config{
		Runner:  process.NewRunner(process.Config{GracePeriod: 500 * time.Millisecond}),
		TempDir: t.TempDir(),
	})
	return NewRun(RunConfig{
		Job: domain.Job{
			ID:        uuid.New(),
			Key:       plan.Key(),
			State:     domain.JobStatePending,
			CreatedAt: time.Now(),
		},
		Plan:     plan,
		Executor: exec,
		Recorder: rec,
		SpoolDir: t.TempDir(),
	})
}

func statePath(job domain.Job) string {
	parts := make([]string, 0, len(job.Transitions)+1)
	for _, s := range job.StatePath() {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, ">")
}

func waitForState(t *testing.T, r *Run, want domain.JobState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for r.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, current %s", want, r.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForLog(t *testing.T, r *Run, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for l := range r.Log().Follow(ctx, 0) {
		if l.Text == text {
			return
		}
	}
	t.Fatalf("log line %q not seen", text)
}

// --- Execute Tests ---

func TestRun_ExtractLoadSucceeded(t *testing.T) {
	rec := &recorderStub{}
	plan := Plan{
		Extractor:  shPlugin("tap-csv", domain.PluginExtractor, `printf 'r1\nr2\n'`),
		Loader:     shPlugin("target-postgres", domain.PluginLoader, `wc -l`),
		Connection: domain.Connection{Name: "prod"},
	}
	r := newTestRun(t, plan, rec)

	job, err := r.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := statePath(job); got != "PENDING>EXTRACTING>LOADING>SUCCEEDED" {
		t.Errorf("unexpected path %s", got)
	}
	if err := ValidatePath(job.StatePath()); err != nil {
		t.Errorf("invalid path: %v", err)
	}
	if len(job.Stages) != 2 {
		t.Fatalf("expected 2 stage results, got %d", len(job.Stages))
	}
	if job.Stages[0].Stage != domain.StageExtract || job.Stages[1].Stage != domain.StageLoad {
		t.Errorf("stage order broken: %v, %v", job.Stages[0].Stage, job.Stages[1].Stage)
	}
	if job.Stages[0].Records != 2 {
		t.Errorf("extract records = %d, want 2", job.Stages[0].Records)
	}
	if job.StartedAt == nil || job.EndedAt == nil {
		t.Error("StartedAt and EndedAt should be set")
	}
	if job.Error != "" {
		t.Errorf("unexpected error text %q", job.Error)
	}

	events := rec.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 recorded transitions, got %d", len(events))
	}
	if events[0].Stage != nil {
		t.Error("admission transition should not carry a stage result")
	}
	if events[1].Stage == nil || events[2].Stage == nil {
		t.Error("stage transitions should carry stage results")
	}

	select {
	case <-r.Done():
	default:
		t.Error("Done should be closed after Execute")
	}
	if !r.Log().Closed() {
		t.Error("log buffer should be closed after Execute")
	}

	// spool удалён
	entries, _ := os.ReadDir(r.spoolDir)
	if len(entries) != 0 {
		t.Errorf("spool not removed: %v", entries)
	}
}

func TestRun_WithTransformer(t *testing.T) {
	plan := Plan{
		Extractor:   shPlugin("tap-csv", domain.PluginExtractor, `echo r1`),
		Loader:      shPlugin("target-postgres", domain.PluginLoader, `cat >/dev/null`),
		Transformer: shPlugin("dbt", domain.PluginTransformer, `echo "models for $CONVEYOR_CONNECTION_NAME"`),
		Connection:  domain.Connection{Name: "prod"},
	}
	r := newTestRun(t, plan, nil)

	job, _ := r.Execute(context.Background())

	if got := statePath(job); got != "PENDING>EXTRACTING>LOADING>TRANSFORMING>SUCCEEDED" {
		t.Errorf("unexpected path %s", got)
	}
	if len(job.Stages) != 3 {
		t.Fatalf("expected 3 stage results, got %d", len(job.Stages))
	}
	if tail := job.Stages[2].OutputTail; len(tail) != 1 || tail[0] != "models for prod" {
		t.Errorf("unexpected transform output %v", tail)
	}
}

func TestRun_ExtractFailedNeverLoads(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "loader-ran")
	plan := Plan{
		Extractor: shPlugin("tap-csv", domain.PluginExtractor, `echo partial; exit 1`),
		Loader:    shPlugin("target-postgres", domain.PluginLoader, `touch `+marker),
	}
	r := newTestRun(t, plan, nil)

	job, _ := r.Execute(context.Background())

	if job.State != domain.JobStateFailed {
		t.Fatalf("expected FAILED, got %s", job.State)
	}
	if len(job.Stages) != 1 {
		t.Fatalf("expected exactly 1 stage result, got %d", len(job.Stages))
	}
	if _, ok := job.Stage(domain.StageLoad); ok {
		t.Error("failed extract must not produce a load result")
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("loader must never be invoked")
	}
	if job.Stages[0].Outcome.Kind != domain.OutcomeNonZeroExit || job.Stages[0].Outcome.Code != 1 {
		t.Errorf("unexpected outcome %+v", job.Stages[0].Outcome)
	}
	if !strings.Contains(job.Error, "exited with code 1") {
		t.Errorf("job error should carry the outcome, got %q", job.Error)
	}
}

func TestRun_LoaderFailed(t *testing.T) {
	plan := Plan{
		Extractor: shPlugin("tap-csv", domain.PluginExtractor, `echo r1`),
		Loader:    shPlugin("target-postgres", domain.PluginLoader, `exit 4`),
	}
	job, _ := newTestRun(t, plan, nil).Execute(context.Background())

	if got := statePath(job); got != "PENDING>EXTRACTING>LOADING>FAILED" {
		t.Errorf("unexpected path %s", got)
	}
	if len(job.Stages) != 2 || job.Stages[1].Outcome.Code != 4 {
		t.Errorf("unexpected stages %+v", job.Stages)
	}
}

func TestRun_LaunchFailed(t *testing.T) {
	plan := Plan{
		Extractor: &domain.Plugin{
			Name:       "tap-missing",
			Kind:       domain.PluginExtractor,
			Invocation: domain.Invocation{Executable: "/nonexistent/tap-missing"},
		},
	}
	job, _ := newTestRun(t, plan, nil).Execute(context.Background())

	if job.State != domain.JobStateFailed {
		t.Fatalf("expected FAILED, got %s", job.State)
	}
	if job.Stages[0].Outcome.Kind != domain.OutcomeLaunchFailed {
		t.Errorf("expected LAUNCH_FAILED, got %+v", job.Stages[0].Outcome)
	}
}

func TestRun_CancelInLoading(t *testing.T) {
	rec := &recorderStub{}
	plan := Plan{
		Extractor: shPlugin("tap-csv", domain.PluginExtractor, `echo r1`),
		Loader:    shPlugin("target-postgres", domain.PluginLoader, `echo loading; sleep 10`),
	}
	r := newTestRun(t, plan, rec)

	result := make(chan domain.Job, 1)
	go func() {
		job, _ := r.Execute(context.Background())
		result <- job
	}()

	waitForState(t, r, domain.JobStateLoading)
	waitForLog(t, r, "loading")

	if !r.Cancel() {
		t.Fatal("Cancel should succeed while loading")
	}
	r.Cancel() // идемпотентно

	var job domain.Job
	select {
	case job = <-result:
	case <-time.After(8 * time.Second):
		t.Fatal("job did not finish after cancel")
	}

	if job.State != domain.JobStateCancelled {
		t.Fatalf("expected CANCELLED, got %s", job.State)
	}
	if got := statePath(job); got != "PENDING>EXTRACTING>LOADING>CANCELLED" {
		t.Errorf("unexpected path %s", got)
	}

	load, ok := job.Stage(domain.StageLoad)
	if !ok {
		t.Fatal("cancelled load stage result should be recorded")
	}
	switch load.Outcome.Kind {
	case domain.OutcomeCancelled, domain.OutcomeSignalTerminated:
	default:
		t.Errorf("load outcome must be CANCELLED or SIGNAL_TERMINATED, got %s", load.Outcome.Kind)
	}

	// extract результат сохранён
	if ext, ok := job.Stage(domain.StageExtract); !ok || !ext.Succeeded() {
		t.Error("extract result should be preserved")
	}

	if r.Cancel() {
		t.Error("Cancel on terminal job should return false")
	}
}

func TestRun_CancelBeforeStart(t *testing.T) {
	rec := &recorderStub{}
	plan := Plan{Extractor: shPlugin("tap-csv", domain.PluginExtractor, `echo r1`)}
	r := newTestRun(t, plan, rec)

	r.Cancel()
	job, _ := r.Execute(context.Background())

	if got := statePath(job); got != "PENDING>CANCELLED" {
		t.Errorf("unexpected path %s", got)
	}
	if len(job.Stages) != 0 {
		t.Errorf("expected no stage results, got %d", len(job.Stages))
	}
	if job.Error != ReasonCancelledPending {
		t.Errorf("unexpected reason %q", job.Error)
	}
}

func TestRun_ContextShutdown(t *testing.T) {
	plan := Plan{Extractor: shPlugin("tap-slow", domain.PluginExtractor, `echo >&2 started; sleep 10`)}
	r := newTestRun(t, plan, nil)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan domain.Job, 1)
	go func() {
		job, _ := r.Execute(ctx)
		result <- job
	}()

	waitForLog(t, r, "started")
	cancel()

	select {
	case job := <-result:
		if job.State != domain.JobStateCancelled || job.Error != ReasonShutdown {
			t.Errorf("expected CANCELLED by shutdown, got %s %q", job.State, job.Error)
		}
	case <-time.After(8 * time.Second):
		t.Fatal("job did not finish after context cancel")
	}
}

func TestRun_ExtractOnly(t *testing.T) {
	plan := Plan{Extractor: shPlugin("tap-csv", domain.PluginExtractor, `printf 'a\nb\nc\n'`)}
	job, _ := newTestRun(t, plan, nil).Execute(context.Background())

	if got := statePath(job); got != "PENDING>EXTRACTING>SUCCEEDED" {
		t.Errorf("unexpected path %s", got)
	}
	if len(job.Stages) != 1 || job.Stages[0].Records != 3 {
		t.Errorf("unexpected stages %+v", job.Stages)
	}
}

func TestRun_TransformOnly(t *testing.T) {
	plan := Plan{
		Transformer: shPlugin("dbt", domain.PluginTransformer, `echo run`),
		Connection:  domain.Connection{Name: "prod"},
	}
	job, _ := newTestRun(t, plan, nil).Execute(context.Background())

	if got := statePath(job); got != "PENDING>TRANSFORMING>SUCCEEDED" {
		t.Errorf("unexpected path %s", got)
	}
	if len(job.Stages) != 1 {
		t.Errorf("expected 1 stage result, got %d", len(job.Stages))
	}
}

func TestRun_InvalidPlan(t *testing.T) {
	plan := Plan{Loader: shPlugin("target-postgres", domain.PluginLoader, `true`)}
	job, _ := newTestRun(t, plan, nil).Execute(context.Background())

	if got := statePath(job); got != "PENDING>FAILED" {
		t.Errorf("unexpected path %s", got)
	}
}

func TestRun_ExecuteTwice(t *testing.T) {
	r := newTestRun(t, Plan{Extractor: shPlugin("tap", domain.PluginExtractor, `true`)}, nil)
	r.Execute(context.Background())

	if _, err := r.Execute(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestRun_RecorderErrorDoesNotStopJob(t *testing.T) {
	rec := &recorderStub{err: errors.New("db down")}
	plan := Plan{Extractor: shPlugin("tap", domain.PluginExtractor, `true`)}

	job, _ := newTestRun(t, plan, rec).Execute(context.Background())
	if job.State != domain.JobStateSucceeded {
		t.Errorf("expected SUCCEEDED despite recorder error, got %s", job.State)
	}
}

func TestRun_RecordedLogsCoverBuffer(t *testing.T) {
	rec := &recorderStub{}
	plan := Plan{
		Extractor: shPlugin("tap", domain.PluginExtractor, `echo one >&2; echo two >&2`),
		Loader:    shPlugin("target", domain.PluginLoader, `echo three`),
	}
	r := newTestRun(t, plan, rec)
	job, _ := r.Execute(context.Background())

	var recorded []domain.LogLine
	for _, ev := range rec.Events() {
		recorded = append(recorded, ev.Logs...)
	}
	if len(recorded) != len(job.Logs) {
		t.Fatalf("recorded %d lines, buffer has %d", len(recorded), len(job.Logs))
	}
	for i := range recorded {
		if recorded[i].Seq != int64(i) || recorded[i].Text != job.Logs[i].Text {
			t.Fatalf("line %d mismatch: %+v vs %+v", i, recorded[i], job.Logs[i])
		}
	}
}
