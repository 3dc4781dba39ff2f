package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/stage"
)

// --- Transition Table Tests ---

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to domain.JobState
		ok       bool
	}{
		{domain.JobStatePending, domain.JobStateExtracting, true},
		{domain.JobStatePending, domain.JobStateTransforming, true},
		{domain.JobStatePending, domain.JobStateCancelled, true},
		{domain.JobStatePending, domain.JobStateLoading, false},
		{domain.JobStatePending, domain.JobStateSucceeded, false},
		{domain.JobStateExtracting, domain.JobStateLoading, true},
		{domain.JobStateExtracting, domain.JobStateSucceeded, true},
		{domain.JobStateExtracting, domain.JobStateTransforming, false},
		{domain.JobStateLoading, domain.JobStateTransforming, true},
		{domain.JobStateLoading, domain.JobStateExtracting, false},
		{domain.JobStateTransforming, domain.JobStateLoading, false},
		{domain.JobStateTransforming, domain.JobStateSucceeded, true},
		{domain.JobStateSucceeded, domain.JobStateFailed, false},
		{domain.JobStateCancelled, domain.JobStatePending, false},
		{domain.JobStateFailed, domain.JobStateFailed, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestValidateTransition_UnknownState(t *testing.T) {
	if err := ValidateTransition("RUNNING", domain.JobStateFailed); !errors.Is(err, ErrUnknownState) {
		t.Errorf("expected ErrUnknownState, got %v", err)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for state, next := range allowedTransitions {
		if state.IsTerminal() && len(next) != 0 {
			t.Errorf("terminal state %s has outgoing transitions", state)
		}
		if !state.IsTerminal() {
			if _, ok := next[domain.JobStateCancelled]; !ok {
				t.Errorf("non-terminal state %s cannot be cancelled", state)
			}
		}
	}
}

func TestValidatePath(t *testing.T) {
	valid := []domain.JobState{
		domain.JobStatePending, domain.JobStateExtracting, domain.JobStateLoading, domain.JobStateSucceeded,
	}
	if err := ValidatePath(valid); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	skipped := []domain.JobState{domain.JobStatePending, domain.JobStateLoading}
	if err := ValidatePath(skipped); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("skipped stage should be rejected, got %v", err)
	}

	reversed := []domain.JobState{
		domain.JobStatePending, domain.JobStateExtracting, domain.JobStateLoading, domain.JobStateExtracting,
	}
	if err := ValidatePath(reversed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("backward transition should be rejected, got %v", err)
	}

	if err := ValidatePath([]domain.JobState{domain.JobStateExtracting}); err == nil {
		t.Error("path must start with PENDING")
	}
	if err := ValidatePath(nil); err == nil {
		t.Error("empty path should be rejected")
	}
}

// --- Plan Tests ---

func TestPlan_Validate(t *testing.T) {
	ext := &domain.Plugin{Name: "tap", Kind: domain.PluginExtractor}
	ld := &domain.Plugin{Name: "target", Kind: domain.PluginLoader}
	tr := &domain.Plugin{Name: "dbt", Kind: domain.PluginTransformer}

	tests := []struct {
		name string
		plan Plan
		ok   bool
	}{
		{"extract only", Plan{Extractor: ext}, true},
		{"extract load", Plan{Extractor: ext, Loader: ld}, true},
		{"full", Plan{Extractor: ext, Loader: ld, Transformer: tr}, true},
		{"transform only", Plan{Transformer: tr}, true},
		{"empty", Plan{}, false},
		{"load only", Plan{Loader: ld}, false},
		{"extract transform", Plan{Extractor: ext, Transformer: tr}, false},
		{"wrong kind", Plan{Extractor: ld}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidPlan) {
				t.Errorf("expected ErrInvalidPlan, got %v", err)
			}
		})
	}
}

func TestPlan_KeyIgnoresConnection(t *testing.T) {
	ext := &domain.Plugin{Name: "tap-csv", Kind: domain.PluginExtractor}
	ld := &domain.Plugin{Name: "target-postgres", Kind: domain.PluginLoader}

	a := Plan{Extractor: ext, Loader: ld, Connection: domain.Connection{Name: "prod"}}
	b := Plan{Extractor: ext, Loader: ld, Connection: domain.Connection{Name: "staging"}}

	if a.Key() != b.Key() {
		t.Errorf("keys differ: %v vs %v", a.Key(), b.Key())
	}
	if a.Key().String() != "tap-csv|target-postgres|" {
		t.Errorf("unexpected key string %q", a.Key().String())
	}
}

// --- State Path Property ---

// scriptedStages — StageRunner с заранее заданными итогами стадий.
type scriptedStages struct {
	outcomes map[domain.StageKind]domain.OutcomeKind
	calls    []domain.StageKind
}

func (s *scriptedStages) Run(ctx context.Context, req stage.Request) (domain.StageResult, error) {
	s.calls = append(s.calls, req.Kind)

	kind, ok := s.outcomes[req.Kind]
	if !ok {
		kind = domain.OutcomeSuccess
	}

	from := req.Log.Next()
	req.Log.Append(req.Kind, domain.LogSourceStderr, string(req.Kind)+" running", time.Now())

	res := domain.StageResult{
		Stage:   req.Kind,
		Plugin:  req.Plugin.Name,
		Outcome: domain.ExitOutcome{Kind: kind},
		LogFrom: from,
		LogTo:   req.Log.Next(),
	}
	if kind != domain.OutcomeSuccess {
		return res, &stage.StageFailedError{Stage: req.Kind, Plugin: req.Plugin.Name, Outcome: res.Outcome}
	}
	return res, nil
}

func TestRun_StatePathProperty(t *testing.T) {
	ext := &domain.Plugin{Name: "tap", Kind: domain.PluginExtractor}
	ld := &domain.Plugin{Name: "target", Kind: domain.PluginLoader}
	tr := &domain.Plugin{Name: "dbt", Kind: domain.PluginTransformer}

	plans := []Plan{
		{Extractor: ext},
		{Extractor: ext, Loader: ld},
		{Extractor: ext, Loader: ld, Transformer: tr},
		{Transformer: tr},
	}
	failures := []domain.OutcomeKind{
		domain.OutcomeNonZeroExit,
		domain.OutcomeSignalTerminated,
		domain.OutcomeLaunchFailed,
		domain.OutcomeTimedOut,
		domain.OutcomeCancelled,
	}

	for pi, plan := range plans {
		// сценарии: всё успешно, либо одна стадия завершается с каждым из неуспешных итогов
		scenarios := []map[domain.StageKind]domain.OutcomeKind{{}}
		for _, st := range plan.Stages() {
			for _, f := range failures {
				scenarios = append(scenarios, map[domain.StageKind]domain.OutcomeKind{st.Kind: f})
			}
		}

		for si, outcomes := range scenarios {
			t.Run(fmt.Sprintf("plan%d/scenario%d", pi, si), func(t *testing.T) {
				runner := &scriptedStages{outcomes: outcomes}
				r := NewRun(RunConfig{
					Job:      domain.Job{ID: uuid.New(), Key: plan.Key(), CreatedAt: time.Now()},
					Plan:     plan,
					Executor: runner,
					SpoolDir: t.TempDir(),
				})

				job, err := r.Execute(context.Background())
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}

				if err := ValidatePath(job.StatePath()); err != nil {
					t.Fatalf("invalid path %v: %v", job.StatePath(), err)
				}
				if !job.State.IsTerminal() {
					t.Fatalf("job not terminal: %s", job.State)
				}

				// ровно один результат на каждый переход из состояния стадии
				want := 0
				for _, tr := range job.Transitions {
					if stageResultRequired(tr.From) {
						want++
					}
				}
				if len(job.Stages) != want {
					t.Errorf("stage results = %d, want %d", len(job.Stages), want)
				}

				// после неуспешной стадии следующие не запускаются
				if len(runner.calls) != len(job.Stages) {
					t.Errorf("executed %d stages, recorded %d", len(runner.calls), len(job.Stages))
				}

				if len(outcomes) == 0 && job.State != domain.JobStateSucceeded {
					t.Errorf("expected SUCCEEDED, got %s", job.State)
				}
				for _, kind := range outcomes {
					wantState := domain.JobStateFailed
					if kind == domain.OutcomeCancelled {
						wantState = domain.JobStateCancelled
					}
					if job.State != wantState {
						t.Errorf("expected %s, got %s", wantState, job.State)
					}
				}
			})
		}
	}
}
