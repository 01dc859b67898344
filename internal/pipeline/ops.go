package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/Scientialibera/RFP-BUILDER/internal/config"
	"github.com/Scientialibera/RFP-BUILDER/internal/llm"
	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
	"github.com/Scientialibera/RFP-BUILDER/internal/runstore"
)

// Single-stage operations run one pipeline stage in isolation, without a run
// record. They share the stage executors with the full pipeline so behavior
// never drifts between the two paths.

func (o *Orchestrator) newStages(in Input) *stages {
	cfg := o.defaults.Resolve(in.Options)
	return &stages{client: o.client, cfg: cfg, counter: o.counter, log: o.log}
}

// ExtractOnly runs the extractor alone. A prior analysis makes the call a
// revision of that analysis rather than a fresh extraction.
func (o *Orchestrator) ExtractOnly(ctx context.Context, in Input, prior *proposal.Analysis) (proposal.Analysis, error) {
	if err := in.Validate(); err != nil {
		return proposal.Analysis{}, &StageError{Kind: KindConfiguration, Err: err}
	}
	st := o.newStages(in)
	return st.Extract(ctx, in, prior, collectImages(st.cfg, in))
}

// PlanOnly runs the planner alone, revising prior when given.
func (o *Orchestrator) PlanOnly(ctx context.Context, in Input, analysis proposal.Analysis, prior *proposal.Plan) (proposal.Plan, error) {
	if err := analysis.Validate(); err != nil {
		return proposal.Plan{}, stageErr(KindConfiguration, "invalid analysis: %w", err)
	}
	return o.newStages(in).Plan(ctx, analysis, prior, in.Comment)
}

func (o *Orchestrator) GenerateOnly(ctx context.Context, in Input, analysis proposal.Analysis, plan *proposal.Plan) (string, error) {
	if err := in.Validate(); err != nil {
		return "", &StageError{Kind: KindConfiguration, Err: err}
	}
	if err := analysis.Validate(); err != nil {
		return "", stageErr(KindConfiguration, "invalid analysis: %w", err)
	}
	st := o.newStages(in)
	return st.Generate(ctx, in, analysis, plan, collectImages(st.cfg, in), genModifiers{})
}

func (o *Orchestrator) CritiqueOnly(ctx context.Context, in Input, analysis proposal.Analysis, code string) (proposal.Critique, error) {
	if strings.TrimSpace(code) == "" {
		return proposal.Critique{}, stageErr(KindConfiguration, "document code is empty")
	}
	return o.newStages(in).Critique(ctx, analysis, code)
}

// Regenerate revises a finished run's document and appends the result as a
// new revision snapshot. With editedCode set the supplied code is executed
// as-is, exactly once, with no model call; otherwise the generator revises the
// latest snapshot guided by the operator's comment. The original snapshots and
// document stay in place either way.
func (o *Orchestrator) Regenerate(ctx context.Context, runID, comment, editedCode string, opts *config.Options) (Result, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return Result{}, err
	}
	if !run.State.Terminal() {
		return Result{}, fmt.Errorf("run %s is still %s", runID, run.State)
	}
	analysis, err := o.store.ReadAnalysis(runID, 0)
	if err != nil {
		return Result{}, fmt.Errorf("run %s has no analysis to regenerate from: %w", runID, err)
	}
	_, code, err := o.store.ReadCodeSnapshot(runID, "")
	if err != nil {
		return Result{}, err
	}
	var plan *proposal.Plan
	if p, perr := o.store.ReadPlan(runID, 0); perr == nil {
		plan = &p
	}

	in := Input{Comment: comment, Options: opts}
	rc := &runCtx{
		run:    run,
		in:     in,
		cfg:    o.defaults.Resolve(opts),
		result: Result{RunID: runID, State: run.State, Analysis: &analysis, Plan: plan},
	}
	client := llm.Logged(o.client, llm.NewInteractionLog(o.store.Subdir(runID, "llm_interactions")))
	rc.st = &stages{client: client, cfg: rc.cfg, counter: o.counter, log: o.log.With("run", runID)}
	// Error-recovery numbering continues from the original run.
	if m, mErr := o.store.ReadManifest(runID); mErr == nil {
		rc.recoveries = m.ErrorRecoveries
	}

	label := nextRevisionLabel(o.store, runID)
	o.event(runID, runstore.Event{Stage: "regenerate", Status: "started", Message: comment})

	var revised string
	if strings.TrimSpace(editedCode) != "" {
		// Operator-edited code runs exactly once; a broken edit is reported
		// back, not silently rewritten by the model.
		revised = editedCode
		rc.cfg.MaxErrorLoops = 0
	} else {
		revised, err = rc.st.Generate(ctx, in, analysis, plan, imageSet{}, genModifiers{
			PriorCode: code,
		})
		if err != nil {
			o.event(runID, runstore.Event{Stage: "regenerate", Status: "failed", Message: err.Error()})
			return Result{}, err
		}
	}
	finalCode, finalLabel, execRes, err := o.executeWithRecovery(ctx, rc, analysis, plan, revised, label)
	if err != nil {
		// The run keeps its original document; a failed regeneration does not
		// fail the run.
		o.transition(run, runstore.StateFinalized, "regeneration failed")
		o.event(runID, runstore.Event{Stage: "regenerate", Status: "failed", Message: err.Error()})
		return Result{}, err
	}
	if _, err := o.store.AppendCodeSnapshot(runID, finalLabel, finalCode); err != nil {
		return Result{}, err
	}
	o.transition(run, runstore.StateFinalized, finalLabel)

	if m, mErr := o.store.ReadManifest(runID); mErr == nil {
		m.DocumentRef = execRes.DocumentRef
		if wErr := o.store.WriteManifest(runID, m); wErr != nil {
			o.log.Warn("manifest write failed", "run", runID, "error", wErr)
		}
	}
	o.event(runID, runstore.Event{Stage: "regenerate", Status: "completed", Data: map[string]any{
		"snapshot": finalLabel, "document": execRes.DocumentRef,
	}})

	rc.result.Execution = execRes
	rc.result.DocumentRef = execRes.DocumentRef
	rc.result.State = run.State
	return rc.result, nil
}

// nextRevisionLabel numbers operator-requested revisions independently of the
// pipeline's own snapshot labels.
func nextRevisionLabel(store *runstore.Store, runID string) string {
	n := 1
	if m, err := store.ReadManifest(runID); err == nil {
		for _, s := range m.CodeSnapshots {
			if strings.HasPrefix(s.Stage, "revision-") {
				n++
			}
		}
	}
	return fmt.Sprintf("revision-%d", n)
}
