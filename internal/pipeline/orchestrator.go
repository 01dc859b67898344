// Package pipeline drives a proposal run through its stages: requirement
// extraction, optional planning, document-code generation, execution against
// the document runtime with bounded error recovery, and an optional
// critique/revision loop. Every intermediate artifact is persisted through
// the run store before the next stage starts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/Scientialibera/RFP-BUILDER/internal/chunk"
	"github.com/Scientialibera/RFP-BUILDER/internal/config"
	"github.com/Scientialibera/RFP-BUILDER/internal/docrun"
	"github.com/Scientialibera/RFP-BUILDER/internal/llm"
	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
	"github.com/Scientialibera/RFP-BUILDER/internal/runstore"
)

// Orchestrator owns the run state machine. It is safe for concurrent use;
// each run gets its own stage executor and interaction log.
type Orchestrator struct {
	log      *slog.Logger
	store    *runstore.Store
	client   llm.Client
	runtime  docrun.Runtime
	defaults config.PipelineConfig
	counter  chunk.TokenCounter

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func New(log *slog.Logger, store *runstore.Store, client llm.Client, runtime docrun.Runtime, defaults config.PipelineConfig, counter chunk.TokenCounter) *Orchestrator {
	if counter == nil {
		counter = chunk.ZeroCounter{}
	}
	return &Orchestrator{
		log:      log,
		store:    store,
		client:   client,
		runtime:  runtime,
		defaults: defaults,
		counter:  counter,
		running:  map[string]context.CancelFunc{},
	}
}

// Result summarizes a finished run for synchronous callers. The run store
// holds the full artifact history.
type Result struct {
	RunID       string                   `json:"run_id"`
	State       runstore.RunState        `json:"state"`
	Analysis    *proposal.Analysis       `json:"analysis,omitempty"`
	Plan        *proposal.Plan           `json:"plan,omitempty"`
	Critiques   []proposal.Critique      `json:"critiques,omitempty"`
	Execution   proposal.ExecutionResult `json:"execution"`
	DocumentRef string                   `json:"document_ref,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

// Run executes the full pipeline synchronously and returns when the run is
// terminal. The returned error is non-nil only for failures before a run
// record exists; pipeline failures are reported through Result.State.
func (o *Orchestrator) Run(ctx context.Context, in Input) (Result, error) {
	run, err := o.store.CreateRun()
	if err != nil {
		return Result{}, err
	}
	return o.execute(ctx, run, in), nil
}

// StartRun launches the pipeline in the background and returns the run id
// immediately. Progress is observable through the run's event stream.
func (o *Orchestrator) StartRun(in Input) (string, error) {
	run, err := o.store.CreateRun()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.running[run.ID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.running, run.ID)
			o.mu.Unlock()
			cancel()
		}()
		o.execute(ctx, run, in)
	}()
	return run.ID, nil
}

// Cancel aborts an in-flight run. It is a no-op for unknown or finished runs.
func (o *Orchestrator) Cancel(runID string) bool {
	o.mu.Lock()
	cancel, ok := o.running[runID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a run is currently executing in this process.
func (o *Orchestrator) Running(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[runID]
	return ok
}

// runCtx carries the per-run mutable state threaded through the stages.
type runCtx struct {
	run    *runstore.Run
	in     Input
	cfg    config.PipelineConfig
	st     *stages
	imgs   imageSet
	result Result

	// Monotonic per run: error-recovery attempts never reuse a number, even
	// across critique revision cycles.
	recoveries int
}

func (o *Orchestrator) execute(ctx context.Context, run *runstore.Run, in Input) Result {
	cfg := o.defaults.Resolve(in.Options)
	rc := &runCtx{
		run:    run,
		in:     in,
		cfg:    cfg,
		result: Result{RunID: run.ID, State: run.State},
	}

	// Validate before any completion call is issued.
	if err := in.Validate(); err != nil {
		return o.fail(rc, &StageError{Kind: KindConfiguration, Err: err})
	}
	if err := cfg.Validate(); err != nil {
		return o.fail(rc, &StageError{Kind: KindConfiguration, Err: err})
	}

	client := llm.Logged(o.client, llm.NewInteractionLog(o.store.Subdir(run.ID, "llm_interactions")))
	rc.st = &stages{client: client, cfg: cfg, counter: o.counter, log: o.log.With("run", run.ID)}
	rc.imgs = collectImages(cfg, in)

	o.event(run.ID, runstore.Event{Stage: "pipeline", Status: "started", Data: map[string]any{
		"stages": stageList(cfg),
		"images": len(rc.imgs.All()),
	}})

	if err := o.runStages(ctx, rc); err != nil {
		return o.fail(rc, err)
	}
	return o.finalize(rc)
}

// stageList is the run's planned stage sequence, fixed at run start from the
// resolved options.
func stageList(cfg config.PipelineConfig) []string {
	list := []string{"extract"}
	if cfg.EnablePlanner {
		list = append(list, "plan")
	}
	list = append(list, "generate", "execute")
	if cfg.EnableCritiquer && !cfg.GenerationChunking {
		list = append(list, "critique")
	}
	return list
}

func (o *Orchestrator) runStages(ctx context.Context, rc *runCtx) error {
	// Extraction.
	o.transition(rc.run, runstore.StateExtracting, "")
	analysis, err := rc.st.Extract(ctx, rc.in, nil, rc.imgs)
	if err != nil {
		return err
	}
	version, err := o.store.AppendAnalysisVersion(rc.run.ID, analysis)
	if err != nil {
		return err
	}
	rc.result.Analysis = &analysis
	o.event(rc.run.ID, runstore.Event{Stage: "extract", Status: "completed", Data: map[string]any{
		"version": version, "requirements": len(analysis.Requirements),
	}})

	// Planning.
	var plan *proposal.Plan
	if rc.cfg.EnablePlanner {
		o.transition(rc.run, runstore.StatePlanning, "")
		p, err := rc.st.Plan(ctx, analysis, nil, rc.in.Comment)
		if err != nil {
			return err
		}
		version, err := o.store.AppendPlanVersion(rc.run.ID, p)
		if err != nil {
			return err
		}
		plan = &p
		rc.result.Plan = plan
		o.event(rc.run.ID, runstore.Event{Stage: "plan", Status: "completed", Data: map[string]any{
			"version": version, "sections": len(p.Sections),
		}})
	}

	// Generation.
	o.transition(rc.run, runstore.StateGenerating, "")
	var code string
	if rc.cfg.GenerationChunking {
		chunkCode, critiques, err := rc.st.GenerateChunked(ctx, rc.in, analysis, *plan, rc.imgs)
		if err != nil {
			return err
		}
		for _, c := range critiques {
			if _, err := o.store.AppendCritique(rc.run.ID, c); err != nil {
				return err
			}
		}
		rc.result.Critiques = critiques
		code = chunkCode
	} else {
		code, err = rc.st.Generate(ctx, rc.in, analysis, plan, rc.imgs, genModifiers{})
		if err != nil {
			return err
		}
	}
	o.event(rc.run.ID, runstore.Event{Stage: "generate", Status: "completed", Data: map[string]any{
		"code_bytes": len(code),
	}})

	// Execution with bounded error recovery.
	code, label, execRes, err := o.executeWithRecovery(ctx, rc, analysis, plan, code, "initial")
	if err != nil {
		rc.result.Execution = execRes
		return err
	}

	// Critique loop. Chunked generation already critiqued each part, and the
	// synthesis output is final.
	if rc.cfg.EnableCritiquer && !rc.cfg.GenerationChunking {
		code, execRes, err = o.critiqueLoop(ctx, rc, analysis, plan, code, label, execRes)
		if err != nil {
			rc.result.Execution = execRes
			return err
		}
	}

	// The terminating code snapshot is labeled final.
	if _, err := o.store.AppendCodeSnapshot(rc.run.ID, "final", code); err != nil {
		return err
	}
	rc.result.Execution = execRes
	rc.result.DocumentRef = execRes.DocumentRef
	return nil
}

// executeWithRecovery runs the document runtime on code, regenerating on
// failure up to max_error_loops extra attempts. Failed code persists under
// its provisional label before the replacement is generated; the successful
// code is returned unpersisted, with the label it was generated as, so the
// caller decides its terminal label.
func (o *Orchestrator) executeWithRecovery(ctx context.Context, rc *runCtx, analysis proposal.Analysis, plan *proposal.Plan, code, label string) (string, string, proposal.ExecutionResult, error) {
	attempts := rc.cfg.MaxErrorLoops + 1
	outDir := o.store.Subdir(rc.run.ID, "word_document")
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		o.transition(rc.run, runstore.StateExecuting, fmt.Sprintf("attempt %d of %d", attempt, attempts))
		res, err := o.runtime.Execute(ctx, code, outDir)
		if err == nil && res.DocumentRef == "" {
			// Success without a rendered document is still a failed attempt.
			err = errors.New("runtime reported success without a document reference")
		}
		o.store.AppendExecutionLog(rc.run.ID, rc.recoveries+1, label, res.Log, err)
		if err == nil {
			o.event(rc.run.ID, runstore.Event{Stage: "execute", Status: "completed", Data: map[string]any{
				"attempt": attempt, "document": res.DocumentRef,
			}})
			return code, label, proposal.ExecutionResult{
				Success:     true,
				DocumentRef: path.Join("word_document", res.DocumentRef),
				Attempts:    attempt,
				DurationSec: time.Since(start).Seconds(),
			}, nil
		}
		lastErr = err
		o.event(rc.run.ID, runstore.Event{Stage: "execute", Status: "failed", Message: err.Error(), Data: map[string]any{
			"attempt": attempt,
		}})

		// Keep the failed code under the label it was generated as.
		if _, snapErr := o.store.AppendCodeSnapshot(rc.run.ID, label, code); snapErr != nil {
			return "", "", proposal.ExecutionResult{}, snapErr
		}
		if attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			return "", "", proposal.ExecutionResult{}, stageErr(KindExecution, "run canceled: %w", ctx.Err())
		}

		rc.recoveries++
		label = fmt.Sprintf("error-recovery-%d", rc.recoveries)
		o.transition(rc.run, runstore.StateErrorRecovering, label)
		if err := o.bumpRecoveries(rc.run.ID); err != nil {
			return "", "", proposal.ExecutionResult{}, err
		}

		fixed, genErr := rc.st.Generate(ctx, rc.in, analysis, plan, rc.imgs, genModifiers{
			PriorCode:   code,
			ErrorDetail: lastErr.Error(),
		})
		if genErr != nil {
			return "", "", proposal.ExecutionResult{}, genErr
		}
		code = fixed
	}
	return "", "", proposal.ExecutionResult{
		Success:     false,
		Attempts:    attempts,
		DurationSec: time.Since(start).Seconds(),
		LastError:   lastErr.Error(),
	}, stageErr(KindExecution, "document execution failed after %d attempts: %w", attempts, lastErr)
}

// critiqueLoop reviews the executed code up to max_critiques times. A verdict
// still requesting revision once the bound is reached does not fail the run;
// the last successful code wins.
func (o *Orchestrator) critiqueLoop(ctx context.Context, rc *runCtx, analysis proposal.Analysis, plan *proposal.Plan, code, label string, execRes proposal.ExecutionResult) (string, proposal.ExecutionResult, error) {
	for round := 1; round <= rc.cfg.MaxCritiques; round++ {
		o.transition(rc.run, runstore.StateCritiquing, fmt.Sprintf("round %d of %d", round, rc.cfg.MaxCritiques))
		crit, err := rc.st.Critique(ctx, analysis, code)
		if err != nil {
			return "", proposal.ExecutionResult{}, err
		}
		n, err := o.store.AppendCritique(rc.run.ID, crit)
		if err != nil {
			return "", proposal.ExecutionResult{}, err
		}
		rc.result.Critiques = append(rc.result.Critiques, crit)
		o.event(rc.run.ID, runstore.Event{Stage: "critique", Status: "completed", Data: map[string]any{
			"round": n, "needs_revision": crit.NeedsRevision,
		}})
		if !crit.NeedsRevision {
			break
		}

		// The superseded code persists under its provisional label before the
		// revision replaces it.
		if _, err := o.store.AppendCodeSnapshot(rc.run.ID, label, code); err != nil {
			return "", proposal.ExecutionResult{}, err
		}
		label = fmt.Sprintf("critique-revision-%d", round)
		o.transition(rc.run, runstore.StateRevising, label)
		revised, err := rc.st.Generate(ctx, rc.in, analysis, plan, rc.imgs, genModifiers{
			PriorCode: code,
			Critique:  &crit,
		})
		if err != nil {
			return "", proposal.ExecutionResult{}, err
		}
		code, label, execRes, err = o.executeWithRecovery(ctx, rc, analysis, plan, revised, label)
		if err != nil {
			return "", proposal.ExecutionResult{}, err
		}
	}
	return code, execRes, nil
}

func (o *Orchestrator) finalize(rc *runCtx) Result {
	o.transition(rc.run, runstore.StateFinalized, "")
	if m, err := o.store.ReadManifest(rc.run.ID); err == nil {
		m.DocumentRef = rc.result.DocumentRef
		if err := o.store.WriteManifest(rc.run.ID, m); err != nil {
			o.log.Warn("manifest write failed", "run", rc.run.ID, "error", err)
		}
	}
	o.event(rc.run.ID, runstore.Event{Stage: "pipeline", Status: "finalized", Data: map[string]any{
		"document": rc.result.DocumentRef,
	}})
	rc.result.State = runstore.StateFinalized
	return rc.result
}

func (o *Orchestrator) fail(rc *runCtx, err error) Result {
	kind := ErrKind(err)
	if kind == "" {
		kind = KindConfiguration
		if errors.Is(err, context.Canceled) {
			kind = KindExecution
		}
	}
	rc.run.FailedStage = string(kind)
	rc.run.Error = err.Error()
	o.transition(rc.run, runstore.StateFailed, err.Error())

	if m, mErr := o.store.ReadManifest(rc.run.ID); mErr == nil {
		m.FailedStage = string(kind)
		m.Error = err.Error()
		if wErr := o.store.WriteManifest(rc.run.ID, m); wErr != nil {
			o.log.Warn("manifest write failed", "run", rc.run.ID, "error", wErr)
		}
	}
	o.event(rc.run.ID, runstore.Event{Stage: "pipeline", Status: "failed", Message: err.Error(), Data: map[string]any{
		"failed_stage": string(kind),
	}})
	o.log.Error("run failed", "run", rc.run.ID, "stage", kind, "error", err)

	rc.result.State = runstore.StateFailed
	rc.result.Error = err.Error()
	return rc.result
}

func (o *Orchestrator) transition(run *runstore.Run, to runstore.RunState, msg string) {
	from := run.State
	run.State = to
	run.Transitions = append(run.Transitions, runstore.StageTransition{
		At:      time.Now().UTC(),
		From:    from,
		To:      to,
		Message: msg,
	})
	if err := o.store.UpdateRun(run); err != nil {
		o.log.Warn("run update failed", "run", run.ID, "error", err)
	}
	o.event(run.ID, runstore.Event{Stage: string(to), Status: "entered", Message: msg})
}

func (o *Orchestrator) event(runID string, ev runstore.Event) {
	if err := o.store.AppendEvent(runID, ev); err != nil {
		o.log.Warn("event append failed", "run", runID, "error", err)
	}
}

func (o *Orchestrator) bumpRecoveries(runID string) error {
	m, err := o.store.ReadManifest(runID)
	if err != nil {
		return err
	}
	m.ErrorRecoveries++
	return o.store.WriteManifest(runID, m)
}
