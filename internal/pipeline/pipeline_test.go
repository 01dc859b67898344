package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Scientialibera/RFP-BUILDER/internal/chunk"
	"github.com/Scientialibera/RFP-BUILDER/internal/config"
	"github.com/Scientialibera/RFP-BUILDER/internal/docrun"
	"github.com/Scientialibera/RFP-BUILDER/internal/llm"
	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
	"github.com/Scientialibera/RFP-BUILDER/internal/runstore"
)

const analysisJSON = `{
	"summary": "Build a widget",
	"requirements": [
		{"id": "REQ-001", "description": "must do A", "category": "technical", "mandatory": true, "cited_pages": [1]},
		{"id": "REQ-002", "description": "should do B", "category": "management", "mandatory": false, "cited_pages": [2]}
	]
}`

const planJSON = `{
	"overview": "two sections",
	"sections": [
		{"title": "Approach", "summary": "how", "requirement_ids": ["REQ-001"], "cited_pages": [1]},
		{"title": "Team", "summary": "who", "requirement_ids": ["REQ-002"], "cited_pages": [2]}
	]
}`

const codeJSON = `{"document_code": "# Proposal\n\nWe address REQ-001 and REQ-002."}`

func critiqueJSON(needsRevision bool) string {
	b, _ := json.Marshal(proposal.Critique{
		NeedsRevision: needsRevision,
		Narrative:     "verdict",
		PriorityFixes: []string{"tighten section one"},
	})
	return string(b)
}

// scriptedClient routes completion calls by stage and records every request.
type scriptedClient struct {
	mu    sync.Mutex
	calls []llm.Request

	critic func(call int) string // nil => approve
	nCrit  int
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()
	switch req.Stage {
	case "extractor":
		return analysisJSON, nil
	case "planner":
		return planJSON, nil
	case "generator", "synthesis":
		return codeJSON, nil
	case "critiquer":
		c.mu.Lock()
		c.nCrit++
		n := c.nCrit
		critic := c.critic
		c.mu.Unlock()
		if critic == nil {
			return critiqueJSON(false), nil
		}
		return critic(n), nil
	}
	return "", fmt.Errorf("unexpected stage %q", req.Stage)
}

func (c *scriptedClient) stageCalls(stage string) []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []llm.Request
	for _, r := range c.calls {
		if r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

// flakyRuntime fails the first failures executions, then renders for real.
func flakyRuntime(failures int) docrun.Runtime {
	real := docrun.NewMarkdownRuntime()
	var mu sync.Mutex
	n := 0
	return docrun.Func(func(ctx context.Context, code, outDir string) (docrun.Result, error) {
		mu.Lock()
		n++
		attempt := n
		mu.Unlock()
		if attempt <= failures {
			return docrun.Result{Log: "boom"}, errors.New("renderer crashed")
		}
		return real.Execute(ctx, code, outDir)
	})
}

func testInput() Input {
	return Input{
		Target: proposal.SourceDocument{
			Name:     "rfp.pdf",
			Category: proposal.CategoryTarget,
			Pages: []proposal.Page{
				{Num: 1, Text: "page one requirements"},
				{Num: 2, Text: "page two requirements"},
			},
		},
	}
}

func newTestOrchestrator(t *testing.T, client llm.Client, rt docrun.Runtime, cfg config.PipelineConfig, counter chunk.TokenCounter) (*Orchestrator, *runstore.Store) {
	t.Helper()
	store := runstore.New(t.TempDir())
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if rt == nil {
		rt = docrun.NewMarkdownRuntime()
	}
	return New(logger, store, client, rt, cfg, counter), store
}

func snapshotStages(t *testing.T, store *runstore.Store, runID string) []string {
	t.Helper()
	m, err := store.ReadManifest(runID)
	if err != nil {
		t.Fatal(err)
	}
	var stages []string
	for _, s := range m.CodeSnapshots {
		stages = append(stages, s.Stage)
	}
	return stages
}

func TestRun_HappyPath(t *testing.T) {
	client := &scriptedClient{}
	orch, store := newTestOrchestrator(t, client, nil, config.DefaultConfig().Pipeline, nil)

	res, err := orch.Run(context.Background(), testInput())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != runstore.StateFinalized {
		t.Fatalf("state = %s (%s)", res.State, res.Error)
	}
	if res.Analysis == nil || len(res.Analysis.Requirements) != 2 {
		t.Fatalf("analysis = %+v", res.Analysis)
	}
	if !res.Execution.Success || res.Execution.Attempts != 1 {
		t.Fatalf("execution = %+v", res.Execution)
	}
	if got := snapshotStages(t, store, res.RunID); len(got) != 1 || got[0] != "final" {
		t.Fatalf("snapshots = %v, want [final]", got)
	}

	// The rendered document exists where the manifest points.
	m, _ := store.ReadManifest(res.RunID)
	if m.DocumentRef == "" {
		t.Fatal("manifest has no document ref")
	}
	doc := filepath.Join(store.RunDir(res.RunID), filepath.FromSlash(m.DocumentRef))
	b, err := os.ReadFile(doc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "REQ-001") {
		t.Fatalf("document does not carry the generated content")
	}
}

func TestRun_ErrorRecoveryPersistsEachAttempt(t *testing.T) {
	client := &scriptedClient{}
	cfg := config.DefaultConfig().Pipeline
	cfg.MaxErrorLoops = 2
	orch, store := newTestOrchestrator(t, client, flakyRuntime(2), cfg, nil)

	res, err := orch.Run(context.Background(), testInput())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != runstore.StateFinalized {
		t.Fatalf("state = %s (%s)", res.State, res.Error)
	}
	if res.Execution.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Execution.Attempts)
	}

	got := snapshotStages(t, store, res.RunID)
	want := []string{"initial", "error-recovery-1", "final"}
	if len(got) != len(want) {
		t.Fatalf("snapshots = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshots = %v, want %v", got, want)
		}
	}

	m, _ := store.ReadManifest(res.RunID)
	if m.ErrorRecoveries != 2 {
		t.Fatalf("error recoveries = %d, want 2", m.ErrorRecoveries)
	}

	// Recovery generations carried the execution error back to the model.
	gens := client.stageCalls("generator")
	if len(gens) != 3 {
		t.Fatalf("generator calls = %d, want 3", len(gens))
	}
	for _, g := range gens[1:] {
		if !strings.Contains(g.User, "renderer crashed") {
			t.Fatalf("recovery prompt missing error detail")
		}
	}
}

func TestRun_ExecutionFailureExhaustsBudget(t *testing.T) {
	client := &scriptedClient{}
	cfg := config.DefaultConfig().Pipeline
	cfg.MaxErrorLoops = 1
	orch, store := newTestOrchestrator(t, client, flakyRuntime(99), cfg, nil)

	res, err := orch.Run(context.Background(), testInput())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != runstore.StateFailed {
		t.Fatalf("state = %s", res.State)
	}

	run, err := store.GetRun(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.FailedStage != "execution" {
		t.Fatalf("failed stage = %s", run.FailedStage)
	}

	// Both failed attempts left their code behind; nothing is labeled final.
	got := snapshotStages(t, store, res.RunID)
	want := []string{"initial", "error-recovery-1"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("snapshots = %v, want %v", got, want)
	}
}

func TestRun_EmptyDocumentRefIsExecutionFailure(t *testing.T) {
	client := &scriptedClient{}
	cfg := config.DefaultConfig().Pipeline
	cfg.MaxErrorLoops = 1
	// Reports success but never names a rendered document.
	rt := docrun.Func(func(ctx context.Context, code, outDir string) (docrun.Result, error) {
		return docrun.Result{Log: "rendered nothing"}, nil
	})
	orch, store := newTestOrchestrator(t, client, rt, cfg, nil)

	res, err := orch.Run(context.Background(), testInput())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != runstore.StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if res.Execution.Success {
		t.Fatal("execution reported success without a document")
	}
	if res.Execution.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", res.Execution.Attempts)
	}
	if !strings.Contains(res.Execution.LastError, "document reference") {
		t.Fatalf("last error = %q", res.Execution.LastError)
	}
	if res.DocumentRef != "" {
		t.Fatalf("document ref = %q, want empty", res.DocumentRef)
	}

	run, err := store.GetRun(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.FailedStage != "execution" {
		t.Fatalf("failed stage = %s", run.FailedStage)
	}
}

func TestRun_CritiqueBoundReachedStillFinalizes(t *testing.T) {
	client := &scriptedClient{critic: func(int) string { return critiqueJSON(true) }}
	cfg := config.DefaultConfig().Pipeline
	cfg.EnableCritiquer = true
	cfg.MaxCritiques = 1
	orch, store := newTestOrchestrator(t, client, nil, cfg, nil)

	res, err := orch.Run(context.Background(), testInput())
	if err != nil {
		t.Fatal(err)
	}
	// The verdict still wanted another revision, but the bound wins.
	if res.State != runstore.StateFinalized {
		t.Fatalf("state = %s (%s)", res.State, res.Error)
	}
	if len(res.Critiques) != 1 {
		t.Fatalf("critiques = %d, want 1", len(res.Critiques))
	}

	got := snapshotStages(t, store, res.RunID)
	want := []string{"initial", "final"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("snapshots = %v, want %v", got, want)
	}

	// The revision generation saw the critique.
	gens := client.stageCalls("generator")
	if len(gens) != 2 {
		t.Fatalf("generator calls = %d, want 2", len(gens))
	}
	if !strings.Contains(gens[1].User, "tighten section one") {
		t.Fatal("revision prompt missing critique fixes")
	}
}

func TestRun_ApprovedCritiqueSkipsRevision(t *testing.T) {
	client := &scriptedClient{} // critic approves
	cfg := config.DefaultConfig().Pipeline
	cfg.EnableCritiquer = true
	cfg.MaxCritiques = 3
	orch, store := newTestOrchestrator(t, client, nil, cfg, nil)

	res, err := orch.Run(context.Background(), testInput())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != runstore.StateFinalized {
		t.Fatalf("state = %s", res.State)
	}
	if len(res.Critiques) != 1 {
		t.Fatalf("approval should stop the loop after one verdict, got %d", len(res.Critiques))
	}
	if got := snapshotStages(t, store, res.RunID); len(got) != 1 || got[0] != "final" {
		t.Fatalf("snapshots = %v, want [final]", got)
	}
}

func TestRun_InvalidOptionCombinationFailsBeforeAnyCall(t *testing.T) {
	client := &scriptedClient{}
	cfg := config.DefaultConfig().Pipeline
	cfg.GenerationChunking = true
	cfg.EnablePlanner = false
	orch, store := newTestOrchestrator(t, client, nil, cfg, nil)

	res, err := orch.Run(context.Background(), testInput())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != runstore.StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if len(client.calls) != 0 {
		t.Fatalf("completion calls before validation failure: %d", len(client.calls))
	}
	run, _ := store.GetRun(res.RunID)
	if run.FailedStage != "configuration" {
		t.Fatalf("failed stage = %s", run.FailedStage)
	}
}

func TestRun_MalformedExtractionFailsRun(t *testing.T) {
	client := llm.Func(func(ctx context.Context, req llm.Request) (string, error) {
		return "sorry, I cannot help with that", nil
	})
	orch, store := newTestOrchestrator(t, client, nil, config.DefaultConfig().Pipeline, nil)

	res, err := orch.Run(context.Background(), testInput())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != runstore.StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	run, _ := store.GetRun(res.RunID)
	if run.FailedStage != "extraction" {
		t.Fatalf("failed stage = %s", run.FailedStage)
	}
}

func TestRun_ChunkedGenerationCritiquesPartsNotSynthesis(t *testing.T) {
	client := &scriptedClient{} // critic approves each part
	cfg := config.DefaultConfig().Pipeline
	cfg.EnablePlanner = true
	cfg.EnableCritiquer = true
	cfg.MaxCritiques = 1
	cfg.GenerationChunking = true
	cfg.GenerationMaxChunkSections = 1
	cfg.GenerationIntroPages = 1
	orch, store := newTestOrchestrator(t, client, nil, cfg, nil)

	res, err := orch.Run(context.Background(), testInput())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != runstore.StateFinalized {
		t.Fatalf("state = %s (%s)", res.State, res.Error)
	}

	// Two plan sections at one section per chunk: two part generations, two
	// per-part critiques, one synthesis, and no post-execution critique.
	if gens := client.stageCalls("generator"); len(gens) != 2 {
		t.Fatalf("generator calls = %d, want 2", len(gens))
	}
	if synth := client.stageCalls("synthesis"); len(synth) != 1 {
		t.Fatalf("synthesis calls = %d, want 1", len(synth))
	}
	if crits := client.stageCalls("critiquer"); len(crits) != 2 {
		t.Fatalf("critiquer calls = %d, want 2", len(crits))
	}
	m, _ := store.ReadManifest(res.RunID)
	if m.CritiqueCount != 2 {
		t.Fatalf("persisted critiques = %d, want 2", m.CritiqueCount)
	}
}

func TestRun_ChunkedPartRevisionCarriesCritique(t *testing.T) {
	client := &scriptedClient{
		critic: func(call int) string {
			// First part needs one revision; everything after is approved.
			return critiqueJSON(call == 1)
		},
	}
	cfg := config.DefaultConfig().Pipeline
	cfg.EnablePlanner = true
	cfg.EnableCritiquer = true
	cfg.MaxCritiques = 2
	cfg.GenerationChunking = true
	cfg.GenerationMaxChunkSections = 1
	orch, _ := newTestOrchestrator(t, client, nil, cfg, nil)

	res, err := orch.Run(context.Background(), testInput())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != runstore.StateFinalized {
		t.Fatalf("state = %s (%s)", res.State, res.Error)
	}

	// Two parts plus one revision of the first part.
	gens := client.stageCalls("generator")
	if len(gens) != 3 {
		t.Fatalf("generator calls = %d, want 3", len(gens))
	}
	if crits := client.stageCalls("critiquer"); len(crits) != 3 {
		t.Fatalf("critiquer calls = %d, want 3", len(crits))
	}
	// The revision call carries the critique's feedback and the prior part.
	if !strings.Contains(gens[1].User, "tighten section one") {
		t.Fatal("revision prompt does not carry the critique")
	}
}

type perPageCounter struct{}

func (perPageCounter) Count(text string) int { return 100 }

func TestExtract_ChunkedCarriesPriorRequirements(t *testing.T) {
	var mu sync.Mutex
	var extractPrompts []string
	call := 0
	client := llm.Func(func(ctx context.Context, req llm.Request) (string, error) {
		if req.Stage != "extractor" {
			return codeJSON, nil
		}
		mu.Lock()
		call++
		n := call
		extractPrompts = append(extractPrompts, req.User)
		mu.Unlock()
		if n == 1 {
			return `{"summary":"s1","requirements":[{"id":"REQ-001","description":"a"},{"id":"REQ-002","description":"b"}]}`, nil
		}
		// Second chunk repeats REQ-002 and adds REQ-003.
		return `{"summary":"s2","requirements":[{"id":"REQ-002","description":"dup"},{"id":"REQ-003","description":"c"}]}`, nil
	})

	cfg := config.DefaultConfig().Pipeline
	cfg.RequirementsChunking = true
	cfg.RequirementsChunkTokens = 100
	orch, _ := newTestOrchestrator(t, client, nil, cfg, perPageCounter{})

	analysis, err := orch.ExtractOnly(context.Background(), testInput(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(analysis.Requirements) != 3 {
		t.Fatalf("merged requirements = %d, want 3", len(analysis.Requirements))
	}
	if analysis.Requirements[1].Description != "b" {
		t.Fatalf("duplicate id overwrote the original: %+v", analysis.Requirements[1])
	}
	if len(extractPrompts) != 2 {
		t.Fatalf("extract calls = %d, want 2", len(extractPrompts))
	}
	if !strings.Contains(extractPrompts[1], "REQ-001") {
		t.Fatal("second chunk prompt does not carry prior requirements")
	}
}

func TestStandaloneOps_CarryPriorArtifacts(t *testing.T) {
	client := &scriptedClient{}
	orch, _ := newTestOrchestrator(t, client, nil, config.DefaultConfig().Pipeline, nil)

	var prior proposal.Analysis
	if err := json.Unmarshal([]byte(analysisJSON), &prior); err != nil {
		t.Fatal(err)
	}
	prior.Summary = "earlier pass summary"
	if _, err := orch.ExtractOnly(context.Background(), testInput(), &prior); err != nil {
		t.Fatal(err)
	}
	calls := client.stageCalls("extractor")
	if len(calls) != 1 {
		t.Fatalf("extractor calls = %d", len(calls))
	}
	if !strings.Contains(calls[0].User, "earlier pass summary") {
		t.Fatal("extractor prompt does not carry the prior analysis")
	}

	priorPlan := proposal.Plan{
		Overview: "keep the old structure",
		Sections: []proposal.Section{{Title: "Approach", Summary: "how", RequirementIDs: []string{"REQ-001"}}},
	}
	if _, err := orch.PlanOnly(context.Background(), testInput(), prior, &priorPlan); err != nil {
		t.Fatal(err)
	}
	planCalls := client.stageCalls("planner")
	if len(planCalls) != 1 {
		t.Fatalf("planner calls = %d", len(planCalls))
	}
	if !strings.Contains(planCalls[0].User, "keep the old structure") {
		t.Fatal("planner prompt does not carry the prior plan")
	}
}

func TestRegenerate_AppendsRevisionSnapshot(t *testing.T) {
	client := &scriptedClient{}
	orch, store := newTestOrchestrator(t, client, nil, config.DefaultConfig().Pipeline, nil)

	res, err := orch.Run(context.Background(), testInput())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != runstore.StateFinalized {
		t.Fatalf("state = %s", res.State)
	}

	out, err := orch.Regenerate(context.Background(), res.RunID, "shorten the summary", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.DocumentRef == "" {
		t.Fatal("regeneration produced no document")
	}

	got := snapshotStages(t, store, res.RunID)
	if got[len(got)-1] != "revision-1" {
		t.Fatalf("snapshots = %v, want trailing revision-1", got)
	}
	run, _ := store.GetRun(res.RunID)
	if run.State != runstore.StateFinalized {
		t.Fatalf("run state after regenerate = %s", run.State)
	}
}

func TestRegenerate_EditedCodeRunsWithoutModelCalls(t *testing.T) {
	client := &scriptedClient{}
	orch, store := newTestOrchestrator(t, client, nil, config.DefaultConfig().Pipeline, nil)

	res, err := orch.Run(context.Background(), testInput())
	if err != nil {
		t.Fatal(err)
	}
	before := len(client.calls)

	edited := "# Edited Proposal\n\nOperator rewrote this by hand."
	out, err := orch.Regenerate(context.Background(), res.RunID, "", edited, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(client.calls) != before {
		t.Fatalf("edited-code regeneration made %d model calls", len(client.calls)-before)
	}
	_, code, err := store.ReadCodeSnapshot(res.RunID, "revision-1")
	if err != nil {
		t.Fatal(err)
	}
	if code != edited {
		t.Fatalf("snapshot = %q, want the edited code verbatim", code)
	}
	if out.DocumentRef == "" {
		t.Fatal("no document produced")
	}

	// A broken edit fails the request without touching the model or the run.
	if _, err := orch.Regenerate(context.Background(), res.RunID, "", "no heading here", nil); err == nil {
		t.Fatal("broken edit did not fail")
	}
	if len(client.calls) != before {
		t.Fatal("broken edit reached the model")
	}
	run, _ := store.GetRun(res.RunID)
	if run.State != runstore.StateFinalized {
		t.Fatalf("run state = %s", run.State)
	}
}

func TestStageList_FollowsResolvedOptions(t *testing.T) {
	cfg := config.DefaultConfig().Pipeline
	base := stageList(cfg)
	if strings.Join(base, ",") != "extract,generate,execute" {
		t.Fatalf("default stages = %v", base)
	}
	cfg.EnablePlanner = true
	cfg.EnableCritiquer = true
	full := stageList(cfg)
	if strings.Join(full, ",") != "extract,plan,generate,execute,critique" {
		t.Fatalf("full stages = %v", full)
	}
	cfg.GenerationChunking = true
	chunked := stageList(cfg)
	if strings.Join(chunked, ",") != "extract,plan,generate,execute" {
		t.Fatalf("chunked stages = %v", chunked)
	}
}
