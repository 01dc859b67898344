package runstore

import (
	"archive/zip"
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCreateRun_LayoutAndLookup(t *testing.T) {
	s := newTestStore(t)
	run, err := s.CreateRun()
	if err != nil {
		t.Fatal(err)
	}
	if run.State != StateCreated {
		t.Fatalf("new run state = %s", run.State)
	}
	for _, sub := range runSubdirs {
		if _, err := os.Stat(s.Subdir(run.ID, sub)); err != nil {
			t.Fatalf("missing subdir %s: %v", sub, err)
		}
	}
	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != run.ID {
		t.Fatalf("GetRun returned %s", got.ID)
	}
}

func TestAnalysisVersions_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun()

	for i := 1; i <= 3; i++ {
		a := proposal.Analysis{Summary: "v", Requirements: []proposal.Requirement{{ID: "REQ-001", Description: "d"}}}
		a.Summary = a.Summary + string(rune('0'+i))
		n, err := s.AppendAnalysisVersion(run.ID, a)
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Fatalf("version %d, want %d", n, i)
		}
	}

	// Every version stays readable after later appends.
	for i := 1; i <= 3; i++ {
		a, err := s.ReadAnalysis(run.ID, i)
		if err != nil {
			t.Fatalf("read v%d: %v", i, err)
		}
		if want := "v" + string(rune('0'+i)); a.Summary != want {
			t.Fatalf("v%d summary = %q, want %q", i, a.Summary, want)
		}
	}

	// Version 0 resolves to the latest.
	latest, err := s.ReadAnalysis(run.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Summary != "v3" {
		t.Fatalf("latest = %q", latest.Summary)
	}
}

func TestAppendVersioned_RefusesOverwrite(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun()
	if err := s.appendVersioned(run.ID, "analysis", 1, map[string]any{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.appendVersioned(run.ID, "analysis", 1, map[string]any{"a": 2}); err == nil {
		t.Fatal("overwriting an existing version must fail")
	}
}

func TestCodeSnapshots_SequenceAndLabels(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun()

	labels := []string{"initial", "error-recovery-1", "final"}
	for _, label := range labels {
		if _, err := s.AppendCodeSnapshot(run.ID, label, "# "+label); err != nil {
			t.Fatal(err)
		}
	}

	m, err := s.ReadManifest(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.CodeSnapshots) != 3 {
		t.Fatalf("manifest lists %d snapshots", len(m.CodeSnapshots))
	}
	if m.CurrentCodeStage != "final" {
		t.Fatalf("current stage = %s", m.CurrentCodeStage)
	}
	for i, info := range m.CodeSnapshots {
		if info.Seq != i+1 || info.Stage != labels[i] {
			t.Fatalf("snapshot %d = %+v", i, info)
		}
	}

	// Lookup by label and by latest.
	info, code, err := s.ReadCodeSnapshot(run.ID, "error-recovery-1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Seq != 2 || code != "# error-recovery-1" {
		t.Fatalf("lookup by label: %+v %q", info, code)
	}
	info, _, err = s.ReadCodeSnapshot(run.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if info.Stage != "final" {
		t.Fatalf("latest snapshot = %s", info.Stage)
	}
}

func TestCritiques_OrderedHistory(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun()
	for i := 0; i < 2; i++ {
		if _, err := s.AppendCritique(run.ID, proposal.Critique{NeedsRevision: i == 0, Narrative: "n"}); err != nil {
			t.Fatal(err)
		}
	}
	critiques, err := s.ReadCritiques(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(critiques) != 2 {
		t.Fatalf("got %d critiques", len(critiques))
	}
	if !critiques[0].NeedsRevision || critiques[1].NeedsRevision {
		t.Fatalf("critique order lost: %+v", critiques)
	}
}

func TestEvents_AppendReadAndSubscribe(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun()

	ch, cancel := s.Subscribe(run.ID)
	defer cancel()

	if err := s.AppendEvent(run.ID, Event{Stage: "extract", Status: "started"}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Stage != "extract" || ev.RunID != run.ID {
			t.Fatalf("broadcast event = %+v", ev)
		}
	default:
		t.Fatal("subscriber did not receive the event")
	}

	events, err := s.ReadEvents(run.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	// CreateRun writes run_created; ours follows it.
	if len(events) < 2 {
		t.Fatalf("expected at least 2 events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.Stage != "extract" || last.Status != "started" {
		t.Fatalf("last event = %+v", last)
	}
}

func TestExportRun_ZipContainsArtifacts(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun()
	if _, err := s.AppendAnalysisVersion(run.ID, proposal.Analysis{Summary: "s", Requirements: []proposal.Requirement{{ID: "REQ-001"}}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendCodeSnapshot(run.ID, "final", "# doc"); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := s.ExportRun(run.ID, &buf); err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"run.json":                   false,
		"metadata/analysis_v1.json":  false,
		"code_snapshots/01_final.md": false,
	}
	for _, f := range zr.File {
		if _, ok := want[f.Name]; ok {
			want[f.Name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("zip missing %s; has %v", name, names(zr))
		}
	}
}

func names(zr *zip.Reader) []string {
	var out []string
	for _, f := range zr.File {
		out = append(out, f.Name)
	}
	return out
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.CreateRun()
	time.Sleep(2 * time.Millisecond)
	b, _ := s.CreateRun()
	runs, err := s.ListRuns()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs", len(runs))
	}
	if runs[0].ID != b.ID || runs[1].ID != a.ID {
		t.Fatalf("order = %s, %s", runs[0].ID, runs[1].ID)
	}
}
