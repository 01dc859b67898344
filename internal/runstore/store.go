// Package runstore persists runs and their versioned artifacts. All append
// operations are additive: no version or snapshot written here is ever
// mutated or deleted. The manifest is the single source of truth for what is
// current and is rewritten atomically.
package runstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
	"github.com/Scientialibera/RFP-BUILDER/internal/util"
)

// Run directory layout. One directory per run.
var runSubdirs = []string{
	"word_document",
	"image_assets",
	"diagrams",
	"llm_interactions",
	"execution_logs",
	"metadata",
	"code_snapshots",
}

type Store struct {
	dataDir string

	mu   sync.RWMutex
	runs map[string]*Run

	// Per-run append counters, guarded by mu.
	snapSeq map[string]int

	subsMu sync.Mutex
	subs   map[string]map[chan Event]struct{}
}

func New(dataDir string) *Store {
	return &Store{
		dataDir: util.ExpandHome(dataDir),
		runs:    map[string]*Run{},
		snapSeq: map[string]int{},
		subs:    map[string]map[chan Event]struct{}{},
	}
}

func (s *Store) Init() error {
	if s.dataDir == "" {
		return errors.New("dataDir is empty")
	}
	if err := os.MkdirAll(filepath.Join(s.dataDir, "runs"), 0o755); err != nil {
		return err
	}
	return s.loadExisting()
}

func (s *Store) loadExisting() error {
	runsDir := filepath.Join(s.dataDir, "runs")
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runID := e.Name()
		b, err := os.ReadFile(filepath.Join(runsDir, runID, "run.json"))
		if err != nil {
			continue
		}
		var run Run
		if err := json.Unmarshal(b, &run); err != nil {
			continue
		}
		s.mu.Lock()
		s.runs[run.ID] = &run
		s.snapSeq[run.ID] = countSnapshots(filepath.Join(runsDir, runID, "code_snapshots"))
		s.mu.Unlock()
	}
	return nil
}

func countSnapshots(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			n++
		}
	}
	return n
}

func (s *Store) DataDir() string { return s.dataDir }

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.dataDir, "runs", runID)
}

// Subdir returns one of the standard run subdirectories, creating it lazily.
func (s *Store) Subdir(runID, name string) string {
	dir := filepath.Join(s.RunDir(runID), name)
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

func (s *Store) runPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.json")
}

func (s *Store) eventsPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "events.ndjson")
}

func (s *Store) manifestPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "metadata", "manifest.json")
}

func (s *Store) CreateRun() (*Run, error) {
	run := &Run{
		ID:        util.NewRunID(),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
		State:     StateCreated,
	}
	dir := s.RunDir(run.ID)
	for _, sub := range runSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(s.eventsPath(run.ID), []byte{}, 0o644); err != nil {
		return nil, err
	}
	if err := s.saveRun(run); err != nil {
		return nil, err
	}
	if err := s.WriteManifest(run.ID, Manifest{RunID: run.ID}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	_ = s.AppendEvent(run.ID, Event{Status: "run_created"})
	return run, nil
}

func (s *Store) saveRun(run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.runPath(run.ID), append(b, '\n'), 0o644)
}

func (s *Store) UpdateRun(run *Run) error {
	if run == nil {
		return errors.New("run is nil")
	}
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	return s.saveRun(run)
}

func (s *Store) GetRun(runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListRuns() ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// WriteManifest rewrites the manifest atomically (temp file + rename) so a
// reader never observes a torn index.
func (s *Store) WriteManifest(runID string, m Manifest) error {
	m.RunID = runID
	m.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := s.manifestPath(runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) ReadManifest(runID string) (Manifest, error) {
	b, err := os.ReadFile(s.manifestPath(runID))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (s *Store) appendVersioned(runID, prefix string, n int, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.Subdir(runID, "metadata"), fmt.Sprintf("%s_v%d.json", prefix, n))
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s version %d already exists", prefix, n)
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// AppendAnalysisVersion writes the next analysis version and returns its
// 1-based version number.
func (s *Store) AppendAnalysisVersion(runID string, a proposal.Analysis) (int, error) {
	m, err := s.ReadManifest(runID)
	if err != nil {
		return 0, err
	}
	n := m.AnalysisVersions + 1
	if err := s.appendVersioned(runID, "analysis", n, a); err != nil {
		return 0, err
	}
	m.AnalysisVersions = n
	return n, s.WriteManifest(runID, m)
}

func (s *Store) ReadAnalysis(runID string, version int) (proposal.Analysis, error) {
	var a proposal.Analysis
	err := s.readVersioned(runID, "analysis", version, &a)
	return a, err
}

func (s *Store) AppendPlanVersion(runID string, p proposal.Plan) (int, error) {
	m, err := s.ReadManifest(runID)
	if err != nil {
		return 0, err
	}
	n := m.PlanVersions + 1
	if err := s.appendVersioned(runID, "plan", n, p); err != nil {
		return 0, err
	}
	m.PlanVersions = n
	return n, s.WriteManifest(runID, m)
}

func (s *Store) ReadPlan(runID string, version int) (proposal.Plan, error) {
	var p proposal.Plan
	err := s.readVersioned(runID, "plan", version, &p)
	return p, err
}

func (s *Store) readVersioned(runID, prefix string, version int, v any) error {
	if version <= 0 {
		m, err := s.ReadManifest(runID)
		if err != nil {
			return err
		}
		switch prefix {
		case "analysis":
			version = m.AnalysisVersions
		case "plan":
			version = m.PlanVersions
		}
		if version <= 0 {
			return fmt.Errorf("no %s recorded for run %s", prefix, runID)
		}
	}
	path := filepath.Join(s.RunDir(runID), "metadata", fmt.Sprintf("%s_v%d.json", prefix, version))
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (s *Store) AppendCritique(runID string, c proposal.Critique) (int, error) {
	m, err := s.ReadManifest(runID)
	if err != nil {
		return 0, err
	}
	n := m.CritiqueCount + 1
	if err := s.appendVersioned(runID, "critique", n, c); err != nil {
		return 0, err
	}
	m.CritiqueCount = n
	return n, s.WriteManifest(runID, m)
}

func (s *Store) ReadCritiques(runID string) ([]proposal.Critique, error) {
	m, err := s.ReadManifest(runID)
	if err != nil {
		return nil, err
	}
	out := make([]proposal.Critique, 0, m.CritiqueCount)
	for i := 1; i <= m.CritiqueCount; i++ {
		var c proposal.Critique
		if err := s.readVersioned(runID, "critique", i, &c); err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

// AppendCodeSnapshot writes one immutable labeled snapshot of the authoring
// instructions and records it in the manifest.
func (s *Store) AppendCodeSnapshot(runID, stage, code string) (CodeSnapshotInfo, error) {
	s.mu.Lock()
	s.snapSeq[runID]++
	seq := s.snapSeq[runID]
	s.mu.Unlock()

	name := fmt.Sprintf("%02d_%s.md", seq, stage)
	rel := filepath.ToSlash(filepath.Join("code_snapshots", name))
	abs := filepath.Join(s.Subdir(runID, "code_snapshots"), name)
	if _, err := os.Stat(abs); err == nil {
		return CodeSnapshotInfo{}, fmt.Errorf("snapshot %s already exists", name)
	}
	if err := os.WriteFile(abs, []byte(code), 0o644); err != nil {
		return CodeSnapshotInfo{}, err
	}

	info := CodeSnapshotInfo{Seq: seq, Stage: stage, Path: rel}
	m, err := s.ReadManifest(runID)
	if err != nil {
		return info, err
	}
	m.CodeSnapshots = append(m.CodeSnapshots, info)
	m.CurrentCodeStage = stage
	return info, s.WriteManifest(runID, m)
}

// ReadCodeSnapshot returns the snapshot for a stage label, or the latest one
// when stage is empty.
func (s *Store) ReadCodeSnapshot(runID, stage string) (CodeSnapshotInfo, string, error) {
	m, err := s.ReadManifest(runID)
	if err != nil {
		return CodeSnapshotInfo{}, "", err
	}
	if len(m.CodeSnapshots) == 0 {
		return CodeSnapshotInfo{}, "", fmt.Errorf("no code snapshots for run %s", runID)
	}
	var found *CodeSnapshotInfo
	if stage == "" {
		found = &m.CodeSnapshots[len(m.CodeSnapshots)-1]
	} else {
		for i := range m.CodeSnapshots {
			if m.CodeSnapshots[i].Stage == stage {
				found = &m.CodeSnapshots[i]
			}
		}
	}
	if found == nil {
		return CodeSnapshotInfo{}, "", fmt.Errorf("no snapshot with stage %q", stage)
	}
	b, err := os.ReadFile(filepath.Join(s.RunDir(runID), filepath.FromSlash(found.Path)))
	if err != nil {
		return CodeSnapshotInfo{}, "", err
	}
	return *found, string(b), nil
}

// AppendExecutionLog records one runtime attempt under execution_logs.
func (s *Store) AppendExecutionLog(runID string, attempt int, stage, log string, execErr error) {
	name := fmt.Sprintf("attempt_%02d_%s.log", attempt, stage)
	var b strings.Builder
	b.WriteString(log)
	if execErr != nil {
		b.WriteString("\nERROR: ")
		b.WriteString(execErr.Error())
		b.WriteString("\n")
	}
	_ = os.WriteFile(filepath.Join(s.Subdir(runID, "execution_logs"), name), []byte(b.String()), 0o644)
}

func (s *Store) AppendEvent(runID string, ev Event) error {
	ev.TS = time.Now().UTC()
	if ev.RunID == "" {
		ev.RunID = runID
	}

	f, err := os.OpenFile(s.eventsPath(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}

	// Broadcast.
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs[runID] {
		select {
		case ch <- ev:
		default:
			// Drop if subscriber is slow.
		}
	}
	return nil
}

func (s *Store) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, 256)
	s.subsMu.Lock()
	if s.subs[runID] == nil {
		s.subs[runID] = map[chan Event]struct{}{}
	}
	s.subs[runID][ch] = struct{}{}
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		if m := s.subs[runID]; m != nil {
			delete(m, ch)
		}
		s.subsMu.Unlock()
		close(ch)
	}
	return ch, cancel
}

// ReadEvents reads up to max events from the NDJSON log (0 => all).
func (s *Store) ReadEvents(runID string, max int) ([]Event, error) {
	f, err := os.Open(s.eventsPath(runID))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		out = append(out, ev)
		if max > 0 && len(out) >= max {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// ExportRun zips the whole run directory.
func (s *Store) ExportRun(runID string, w io.Writer) error {
	dir := s.RunDir(runID)
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	zw := NewZipWriter(w)
	defer zw.Close()

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		return zw.AddFile(path, filepath.ToSlash(rel))
	})
}
