// Package api exposes the proposal pipeline over HTTP: full-pipeline runs
// (sync, async, and streaming), standalone stage calls, and read access to a
// run's versioned artifacts.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Scientialibera/RFP-BUILDER/internal/pipeline"
	"github.com/Scientialibera/RFP-BUILDER/internal/runstore"
	"github.com/Scientialibera/RFP-BUILDER/internal/util"
)

type Server struct {
	Logger    *slog.Logger
	Store     *runstore.Store
	Pipeline  *pipeline.Orchestrator
	AuthToken string

	// Reported by /healthz.
	Version              string
	CompletionConfigured bool
	ImagesEnabled        bool
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("/v1/pipeline", s.handlePipeline)
	mux.HandleFunc("/v1/pipeline/stream", s.handlePipelineStream)
	mux.HandleFunc("/v1/extract", s.handleExtract)
	mux.HandleFunc("/v1/plan", s.handlePlan)
	mux.HandleFunc("/v1/generate", s.handleGenerate)
	mux.HandleFunc("/v1/critique", s.handleCritique)

	mux.HandleFunc("/v1/runs", s.handleRuns)
	mux.HandleFunc("/v1/runs/", s.handleRun)

	var h http.Handler = mux
	h = CORSMiddleware()(h)
	h = AuthMiddleware(s.AuthToken)(h)
	h = LoggingMiddleware(s.Logger)(h)
	h = RecoverMiddleware(s.Logger)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	util.WriteJSON(w, 200, map[string]any{
		"status":                "healthy",
		"version":               s.Version,
		"completion_configured": s.CompletionConfigured,
		"auth_enabled":          s.AuthToken != "",
		"images_enabled":        s.ImagesEnabled,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		util.WriteError(w, 400, "invalid json")
		return false
	}
	return true
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// handlePipeline runs the full pipeline synchronously. The response is the
// run summary; artifacts are readable under /v1/runs/{id}.
func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req PipelineRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.Pipeline.Run(r.Context(), req)
	if err != nil {
		util.WriteError(w, 400, err.Error())
		return
	}
	util.WriteJSON(w, 200, res)
}

// handlePipelineStream starts the pipeline in the background and streams the
// run's events over SSE until the run is terminal.
func (s *Server) handlePipelineStream(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req PipelineRequest
	if !decodeBody(w, r, &req) {
		return
	}
	runID, err := s.Pipeline.StartRun(req)
	if err != nil {
		util.WriteError(w, 400, err.Error())
		return
	}
	s.streamEvents(w, r, runID, true)
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req ExtractRequest
	if !decodeBody(w, r, &req) {
		return
	}
	analysis, err := s.Pipeline.ExtractOnly(r.Context(), req.Input, req.PriorAnalysis)
	if err != nil {
		util.WriteError(w, 400, err.Error())
		return
	}
	util.WriteJSON(w, 200, analysis)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req PlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in := pipeline.Input{Comment: req.Comment, Options: req.Options}
	plan, err := s.Pipeline.PlanOnly(r.Context(), in, req.Analysis, req.PriorPlan)
	if err != nil {
		util.WriteError(w, 400, err.Error())
		return
	}
	util.WriteJSON(w, 200, plan)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req GenerateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	code, err := s.Pipeline.GenerateOnly(r.Context(), req.Input, req.Analysis, req.Plan)
	if err != nil {
		util.WriteError(w, 400, err.Error())
		return
	}
	util.WriteJSON(w, 200, GenerateResponse{DocumentCode: code})
}

func (s *Server) handleCritique(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req CritiqueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in := pipeline.Input{Options: req.Options}
	critique, err := s.Pipeline.CritiqueOnly(r.Context(), in, req.Analysis, req.Code)
	if err != nil {
		util.WriteError(w, 400, err.Error())
		return
	}
	util.WriteJSON(w, 200, critique)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		runs, err := s.Store.ListRuns()
		if err != nil {
			util.WriteError(w, 500, err.Error())
			return
		}
		util.WriteJSON(w, 200, runs)
	case http.MethodPost:
		var req PipelineRequest
		if !decodeBody(w, r, &req) {
			return
		}
		runID, err := s.Pipeline.StartRun(req)
		if err != nil {
			util.WriteError(w, 400, err.Error())
			return
		}
		util.WriteJSON(w, 200, StartRunResponse{RunID: runID})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	// path: /v1/runs/{runID}[/...]
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		util.WriteError(w, 404, "run id required")
		return
	}
	runID := parts[0]
	if !safePathPart(runID) {
		util.WriteError(w, 400, "invalid run id")
		return
	}
	if len(parts) == 1 || parts[1] == "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		run, err := s.Store.GetRun(runID)
		if err != nil {
			util.WriteError(w, 404, err.Error())
			return
		}
		manifest, _ := s.Store.ReadManifest(runID)
		util.WriteJSON(w, 200, map[string]any{"run": run, "manifest": manifest})
		return
	}

	switch parts[1] {
	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.streamEvents(w, r, runID, false)
	case "analysis":
		s.handleVersionedArtifact(w, r, runID, "analysis")
	case "plan":
		s.handleVersionedArtifact(w, r, runID, "plan")
	case "critiques":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		critiques, err := s.Store.ReadCritiques(runID)
		if err != nil {
			util.WriteError(w, 404, err.Error())
			return
		}
		util.WriteJSON(w, 200, critiques)
	case "code":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		info, code, err := s.Store.ReadCodeSnapshot(runID, r.URL.Query().Get("stage"))
		if err != nil {
			util.WriteError(w, 404, err.Error())
			return
		}
		util.WriteJSON(w, 200, CodeResponse{Seq: info.Seq, Stage: info.Stage, Code: code})
	case "document":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleDocument(w, r, runID)
	case "regenerate":
		if !requirePost(w, r) {
			return
		}
		var req RegenerateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Comment) == "" && strings.TrimSpace(req.Code) == "" {
			util.WriteError(w, 400, "comment or document_code is required")
			return
		}
		res, err := s.Pipeline.Regenerate(r.Context(), runID, req.Comment, req.Code, req.Options)
		if err != nil {
			util.WriteError(w, 400, err.Error())
			return
		}
		util.WriteJSON(w, 200, res)
	case "cancel":
		if !requirePost(w, r) {
			return
		}
		canceled := s.Pipeline.Cancel(runID)
		util.WriteJSON(w, 200, map[string]any{"canceled": canceled})
	case "export":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runID+".zip"))
		if err := s.Store.ExportRun(runID, w); err != nil {
			s.Logger.Error("export failed", "run", runID, "error", err)
		}
	default:
		util.WriteError(w, 404, "unknown endpoint")
	}
}

func (s *Server) handleVersionedArtifact(w http.ResponseWriter, r *http.Request, runID, kind string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			util.WriteError(w, 400, "invalid version")
			return
		}
		version = n
	}
	var (
		out any
		err error
	)
	switch kind {
	case "analysis":
		out, err = s.Store.ReadAnalysis(runID, version)
	case "plan":
		out, err = s.Store.ReadPlan(runID, version)
	}
	if err != nil {
		util.WriteError(w, 404, err.Error())
		return
	}
	util.WriteJSON(w, 200, out)
}

// handleDocument serves the run's generated document. The path comes from the
// manifest and is verified to live inside the run directory before serving.
func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, runID string) {
	m, err := s.Store.ReadManifest(runID)
	if err != nil {
		util.WriteError(w, 404, err.Error())
		return
	}
	if m.DocumentRef == "" {
		util.WriteError(w, 404, "run has no document")
		return
	}
	full, ok := containedPath(s.Store.RunDir(runID), m.DocumentRef)
	if !ok {
		util.WriteError(w, 404, "document path is outside the run directory")
		return
	}
	http.ServeFile(w, r, full)
}

// streamEvents writes the run's event history then follows live events over
// SSE. With untilTerminal set, the stream closes once a terminal event is
// seen, so callers of the streaming pipeline endpoint get a finite response.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, runID string, untilTerminal bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		util.WriteError(w, 500, "streaming not supported")
		return
	}

	// Replay history so attaching mid-run shows context.
	history, _ := s.Store.ReadEvents(runID, 200)
	for _, ev := range history {
		_ = writeSSE(w, ev)
		if untilTerminal && terminalEvent(ev) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	ch, cancel := s.Store.Subscribe(runID)
	defer cancel()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			_ = writeSSE(w, ev)
			flusher.Flush()
			if untilTerminal && terminalEvent(ev) {
				return
			}
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func terminalEvent(ev runstore.Event) bool {
	return ev.Stage == "pipeline" && (ev.Status == "finalized" || ev.Status == "failed")
}

func writeSSE(w io.Writer, ev runstore.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: message\ndata: %s\n\n", b)
	return err
}
