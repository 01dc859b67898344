package api

import (
	"github.com/Scientialibera/RFP-BUILDER/internal/config"
	"github.com/Scientialibera/RFP-BUILDER/internal/pipeline"
	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
)

// PipelineRequest is the body of the full-pipeline endpoints. It is the
// pipeline input verbatim; the server adds nothing.
type PipelineRequest = pipeline.Input

type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// ExtractRequest runs the extractor alone. PriorAnalysis turns the call into
// a revision of an earlier extraction; the input fields are inlined so a
// plain pipeline input body also works.
type ExtractRequest struct {
	pipeline.Input
	PriorAnalysis *proposal.Analysis `json:"prior_analysis,omitempty"`
}

// PlanRequest carries an existing analysis into the standalone planner.
// PriorPlan makes the call a revision of that plan.
type PlanRequest struct {
	Analysis  proposal.Analysis `json:"analysis"`
	PriorPlan *proposal.Plan    `json:"prior_plan,omitempty"`
	Comment   string            `json:"comment,omitempty"`
	Options   *config.Options   `json:"options,omitempty"`
}

// GenerateRequest drives the standalone generator from prior artifacts.
type GenerateRequest struct {
	Input    pipeline.Input    `json:"input"`
	Analysis proposal.Analysis `json:"analysis"`
	Plan     *proposal.Plan    `json:"plan,omitempty"`
}

type GenerateResponse struct {
	DocumentCode string `json:"document_code"`
}

// CritiqueRequest reviews supplied document code against an analysis.
type CritiqueRequest struct {
	Analysis proposal.Analysis `json:"analysis"`
	Code     string            `json:"document_code"`
	Options  *config.Options   `json:"options,omitempty"`
}

// RegenerateRequest revises a finished run. With Code set the edited snapshot
// is executed directly; otherwise the generator revises the latest snapshot
// guided by Comment.
type RegenerateRequest struct {
	Comment string          `json:"comment,omitempty"`
	Code    string          `json:"document_code,omitempty"`
	Options *config.Options `json:"options,omitempty"`
}

// CodeResponse returns one labeled snapshot.
type CodeResponse struct {
	Seq   int    `json:"seq"`
	Stage string `json:"stage"`
	Code  string `json:"code"`
}
