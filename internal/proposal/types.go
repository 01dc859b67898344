// Package proposal holds the domain types exchanged between pipeline stages:
// source documents, the extracted analysis, the section plan, generated
// document code, and critiques.
package proposal

import (
	"errors"
	"strings"
)

// DocumentCategory classifies a source document for image budgeting.
type DocumentCategory string

const (
	CategoryTarget  DocumentCategory = "target"  // the request document being responded to
	CategoryExample DocumentCategory = "example" // prior proposals used as style reference
	CategoryContext DocumentCategory = "context" // company background material
)

// Page is one page of a source document as delivered by the extraction
// collaborator: plain text plus an optional reference to a page render.
type Page struct {
	Num      int    `json:"num"`
	Text     string `json:"text"`
	ImageRef string `json:"image_ref,omitempty"`
}

// SourceDocument is a page-indexed document handed to the pipeline. Text
// extraction happens upstream; the pipeline only consumes the result.
type SourceDocument struct {
	Name     string           `json:"name"`
	Category DocumentCategory `json:"category"`
	Pages    []Page           `json:"pages"`
}

func (d SourceDocument) Text() string {
	var b strings.Builder
	for i, p := range d.Pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// Requirement is one obligation extracted from the target document.
type Requirement struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Category    string `json:"category"` // technical|management|cost|experience|compliance|other
	Mandatory   bool   `json:"mandatory"`
	Priority    string `json:"priority,omitempty"` // high|medium|low
	CitedPages  []int  `json:"cited_pages,omitempty"`
}

type EvaluationCriterion struct {
	Criterion   string  `json:"criterion"`
	Weight      float64 `json:"weight,omitempty"`
	Description string  `json:"description,omitempty"`
}

type SubmissionRequirements struct {
	Deadline         string   `json:"deadline,omitempty"`
	Format           string   `json:"format,omitempty"`
	PageLimit        int      `json:"page_limit,omitempty"`
	SectionsRequired []string `json:"sections_required,omitempty"`
}

// Analysis is the Extractor's output. Immutable once created; re-extraction
// appends a new version in the run store.
type Analysis struct {
	Summary                string                  `json:"summary"`
	Requirements           []Requirement           `json:"requirements"`
	EvaluationCriteria     []EvaluationCriterion   `json:"evaluation_criteria,omitempty"`
	SubmissionRequirements *SubmissionRequirements `json:"submission_requirements,omitempty"`
	KeyDifferentiators     []string                `json:"key_differentiators,omitempty"`
}

// Validate enforces the structural contract checked before the state machine
// advances past extraction.
func (a Analysis) Validate() error {
	if len(a.Requirements) == 0 {
		return errors.New("analysis contains no requirements")
	}
	for _, r := range a.Requirements {
		if strings.TrimSpace(r.ID) == "" {
			return errors.New("requirement missing id")
		}
	}
	return nil
}

// Section is one planned proposal section.
type Section struct {
	Title             string   `json:"title"`
	Summary           string   `json:"summary"`
	RequirementIDs    []string `json:"requirement_ids,omitempty"`
	CitedPages        []int    `json:"cited_pages,omitempty"`
	SuggestedDiagrams []string `json:"suggested_diagrams,omitempty"`
	SuggestedCharts   []string `json:"suggested_charts,omitempty"`
	SuggestedTables   []string `json:"suggested_tables,omitempty"`
}

// Plan is the Planner's output, versioned identically to Analysis.
type Plan struct {
	Overview    string    `json:"overview"`
	Sections    []Section `json:"sections"`
	KeyThemes   []string  `json:"key_themes,omitempty"`
	WinStrategy string    `json:"win_strategy,omitempty"`
}

func (p Plan) Validate() error {
	if len(p.Sections) == 0 {
		return errors.New("plan contains no sections")
	}
	for _, s := range p.Sections {
		if strings.TrimSpace(s.Title) == "" {
			return errors.New("plan section missing title")
		}
	}
	return nil
}

// DocumentCode is one immutable snapshot of the generated document-authoring
// instructions. Stage labels: "initial", "critique-revision-N",
// "error-recovery-N", "final".
type DocumentCode struct {
	Stage string `json:"stage"`
	Code  string `json:"code"`
}

func (c DocumentCode) Validate() error {
	if strings.TrimSpace(c.Code) == "" {
		return errors.New("document code is empty")
	}
	return nil
}

// Critique is one Critiquer verdict. Accumulated as ordered history per run.
type Critique struct {
	NeedsRevision bool     `json:"needs_revision"`
	Narrative     string   `json:"narrative"`
	Strengths     []string `json:"strengths,omitempty"`
	Weaknesses    []string `json:"weaknesses,omitempty"`
	PriorityFixes []string `json:"priority_fixes,omitempty"`
}

func (c Critique) Validate() error {
	if c.NeedsRevision && strings.TrimSpace(c.Narrative) == "" {
		return errors.New("critique requests revision without a narrative")
	}
	return nil
}

// ExecutionResult reports one document-runtime cycle.
type ExecutionResult struct {
	Success     bool    `json:"success"`
	DocumentRef string  `json:"document_ref,omitempty"`
	Attempts    int     `json:"attempts"`
	DurationSec float64 `json:"duration_sec"`
	LastError   string  `json:"last_error,omitempty"`
}
