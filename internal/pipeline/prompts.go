package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
)

const extractorSystemPrompt = `You are an expert procurement analyst. You read request-for-proposal ` +
	`documents and extract every requirement a bidder must satisfy. ` +
	`Return JSON ONLY (no markdown, no code fences) with this exact schema:

{"summary":"...","requirements":[{"id":"REQ-001","description":"...","category":"technical|management|cost|experience|compliance|other","mandatory":true|false,"priority":"high|medium|low","cited_pages":[1]}],"evaluation_criteria":[{"criterion":"...","weight":0.0,"description":"..."}],"submission_requirements":{"deadline":"...","format":"...","page_limit":0,"sections_required":["..."]},"key_differentiators":["..."]}

Rules:
- Every requirement gets a unique sequential id (REQ-001, REQ-002, ...).
- cite the page numbers each requirement came from.
- Do not invent requirements that are not in the document.`

const plannerSystemPrompt = `You are an expert proposal strategist. Given an analyzed request document, ` +
	`you design the winning response outline. ` +
	`Return JSON ONLY with this exact schema:

{"overview":"...","sections":[{"title":"...","summary":"...","requirement_ids":["REQ-001"],"cited_pages":[1],"suggested_diagrams":["..."],"suggested_charts":["..."],"suggested_tables":["..."]}],"key_themes":["..."],"win_strategy":"..."}

Rules:
- Every mandatory requirement must map to at least one section.
- Keep sections in reading order of the final document.`

const generatorSystemPrompt = `You are an expert proposal writer. You produce complete document-authoring ` +
	`instructions as GitHub-flavored markdown: headings, body text, tables, and fenced blocks ` +
	`for diagrams and charts. The instructions are rendered verbatim into the final document. ` +
	`Return JSON ONLY with this exact schema:

{"document_code":"# Title\n\n..."}

Rules:
- Address every requirement you are given; reference requirement ids inline where natural.
- Match the tone and structure of the style examples.
- Never leave placeholder text like TBD or lorem ipsum.`

const critiquerSystemPrompt = `You are an exacting proposal reviewer. You judge generated authoring ` +
	`instructions against the extracted requirements. ` +
	`Return JSON ONLY with this exact schema:

{"needs_revision":true|false,"narrative":"...","strengths":["..."],"weaknesses":["..."],"priority_fixes":["..."]}

Rules:
- needs_revision is true only for substantive gaps, not stylistic taste.
- priority_fixes are ordered, most important first.`

const synthesisSystemPrompt = `You merge partial proposal drafts into one coherent document. ` +
	`You deduplicate repeated sections, keep every unique section exactly once in plan order, ` +
	`and smooth transitions. You add no new content. ` +
	`Return JSON ONLY with this exact schema:

{"document_code":"# Title\n\n..."}`

func requirementsList(reqs []proposal.Requirement) string {
	var b strings.Builder
	for _, r := range reqs {
		fmt.Fprintf(&b, "- [%s] %s (category: %s, mandatory: %t", r.ID, r.Description, r.Category, r.Mandatory)
		if r.Priority != "" {
			fmt.Fprintf(&b, ", priority: %s", r.Priority)
		}
		b.WriteString(")\n")
	}
	return b.String()
}

func buildExtractorPrompt(pagesText string, pageNums []int, prior []proposal.Requirement, priorAnalysis *proposal.Analysis, comment string) string {
	var b strings.Builder
	b.WriteString("REQUEST DOCUMENT CONTENT:\n")
	b.WriteString(pagesText)
	b.WriteString("\n\n")
	if len(pageNums) > 0 {
		b.WriteString("PAGES TO CITE: ")
		for i, n := range pageNums {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%d", n)
		}
		b.WriteString("\n\n")
	}
	if len(prior) > 0 {
		b.WriteString("REQUIREMENTS ALREADY FOUND IN EARLIER PAGES (do not repeat them, continue the id sequence):\n")
		js, _ := json.Marshal(prior)
		b.Write(js)
		b.WriteString("\n\n")
	}
	if priorAnalysis != nil {
		b.WriteString("PRIOR ANALYSIS TO REVISE (produce a full replacement, not a diff):\n")
		js, _ := json.Marshal(priorAnalysis)
		b.Write(js)
		b.WriteString("\n\n")
	}
	if comment != "" {
		b.WriteString("OPERATOR GUIDANCE:\n")
		b.WriteString(comment)
		b.WriteString("\n\n")
	}
	return b.String()
}

func buildPlannerPrompt(analysis proposal.Analysis, priorPlan *proposal.Plan, comment string) string {
	var b strings.Builder
	b.WriteString("REQUEST SUMMARY:\n")
	b.WriteString(analysis.Summary)
	b.WriteString("\n\nREQUIREMENTS:\n")
	b.WriteString(requirementsList(analysis.Requirements))
	b.WriteString("\n")
	if len(analysis.EvaluationCriteria) > 0 {
		b.WriteString("EVALUATION CRITERIA:\n")
		for _, ec := range analysis.EvaluationCriteria {
			fmt.Fprintf(&b, "- %s (weight: %g) %s\n", ec.Criterion, ec.Weight, ec.Description)
		}
		b.WriteString("\n")
	}
	if priorPlan != nil {
		b.WriteString("PRIOR PLAN TO REVISE (produce a full replacement):\n")
		js, _ := json.Marshal(priorPlan)
		b.Write(js)
		b.WriteString("\n\n")
	}
	if comment != "" {
		b.WriteString("OPERATOR GUIDANCE:\n")
		b.WriteString(comment)
		b.WriteString("\n\n")
	}
	return b.String()
}

type generatorPromptInput struct {
	Analysis     proposal.Analysis
	Requirements []proposal.Requirement // subset for chunked generation; nil means all
	Plan         *proposal.Plan
	Sections     []proposal.Section // subset for chunked generation
	SourcePages  string
	Examples     string
	Context      string
	PriorCode    string
	ErrorDetail  string
	Critique     *proposal.Critique
	Comment      string
}

func buildGeneratorPrompt(in generatorPromptInput) string {
	var b strings.Builder
	b.WriteString("REQUEST SUMMARY:\n")
	b.WriteString(in.Analysis.Summary)
	b.WriteString("\n\n")

	reqs := in.Requirements
	if reqs == nil {
		reqs = in.Analysis.Requirements
	}
	b.WriteString("REQUIREMENTS TO ADDRESS:\n")
	b.WriteString(requirementsList(reqs))
	b.WriteString("\n")

	if in.Plan != nil {
		sections := in.Sections
		if sections == nil {
			sections = in.Plan.Sections
		}
		b.WriteString("PROPOSAL PLAN:\n")
		fmt.Fprintf(&b, "Overview: %s\n", in.Plan.Overview)
		if in.Plan.WinStrategy != "" {
			fmt.Fprintf(&b, "Win strategy: %s\n", in.Plan.WinStrategy)
		}
		b.WriteString("Sections to write:\n")
		for _, s := range sections {
			fmt.Fprintf(&b, "- %s: %s (requirements: %s)\n", s.Title, s.Summary, strings.Join(s.RequirementIDs, ", "))
		}
		b.WriteString("\n")
	}
	if in.SourcePages != "" {
		b.WriteString("SOURCE PAGES:\n")
		b.WriteString(in.SourcePages)
		b.WriteString("\n\n")
	}
	if in.Examples != "" {
		b.WriteString("STYLE EXAMPLES (match their tone and structure):\n")
		b.WriteString(in.Examples)
		b.WriteString("\n\n")
	}
	if in.Context != "" {
		b.WriteString("COMPANY CONTEXT:\n")
		b.WriteString(in.Context)
		b.WriteString("\n\n")
	} else if in.PriorCode == "" {
		b.WriteString("COMPANY CONTEXT: No company context provided.\n\n")
	}
	if in.PriorCode != "" {
		b.WriteString("PREVIOUS DOCUMENT CODE (regenerate a full replacement):\n")
		b.WriteString(in.PriorCode)
		b.WriteString("\n\n")
	}
	if in.ErrorDetail != "" {
		b.WriteString("THE PREVIOUS CODE FAILED TO EXECUTE. Fix this error:\n")
		b.WriteString(in.ErrorDetail)
		b.WriteString("\n\n")
	}
	if in.Critique != nil {
		b.WriteString("REVIEWER CRITIQUE TO ADDRESS:\n")
		b.WriteString(in.Critique.Narrative)
		for _, fix := range in.Critique.PriorityFixes {
			fmt.Fprintf(&b, "\n- %s", fix)
		}
		b.WriteString("\n\n")
	}
	if in.Comment != "" {
		b.WriteString("OPERATOR GUIDANCE:\n")
		b.WriteString(in.Comment)
		b.WriteString("\n\n")
	}
	return b.String()
}

func buildCritiquerPrompt(analysis proposal.Analysis, code string) string {
	var b strings.Builder
	b.WriteString("REQUIREMENTS:\n")
	b.WriteString(requirementsList(analysis.Requirements))
	b.WriteString("\nDOCUMENT CODE UNDER REVIEW:\n")
	b.WriteString(code)
	b.WriteString("\n")
	return b.String()
}

func buildSynthesisPrompt(plan proposal.Plan, parts []string) string {
	var b strings.Builder
	b.WriteString("PLAN SECTION ORDER:\n")
	for _, s := range plan.Sections {
		fmt.Fprintf(&b, "- %s\n", s.Title)
	}
	b.WriteString("\nPARTIAL DRAFTS TO MERGE:\n")
	for i, p := range parts {
		fmt.Fprintf(&b, "--- PART %d ---\n%s\n\n", i+1, p)
	}
	return b.String()
}
