package pipeline

import (
	"context"
	"strings"

	"github.com/Scientialibera/RFP-BUILDER/internal/chunk"
	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
)

// genModifiers carries the optional inputs that turn a plain generation call
// into a revision: prior code plus either a critique or an execution error.
type genModifiers struct {
	PriorCode   string
	Critique    *proposal.Critique
	ErrorDetail string
}

type codePayload struct {
	DocumentCode string `json:"document_code"`
}

func decodeCode(raw string) (string, error) {
	var p codePayload
	if err := decodeJSON(raw, &p); err == nil && strings.TrimSpace(p.DocumentCode) != "" {
		return p.DocumentCode, nil
	}
	// Models occasionally return the markdown directly despite the contract.
	if code := stripFences(raw); code != "" && strings.Contains(code, "#") {
		return code, nil
	}
	return "", stageErr(KindGeneration, "generator returned no document code")
}

// Generate produces the full document code in one completion call.
func (s *stages) Generate(ctx context.Context, in Input, analysis proposal.Analysis, plan *proposal.Plan, imgs imageSet, mod genModifiers) (string, error) {
	prompt := buildGeneratorPrompt(generatorPromptInput{
		Analysis:    analysis,
		Plan:        plan,
		SourcePages: docsText([]proposal.SourceDocument{in.Target}),
		Examples:    docsText(in.Examples),
		Context:     docsText(in.Context),
		PriorCode:   mod.PriorCode,
		ErrorDetail: mod.ErrorDetail,
		Critique:    mod.Critique,
		Comment:     in.Comment,
	})
	raw, err := s.complete(ctx, "generator", KindGeneration, generatorSystemPrompt, prompt, imgs.All())
	if err != nil {
		return "", err
	}
	return decodeCode(raw)
}

// GenerateChunked produces the document in plan-section groups, critiquing
// and revising each part in place when the critiquer is enabled, then merges
// the parts with a synthesis call. The synthesis output is final and is never
// critiqued. Returned critiques are in chunk order for persistence.
func (s *stages) GenerateChunked(ctx context.Context, in Input, analysis proposal.Analysis, plan proposal.Plan, imgs imageSet) (string, []proposal.Critique, error) {
	groups := chunk.ForPlan(plan, in.Target.Pages, chunk.GenerationOptions{
		IntroPages:  s.cfg.GenerationIntroPages,
		PageOverlap: s.cfg.GenerationPageOverlap,
		MaxSections: s.cfg.GenerationMaxChunkSections,
		TokenBudget: s.cfg.GenerationChunkTokens,
		Counter:     s.counter,
	})
	if len(groups) == 0 {
		return "", nil, stageErr(KindGeneration, "plan produced no section groups")
	}

	callImages := imgs.All()
	if s.cfg.MaxImagesPerCall > 0 {
		callImages = imgs.Capped(s.cfg.MaxImagesPerCall)
	}

	var parts []string
	var critiques []proposal.Critique
	for i, g := range groups {
		s.log.Info("generating section chunk", "chunk", i+1, "chunks", len(groups), "sections", len(g.Sections), "pages", len(g.Pages))
		part, err := s.generatePart(ctx, in, analysis, plan, g, callImages)
		if err != nil {
			return "", nil, err
		}

		if s.cfg.EnableCritiquer {
			for round := 0; round < s.cfg.MaxCritiques; round++ {
				crit, err := s.Critique(ctx, analysis, part)
				if err != nil {
					return "", nil, err
				}
				critiques = append(critiques, crit)
				if !crit.NeedsRevision {
					break
				}
				part, err = s.generatePartRevision(ctx, in, analysis, plan, g, callImages, part, &crit)
				if err != nil {
					return "", nil, err
				}
			}
		}
		parts = append(parts, part)
	}

	if len(parts) == 1 {
		return parts[0], critiques, nil
	}
	raw, err := s.complete(ctx, "synthesis", KindGeneration, synthesisSystemPrompt, buildSynthesisPrompt(plan, parts), nil)
	if err != nil {
		return "", nil, err
	}
	code, err := decodeCode(raw)
	if err != nil {
		return "", nil, err
	}
	return code, critiques, nil
}

func (s *stages) generatePart(ctx context.Context, in Input, analysis proposal.Analysis, plan proposal.Plan, g chunk.SectionGroup, images []string) (string, error) {
	return s.generatePartRevision(ctx, in, analysis, plan, g, images, "", nil)
}

func (s *stages) generatePartRevision(ctx context.Context, in Input, analysis proposal.Analysis, plan proposal.Plan, g chunk.SectionGroup, images []string, priorCode string, crit *proposal.Critique) (string, error) {
	pages := proposal.SourceDocument{Name: in.Target.Name, Category: in.Target.Category, Pages: g.Pages}
	prompt := buildGeneratorPrompt(generatorPromptInput{
		Analysis:     analysis,
		Requirements: requirementsFor(analysis, g.Sections),
		Plan:         &plan,
		Sections:     g.Sections,
		SourcePages:  docsText([]proposal.SourceDocument{pages}),
		Examples:     docsText(in.Examples),
		Context:      docsText(in.Context),
		PriorCode:    priorCode,
		Critique:     crit,
		Comment:      in.Comment,
	})
	raw, err := s.complete(ctx, "generator", KindGeneration, generatorSystemPrompt, prompt, images)
	if err != nil {
		return "", err
	}
	return decodeCode(raw)
}

// requirementsFor resolves the requirement ids cited by a section group back
// to full requirements, in analysis order. Unknown ids are skipped.
func requirementsFor(analysis proposal.Analysis, sections []proposal.Section) []proposal.Requirement {
	wanted := map[string]bool{}
	for _, sec := range sections {
		for _, id := range sec.RequirementIDs {
			wanted[id] = true
		}
	}
	if len(wanted) == 0 {
		return analysis.Requirements
	}
	var out []proposal.Requirement
	for _, r := range analysis.Requirements {
		if wanted[r.ID] {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return analysis.Requirements
	}
	return out
}
