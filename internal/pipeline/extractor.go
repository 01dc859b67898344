package pipeline

import (
	"context"

	"github.com/Scientialibera/RFP-BUILDER/internal/chunk"
	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
	"github.com/Scientialibera/RFP-BUILDER/internal/util"
)

// Extract turns the target document into an Analysis. With requirements
// chunking enabled the document is sliced into token-bounded page groups and
// each slice sees the requirements found so far, so ids stay sequential and
// duplicates are suppressed at the source; the merged result de-duplicates by
// id as a second line of defense.
func (s *stages) Extract(ctx context.Context, in Input, prior *proposal.Analysis, imgs imageSet) (proposal.Analysis, error) {
	budget := 0
	if s.cfg.RequirementsChunking {
		budget = s.cfg.RequirementsChunkTokens
	}
	groups := chunk.ByTokens(in.Target.Pages, budget, s.counter)
	if len(groups) == 0 {
		return proposal.Analysis{}, stageErr(KindExtraction, "target document %q has no pages", in.Target.Name)
	}

	images := imgs.Target
	if len(groups) > 1 && s.cfg.MaxImagesPerCall > 0 {
		images = imageSet{Target: imgs.Target}.Capped(s.cfg.MaxImagesPerCall)
	}

	var merged proposal.Analysis
	for i, g := range groups {
		if len(groups) > 1 {
			s.log.Info("extracting requirements chunk", "chunk", i+1, "chunks", len(groups), "pages", len(g.Pages), "tokens", g.Tokens)
		}
		prompt := buildExtractorPrompt(g.Text(), g.PageNums(), merged.Requirements, prior, in.Comment)
		raw, err := s.complete(ctx, "extractor", KindExtraction, extractorSystemPrompt, prompt, images)
		if err != nil {
			return proposal.Analysis{}, err
		}
		var part proposal.Analysis
		if err := decodeJSON(raw, &part); err != nil {
			return proposal.Analysis{}, stageErr(KindExtraction, "malformed extractor response: %w", err)
		}
		merged = mergeAnalyses(merged, part, i == 0)
	}

	// Models occasionally drop ids; assign the next sequential id rather than
	// rejecting the whole chunk.
	seen := map[string]bool{}
	for i := range merged.Requirements {
		if merged.Requirements[i].ID == "" || seen[merged.Requirements[i].ID] {
			merged.Requirements[i].ID = util.RequirementID(i + 1)
		}
		seen[merged.Requirements[i].ID] = true
	}

	if err := merged.Validate(); err != nil {
		return proposal.Analysis{}, stageErr(KindExtraction, "invalid analysis: %w", err)
	}
	return merged, nil
}

func mergeAnalyses(base, part proposal.Analysis, first bool) proposal.Analysis {
	if first {
		return part
	}
	base.Requirements = chunk.MergeRequirements(base.Requirements, part.Requirements)
	base.EvaluationCriteria = mergeCriteria(base.EvaluationCriteria, part.EvaluationCriteria)
	base.KeyDifferentiators = mergeStrings(base.KeyDifferentiators, part.KeyDifferentiators)
	if base.SubmissionRequirements == nil {
		base.SubmissionRequirements = part.SubmissionRequirements
	}
	if part.Summary != "" {
		base.Summary = base.Summary + "\n" + part.Summary
	}
	return base
}

func mergeCriteria(a, b []proposal.EvaluationCriterion) []proposal.EvaluationCriterion {
	seen := map[string]bool{}
	var out []proposal.EvaluationCriterion
	for _, c := range append(append([]proposal.EvaluationCriterion(nil), a...), b...) {
		if seen[c.Criterion] {
			continue
		}
		seen[c.Criterion] = true
		out = append(out, c)
	}
	return out
}

func mergeStrings(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range append(append([]string(nil), a...), b...) {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
