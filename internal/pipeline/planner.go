package pipeline

import (
	"context"

	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
)

// Plan maps the extracted requirements onto a section outline. Planning is
// text-only; the image budget is spent where it pays, on extraction and
// generation.
func (s *stages) Plan(ctx context.Context, analysis proposal.Analysis, prior *proposal.Plan, comment string) (proposal.Plan, error) {
	prompt := buildPlannerPrompt(analysis, prior, comment)
	raw, err := s.complete(ctx, "planner", KindPlanning, plannerSystemPrompt, prompt, nil)
	if err != nil {
		return proposal.Plan{}, err
	}
	var plan proposal.Plan
	if err := decodeJSON(raw, &plan); err != nil {
		return proposal.Plan{}, stageErr(KindPlanning, "malformed planner response: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return proposal.Plan{}, stageErr(KindPlanning, "invalid plan: %w", err)
	}
	return plan, nil
}
