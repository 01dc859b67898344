package pipeline

import (
	"context"

	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
)

// Critique reviews generated document code against the analysis.
func (s *stages) Critique(ctx context.Context, analysis proposal.Analysis, code string) (proposal.Critique, error) {
	prompt := buildCritiquerPrompt(analysis, code)
	raw, err := s.complete(ctx, "critiquer", KindCritique, critiquerSystemPrompt, prompt, nil)
	if err != nil {
		return proposal.Critique{}, err
	}
	var c proposal.Critique
	if err := decodeJSON(raw, &c); err != nil {
		return proposal.Critique{}, stageErr(KindCritique, "malformed critiquer response: %w", err)
	}
	if err := c.Validate(); err != nil {
		return proposal.Critique{}, stageErr(KindCritique, "invalid critique: %w", err)
	}
	return c, nil
}
