package pipeline

import (
	"context"
	"log/slog"

	"github.com/Scientialibera/RFP-BUILDER/internal/chunk"
	"github.com/Scientialibera/RFP-BUILDER/internal/config"
	"github.com/Scientialibera/RFP-BUILDER/internal/llm"
)

// stages bundles the collaborators every stage executor needs: the completion
// client, the run's resolved options, and the token counter used by both
// chunking modes.
type stages struct {
	client  llm.Client
	cfg     config.PipelineConfig
	counter chunk.TokenCounter
	log     *slog.Logger
}

func (s *stages) complete(ctx context.Context, name string, kind Kind, system, user string, images []string) (string, error) {
	s.log.Debug("completion call", "stage", name, "images", len(images), "prompt_bytes", len(user))
	out, err := s.client.Complete(ctx, llm.Request{
		Stage:  name,
		System: system,
		User:   user,
		Images: images,
	})
	if err != nil {
		return "", &StageError{Kind: kind, Err: err}
	}
	return out, nil
}
