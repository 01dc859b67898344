package pipeline

import (
	"fmt"
	"strings"

	"github.com/Scientialibera/RFP-BUILDER/internal/config"
	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
)

// Input is everything a pipeline run starts from: the request document to
// answer, optional style examples and company context, free-form operator
// guidance, and per-run option overrides.
type Input struct {
	Target   proposal.SourceDocument   `json:"target"`
	Examples []proposal.SourceDocument `json:"examples,omitempty"`
	Context  []proposal.SourceDocument `json:"context,omitempty"`
	Comment  string                    `json:"comment,omitempty"`
	Options  *config.Options           `json:"options,omitempty"`
}

func (in Input) Validate() error {
	if in.Target.Name == "" {
		return fmt.Errorf("target document name is required")
	}
	if len(in.Target.Pages) == 0 {
		return fmt.Errorf("target document %q has no pages", in.Target.Name)
	}
	return nil
}

// docsText renders a document set as labeled page text for prompting.
func docsText(docs []proposal.SourceDocument) string {
	var b strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&b, "=== %s ===\n", d.Name)
		for _, p := range d.Pages {
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			fmt.Fprintf(&b, "[page %d]\n%s\n", p.Num, p.Text)
		}
		b.WriteString("\n")
	}
	return b.String()
}
