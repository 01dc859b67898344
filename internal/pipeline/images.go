package pipeline

import (
	"github.com/Scientialibera/RFP-BUILDER/internal/config"
	"github.com/Scientialibera/RFP-BUILDER/internal/imagebudget"
	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
)

// imageSet holds the page images selected for a run, grouped by the
// category of the document they came from.
type imageSet struct {
	Examples []string
	Target   []string
	Context  []string
}

func (s imageSet) All() []string {
	out := make([]string, 0, len(s.Examples)+len(s.Target)+len(s.Context))
	out = append(out, s.Examples...)
	out = append(out, s.Target...)
	out = append(out, s.Context...)
	return out
}

// Capped trims the set to at most n images, keeping category proportions
// via the same apportionment used for the overall budget.
func (s imageSet) Capped(n int) []string {
	total := len(s.Examples) + len(s.Target) + len(s.Context)
	if n <= 0 || total <= n {
		return s.All()
	}
	ratios := imagebudget.Ratios{
		Examples: float64(len(s.Examples)),
		Target:   float64(len(s.Target)),
		Context:  float64(len(s.Context)),
	}
	alloc := imagebudget.Allocate(n, ratios,
		boolToCount(len(s.Examples) > 0),
		boolToCount(len(s.Target) > 0),
		boolToCount(len(s.Context) > 0))
	out := make([]string, 0, n)
	out = append(out, s.Examples[:min(alloc.Examples, len(s.Examples))]...)
	out = append(out, s.Target[:min(alloc.Target, len(s.Target))]...)
	out = append(out, s.Context[:min(alloc.Context, len(s.Context))]...)
	return out
}

func boolToCount(b bool) int {
	if b {
		return 1
	}
	return 0
}

// collectImages apportions the run's image budget across document
// categories, splits each category's share evenly across its documents,
// and picks pages table-first within each document.
func collectImages(cfg config.PipelineConfig, in Input) imageSet {
	if !cfg.EnableImages || cfg.MaxImages <= 0 {
		return imageSet{}
	}
	ratios := imagebudget.Ratios{
		Examples: cfg.ImageRatioExamples,
		Target:   cfg.ImageRatioTarget,
		Context:  cfg.ImageRatioContext,
	}
	targetDocs := []proposal.SourceDocument{in.Target}
	alloc := imagebudget.Allocate(cfg.MaxImages, ratios, len(in.Examples), len(targetDocs), len(in.Context))
	tables := imagebudget.TableOptions{Enabled: cfg.EnableTables, MinRows: cfg.MinTableRows, MinCols: cfg.MinTableCols}
	return imageSet{
		Examples: selectCategory(in.Examples, alloc.Examples, tables),
		Target:   selectCategory(targetDocs, alloc.Target, tables),
		Context:  selectCategory(in.Context, alloc.Context, tables),
	}
}

func selectCategory(docs []proposal.SourceDocument, budget int, tables imagebudget.TableOptions) []string {
	if budget <= 0 || len(docs) == 0 {
		return nil
	}
	shares := imagebudget.SplitAcrossDocs(budget, len(docs))
	var out []string
	for i, d := range docs {
		out = append(out, imagebudget.SelectPages(d, shares[i], tables)...)
	}
	return out
}
