// Package imagebudget spreads a fixed visual-evidence budget across document
// categories and documents using largest-remainder apportionment.
package imagebudget

import (
	"sort"
	"strings"

	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
)

// Ratios holds the per-category weights. They need not sum to 1; they are
// normalized before apportionment.
type Ratios struct {
	Examples float64
	Target   float64
	Context  float64
}

// Allocation is the per-category integer budget for one completion call.
type Allocation struct {
	Examples int
	Target   int
	Context  int
}

func (a Allocation) Total() int { return a.Examples + a.Target + a.Context }

// Allocate divides maxImages across the three categories. Categories with no
// documents get zero. Truncation remainder goes to the categories with the
// largest fractional remainders; ties break in declaration order (examples,
// target, context), deterministic for fixed inputs.
func Allocate(maxImages int, ratios Ratios, exampleDocs, targetDocs, contextDocs int) Allocation {
	if maxImages <= 0 {
		return Allocation{}
	}
	weights := []float64{ratios.Examples, ratios.Target, ratios.Context}
	present := []bool{exampleDocs > 0, targetDocs > 0, contextDocs > 0}
	sum := 0.0
	active := 0
	for i := range weights {
		if !present[i] {
			weights[i] = 0
		}
		if weights[i] > 0 {
			sum += weights[i]
			active++
		}
	}
	if sum <= 0 {
		// All ratios zero: active categories share equally.
		for i := range weights {
			if present[i] {
				weights[i] = 1
				sum++
			}
		}
		if sum == 0 {
			return Allocation{}
		}
	}

	targets := make([]float64, 3)
	floors := make([]int, 3)
	used := 0
	for i := range weights {
		targets[i] = weights[i] / sum * float64(maxImages)
		floors[i] = int(targets[i])
		used += floors[i]
	}
	order := []int{0, 1, 2}
	sort.SliceStable(order, func(a, b int) bool {
		ra := targets[order[a]] - float64(floors[order[a]])
		rb := targets[order[b]] - float64(floors[order[b]])
		return ra > rb
	})
	for rem := maxImages - used; rem > 0; rem-- {
		floors[order[0]]++
		order = append(order[1:], order[0])
	}
	return Allocation{Examples: floors[0], Target: floors[1], Context: floors[2]}
}

// SplitAcrossDocs divides a category budget across count documents. The even
// share is floored; leftover units go one each to the lowest-index documents
// (every document has the same fractional remainder, so index is the
// deterministic tie-break).
func SplitAcrossDocs(budget, count int) []int {
	if count <= 0 || budget <= 0 {
		return nil
	}
	out := make([]int, count)
	base := budget / count
	rem := budget % count
	for i := range out {
		out[i] = base
		if i < rem {
			out[i]++
		}
	}
	return out
}

// TableOptions gates the grid heuristic used by SelectPages.
type TableOptions struct {
	Enabled bool
	MinRows int
	MinCols int
}

// SelectPages picks up to budget page image refs from doc. When table
// awareness is on, pages whose text looks grid-like are preferred; otherwise
// pages are taken in order. The budget size itself is never affected by the
// heuristic.
func SelectPages(doc proposal.SourceDocument, budget int, tables TableOptions) []string {
	if budget <= 0 {
		return nil
	}
	type scored struct {
		idx   int
		ref   string
		table bool
	}
	var candidates []scored
	for i, p := range doc.Pages {
		if p.ImageRef == "" {
			continue
		}
		candidates = append(candidates, scored{
			idx:   i,
			ref:   p.ImageRef,
			table: tables.Enabled && looksTabular(p.Text, tables.MinRows, tables.MinCols),
		})
	}
	if tables.Enabled {
		sort.SliceStable(candidates, func(a, b int) bool {
			if candidates[a].table != candidates[b].table {
				return candidates[a].table
			}
			return candidates[a].idx < candidates[b].idx
		})
	}
	if len(candidates) > budget {
		candidates = candidates[:budget]
	}
	// Preserve page order in the final selection regardless of scoring.
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].idx < candidates[b].idx })
	refs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		refs = append(refs, c.ref)
	}
	return refs
}

// looksTabular reports whether text contains at least minRows lines that each
// split into minCols or more cells on pipes or tab runs.
func looksTabular(text string, minRows, minCols int) bool {
	if minRows <= 0 {
		minRows = 2
	}
	if minCols <= 0 {
		minCols = 2
	}
	rows := 0
	for _, line := range strings.Split(text, "\n") {
		cols := countCells(line)
		if cols >= minCols {
			rows++
			if rows >= minRows {
				return true
			}
		}
	}
	return false
}

func countCells(line string) int {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0
	}
	if strings.Count(line, "|") >= 1 {
		cells := 0
		for _, c := range strings.Split(line, "|") {
			if strings.TrimSpace(c) != "" {
				cells++
			}
		}
		return cells
	}
	cells := 0
	for _, c := range strings.Split(line, "\t") {
		if strings.TrimSpace(c) != "" {
			cells++
		}
	}
	if cells > 1 {
		return cells
	}
	// Runs of 3+ spaces also separate columns in extracted text.
	cells = 0
	for _, c := range strings.Split(line, "   ") {
		if strings.TrimSpace(c) != "" {
			cells++
		}
	}
	if cells > 1 {
		return cells
	}
	return 1
}
