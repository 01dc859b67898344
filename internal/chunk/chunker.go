package chunk

import (
	"sort"
	"strings"

	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
)

// Group is a contiguous run of pages sized to a token budget. Transient:
// produced and consumed within a single stage invocation.
type Group struct {
	Pages  []proposal.Page
	Tokens int
}

func (g Group) Text() string {
	var b strings.Builder
	for i, p := range g.Pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

func (g Group) PageNums() []int {
	nums := make([]int, 0, len(g.Pages))
	for _, p := range g.Pages {
		nums = append(nums, p.Num)
	}
	return nums
}

// ByTokens accumulates consecutive pages into groups until adding the next
// page would exceed budget. A page whose own cost exceeds the budget is
// emitted alone; content is never dropped. Every page lands in exactly one
// group and group order equals page order.
func ByTokens(pages []proposal.Page, budget int, counter TokenCounter) []Group {
	if counter == nil {
		counter = ZeroCounter{}
	}
	if budget <= 0 {
		all := Group{Pages: pages}
		for _, p := range pages {
			all.Tokens += counter.Count(p.Text)
		}
		if len(all.Pages) == 0 {
			return nil
		}
		return []Group{all}
	}

	var groups []Group
	var cur Group
	for _, p := range pages {
		cost := counter.Count(p.Text)
		if len(cur.Pages) > 0 && cur.Tokens+cost > budget {
			groups = append(groups, cur)
			cur = Group{}
		}
		cur.Pages = append(cur.Pages, p)
		cur.Tokens += cost
	}
	if len(cur.Pages) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// SectionGroup pairs a slice of planned sections with the pages they cite,
// for one generation call.
type SectionGroup struct {
	Sections []proposal.Section
	Pages    []proposal.Page
}

// GenerationOptions tunes ForPlan.
type GenerationOptions struct {
	IntroPages  int // leading pages prepended to every group
	PageOverlap int // trailing pages of the previous group repeated
	MaxSections int // cap on sections per group
	TokenBudget int // soft budget used to close a group early
	Counter     TokenCounter
}

// ForPlan groups plan sections by the union of their cited pages, extended by
// a trailing-page overlap from the previous group and capped at MaxSections
// per group. Intro pages are prepended to every group regardless of citation.
func ForPlan(plan proposal.Plan, pages []proposal.Page, opts GenerationOptions) []SectionGroup {
	counter := opts.Counter
	if counter == nil {
		counter = ZeroCounter{}
	}
	maxSections := opts.MaxSections
	if maxSections <= 0 {
		maxSections = len(plan.Sections)
	}

	byNum := make(map[int]proposal.Page, len(pages))
	for _, p := range pages {
		byNum[p.Num] = p
	}
	intro := pages
	if opts.IntroPages >= 0 && opts.IntroPages < len(pages) {
		intro = pages[:opts.IntroPages]
	}

	var groups []SectionGroup
	var prevCited []int
	for start := 0; start < len(plan.Sections); {
		end := start + maxSections
		if end > len(plan.Sections) {
			end = len(plan.Sections)
		}
		sections := plan.Sections[start:end]

		cited := map[int]bool{}
		budget := 0
		taken := 0
		for i, s := range sections {
			cost := 0
			for _, n := range s.CitedPages {
				if !cited[n] {
					cost += counter.Count(byNum[n].Text)
				}
			}
			if taken > 0 && opts.TokenBudget > 0 && budget+cost > opts.TokenBudget {
				break
			}
			for _, n := range s.CitedPages {
				cited[n] = true
			}
			budget += cost
			taken = i + 1
		}
		if taken == 0 {
			taken = 1
			for _, n := range sections[0].CitedPages {
				cited[n] = true
			}
		}
		sections = sections[:taken]

		// Overlap: repeat the last N cited pages of the previous group so
		// cross-page context survives the cut.
		if opts.PageOverlap > 0 && len(prevCited) > 0 {
			tail := prevCited
			if len(tail) > opts.PageOverlap {
				tail = tail[len(tail)-opts.PageOverlap:]
			}
			for _, n := range tail {
				cited[n] = true
			}
		}

		nums := make([]int, 0, len(cited))
		for n := range cited {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		prevCited = nums

		seen := map[int]bool{}
		var groupPages []proposal.Page
		for _, p := range intro {
			groupPages = append(groupPages, p)
			seen[p.Num] = true
		}
		for _, n := range nums {
			if seen[n] {
				continue
			}
			if p, ok := byNum[n]; ok {
				groupPages = append(groupPages, p)
				seen[n] = true
			}
		}

		groups = append(groups, SectionGroup{
			Sections: append([]proposal.Section(nil), sections...),
			Pages:    groupPages,
		})
		start += taken
	}
	return groups
}

// MergeRequirements concatenates chunk outputs, de-duplicating by requirement
// id. First occurrence wins; order follows chunk order.
func MergeRequirements(batches ...[]proposal.Requirement) []proposal.Requirement {
	seen := map[string]bool{}
	var out []proposal.Requirement
	for _, batch := range batches {
		for _, r := range batch {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	return out
}
