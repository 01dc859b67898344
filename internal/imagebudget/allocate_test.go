package imagebudget

import (
	"testing"

	"github.com/Scientialibera/RFP-BUILDER/internal/proposal"
)

func TestAllocate_HalfQuarterQuarter(t *testing.T) {
	alloc := Allocate(50, Ratios{Examples: 0.5, Target: 0.25, Context: 0.25}, 2, 1, 3)
	if alloc.Examples != 25 || alloc.Target != 13 || alloc.Context != 12 {
		t.Fatalf("got %+v, want {25 13 12}", alloc)
	}
	if alloc.Total() != 50 {
		t.Fatalf("allocation does not sum to budget: %d", alloc.Total())
	}
}

func TestAllocate_NeverExceedsBudget(t *testing.T) {
	cases := []struct {
		max    int
		ratios Ratios
	}{
		{1, Ratios{0.5, 0.25, 0.25}},
		{7, Ratios{1, 1, 1}},
		{10, Ratios{0.9, 0.05, 0.05}},
		{3, Ratios{0.33, 0.33, 0.34}},
	}
	for _, tc := range cases {
		alloc := Allocate(tc.max, tc.ratios, 1, 1, 1)
		if alloc.Total() != tc.max {
			t.Fatalf("Allocate(%d, %+v) sums to %d", tc.max, tc.ratios, alloc.Total())
		}
	}
}

func TestAllocate_AbsentCategoryGetsZero(t *testing.T) {
	alloc := Allocate(50, Ratios{Examples: 0.5, Target: 0.25, Context: 0.25}, 0, 1, 1)
	if alloc.Examples != 0 {
		t.Fatalf("no example docs but examples got %d images", alloc.Examples)
	}
	if alloc.Total() != 50 {
		t.Fatalf("budget not redistributed, total %d", alloc.Total())
	}
}

func TestAllocate_ZeroRatiosShareEqually(t *testing.T) {
	alloc := Allocate(9, Ratios{}, 1, 1, 1)
	if alloc.Examples != 3 || alloc.Target != 3 || alloc.Context != 3 {
		t.Fatalf("equal-share fallback broken: %+v", alloc)
	}
}

func TestAllocate_NoDocsNoImages(t *testing.T) {
	if alloc := Allocate(50, Ratios{0.5, 0.25, 0.25}, 0, 0, 0); alloc.Total() != 0 {
		t.Fatalf("allocation without documents: %+v", alloc)
	}
}

func TestSplitAcrossDocs(t *testing.T) {
	shares := SplitAcrossDocs(10, 3)
	if len(shares) != 3 {
		t.Fatalf("expected 3 shares, got %d", len(shares))
	}
	if shares[0] != 4 || shares[1] != 3 || shares[2] != 3 {
		t.Fatalf("remainder should go to lowest-index docs: %v", shares)
	}
	sum := 0
	for _, s := range shares {
		sum += s
	}
	if sum != 10 {
		t.Fatalf("shares sum to %d", sum)
	}
}

func docWithPages(pages ...proposal.Page) proposal.SourceDocument {
	return proposal.SourceDocument{Name: "doc", Pages: pages}
}

func TestSelectPages_PrefersTabularPages(t *testing.T) {
	doc := docWithPages(
		proposal.Page{Num: 1, Text: "plain prose", ImageRef: "p1"},
		proposal.Page{Num: 2, Text: "a | b | c\n1 | 2 | 3\n4 | 5 | 6", ImageRef: "p2"},
		proposal.Page{Num: 3, Text: "more prose", ImageRef: "p3"},
		proposal.Page{Num: 4, Text: "x | y\n1 | 2", ImageRef: "p4"},
	)
	refs := SelectPages(doc, 2, TableOptions{Enabled: true, MinRows: 2, MinCols: 2})
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %v", refs)
	}
	// Table pages win the budget, returned in page order.
	if refs[0] != "p2" || refs[1] != "p4" {
		t.Fatalf("expected table pages p2,p4, got %v", refs)
	}
}

func TestSelectPages_TableAwarenessNeverChangesBudget(t *testing.T) {
	doc := docWithPages(
		proposal.Page{Num: 1, Text: "a | b\n1 | 2", ImageRef: "p1"},
		proposal.Page{Num: 2, Text: "c | d\n3 | 4", ImageRef: "p2"},
		proposal.Page{Num: 3, Text: "e | f\n5 | 6", ImageRef: "p3"},
	)
	refs := SelectPages(doc, 2, TableOptions{Enabled: true, MinRows: 2, MinCols: 2})
	if len(refs) != 2 {
		t.Fatalf("budget must cap selection even when every page is tabular: %v", refs)
	}
}

func TestSelectPages_SkipsPagesWithoutRenders(t *testing.T) {
	doc := docWithPages(
		proposal.Page{Num: 1, Text: "no image"},
		proposal.Page{Num: 2, Text: "has image", ImageRef: "p2"},
	)
	refs := SelectPages(doc, 5, TableOptions{})
	if len(refs) != 1 || refs[0] != "p2" {
		t.Fatalf("expected only p2, got %v", refs)
	}
}

func TestLooksTabular(t *testing.T) {
	if looksTabular("just a sentence\nanother sentence", 2, 2) {
		t.Fatal("prose flagged as tabular")
	}
	if !looksTabular("a\tb\tc\nd\te\tf", 2, 2) {
		t.Fatal("tab-separated grid not detected")
	}
	if !looksTabular("name   qty   price\nbolt   10    0.20", 2, 2) {
		t.Fatal("space-aligned grid not detected")
	}
}
