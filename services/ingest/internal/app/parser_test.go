package app

import (
	"fmt"
	"strings"
	"testing"
)

func TestSplitLinesEvenly(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = fmt.Sprintf("l%d", i)
	}
	pages := splitLinesEvenly(lines, 10)
	if len(pages) != 10 {
		t.Fatalf("pages = %d, want 10", len(pages))
	}
	for i, page := range pages {
		got := strings.Split(page, "\n")
		if len(got) != 10 || got[0] != fmt.Sprintf("l%d", i*10) || got[9] != fmt.Sprintf("l%d", i*10+9) {
			t.Fatalf("page %d = %q", i+1, page)
		}
	}
}

func TestSplitLinesEvenlyUnevenAndShort(t *testing.T) {
	cases := []struct {
		name  string
		lines int
		pages int
		want  []int
	}{
		{"ceil division", 7, 3, []int{3, 3, 1}},
		{"fewer lines than pages", 2, 4, []int{1, 1, 0, 0}},
		{"no text", 0, 2, []int{0, 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lines := make([]string, tc.lines)
			for i := range lines {
				lines[i] = "x"
			}
			pages := splitLinesEvenly(lines, tc.pages)
			if len(pages) != len(tc.want) {
				t.Fatalf("pages = %d, want %d", len(pages), len(tc.want))
			}
			for i, page := range pages {
				n := 0
				if page != "" {
					n = len(strings.Split(page, "\n"))
				}
				if n != tc.want[i] {
					t.Fatalf("page %d has %d lines, want %d", i+1, n, tc.want[i])
				}
			}
		})
	}
	if pages := splitLinesEvenly([]string{"a"}, 0); pages != nil {
		t.Fatalf("splitLinesEvenly(_, 0) = %v, want nil", pages)
	}
}

func TestFlattenLinesDropsBlankLinesAndFormFeeds(t *testing.T) {
	got := flattenLines("first  \r\n\n   \fsecond\f\nthird\t")
	want := []string{"first", "second", "third"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("flattenLines() = %q, want %q", got, want)
	}
}
