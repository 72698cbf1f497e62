package delta

import (
	"reflect"
	"testing"

	"github.com/youngcaesar/qci-sync/internal/storage/models"
)

func calls(ids ...string) []models.Call {
	out := make([]models.Call, len(ids))
	for i, id := range ids {
		out[i] = models.Call{ID: id}
	}
	return out
}

func ids(cs []models.Call) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		eligible []models.Call
		analyzed []string
		limit    int
		want     []string
		summary  Summary
	}{
		{"scenario", calls("c1", "c3"), []string{"c1"}, 0, []string{"c3"}, Summary{2, 1, 1, 1}},
		{"nothing analyzed", calls("a", "b", "c"), nil, 0, []string{"a", "b", "c"}, Summary{3, 0, 3, 3}},
		{"everything analyzed", calls("a", "b"), []string{"b", "a", "zz"}, 0, []string{}, Summary{2, 2, 0, 0}},
		{"order follows eligible", calls("z", "y", "x", "w"), []string{"y"}, 0, []string{"z", "x", "w"}, Summary{4, 1, 3, 3}},
		{"limit after difference", calls("a", "b", "c", "d"), []string{"a"}, 2, []string{"b", "c"}, Summary{4, 1, 3, 2}},
		{"duplicate eligible ids", calls("a", "a", "b"), nil, 0, []string{"a", "b"}, Summary{3, 0, 2, 2}},
		{"empty", nil, []string{"a"}, 0, []string{}, Summary{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, sum := Resolve(tt.eligible, tt.analyzed, tt.limit)
			if !reflect.DeepEqual(ids(got), tt.want) {
				t.Fatalf("Resolve() = %v, want %v", ids(got), tt.want)
			}
			if sum != tt.summary {
				t.Fatalf("summary = %+v, want %+v", sum, tt.summary)
			}
		})
	}
}

func TestResolveIsExactDifference(t *testing.T) {
	eligible := calls("a", "b", "c", "d", "e", "f")
	analyzed := []string{"b", "d", "f", "g"}
	got, _ := Resolve(eligible, analyzed, 0)

	inAnalyzed := map[string]bool{}
	for _, id := range analyzed {
		inAnalyzed[id] = true
	}
	inGot := map[string]bool{}
	for _, c := range got {
		if inAnalyzed[c.ID] {
			t.Fatalf("%s is already analyzed", c.ID)
		}
		inGot[c.ID] = true
	}
	for _, c := range eligible {
		if !inAnalyzed[c.ID] && !inGot[c.ID] {
			t.Fatalf("%s missing from delta", c.ID)
		}
	}
}

func TestAnalyzed(t *testing.T) {
	got := Analyzed(calls("a", "b", "c"), []string{"c", "x", "a"})
	if !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("Analyzed() = %v", got)
	}
}
