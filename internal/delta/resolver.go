// Package delta computes which eligible calls still need an analysis.
package delta

import "github.com/youngcaesar/qci-sync/internal/storage/models"

// Summary describes one resolution for logs and run metadata.
type Summary struct {
	Eligible        int
	AlreadyAnalyzed int
	Pending         int
	Selected        int
}

// Resolve returns eligible minus the calls whose id is in analyzed, in the
// order of eligible. Duplicate ids in eligible are kept once. A positive
// limit truncates the result after the difference is taken.
func Resolve(eligible []models.Call, analyzed []string, limit int) ([]models.Call, Summary) {
	done := make(map[string]struct{}, len(analyzed))
	for _, id := range analyzed {
		done[id] = struct{}{}
	}

	sum := Summary{Eligible: len(eligible)}
	seen := make(map[string]struct{}, len(eligible))
	out := make([]models.Call, 0, len(eligible))
	for _, c := range eligible {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		if _, ok := done[c.ID]; ok {
			sum.AlreadyAnalyzed++
			continue
		}
		out = append(out, c)
	}

	sum.Pending = len(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	sum.Selected = len(out)
	return out, sum
}

// Analyzed returns the ids of eligible calls that appear in analyzed.
func Analyzed(eligible []models.Call, analyzed []string) []string {
	done := make(map[string]struct{}, len(analyzed))
	for _, id := range analyzed {
		done[id] = struct{}{}
	}
	var out []string
	for _, c := range eligible {
		if _, ok := done[c.ID]; ok {
			out = append(out, c.ID)
			delete(done, c.ID)
		}
	}
	return out
}
