// Package gate decides which calls carry enough transcript to be scored.
package gate

import (
	"unicode/utf8"

	"github.com/youngcaesar/qci-sync/internal/storage/models"
)

const DefaultMinTranscriptLength = 100

type Gate struct {
	minLength int
}

// New returns a gate with the given threshold. A negative threshold is
// treated as zero.
func New(minLength int) Gate {
	if minLength < 0 {
		minLength = 0
	}
	return Gate{minLength: minLength}
}

func (g Gate) MinLength() int { return g.minLength }

// Eligible reports whether the call has a non-null transcript whose length
// in characters is strictly greater than the threshold.
func (g Gate) Eligible(call models.Call) bool {
	if call.Transcript == nil {
		return false
	}
	n := utf8.RuneCountInString(*call.Transcript)
	return n > 0 && n > g.minLength
}

// Filter returns the eligible calls in input order.
func (g Gate) Filter(calls []models.Call) []models.Call {
	out := make([]models.Call, 0, len(calls))
	for _, c := range calls {
		if g.Eligible(c) {
			out = append(out, c)
		}
	}
	return out
}
