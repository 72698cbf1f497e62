// Package lexicon holds versioned keyword categories and the feature
// extraction that runs over transcripts before rubric scoring.
package lexicon

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/utils"
)

//go:embed default_lexicon.yaml
var defaultLexicon []byte

// Ceiling caps one rubric dimension when its category has no hits.
type Ceiling struct {
	Dimension string  `yaml:"dimension" json:"dimension"`
	Max       float64 `yaml:"max" json:"max"`
}

type Category struct {
	Name     string   `yaml:"name" json:"name"`
	Weight   float64  `yaml:"weight" json:"weight"`
	Patterns []string `yaml:"patterns" json:"patterns"`
	Ceiling  *Ceiling `yaml:"ceiling,omitempty" json:"ceiling,omitempty"`
}

type file struct {
	Version    string     `yaml:"version"`
	Categories []Category `yaml:"categories"`
}

// Lexicon is immutable after construction and safe for concurrent use.
type Lexicon struct {
	version    string
	categories []Category
}

// Features maps category name to a hit ratio in [0, 1].
type Features map[string]float64

// New validates categories and builds a lexicon. Patterns are lower-cased
// and de-duplicated keeping first occurrence. An empty version is replaced
// by a content hash.
func New(version string, categories []Category) (*Lexicon, error) {
	if len(categories) == 0 {
		return nil, fmt.Errorf("lexicon has no categories")
	}

	seen := make(map[string]bool, len(categories))
	cats := make([]Category, 0, len(categories))
	for _, c := range categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("lexicon category without name")
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate lexicon category %q", name)
		}
		seen[name] = true

		if c.Weight < 0 {
			return nil, fmt.Errorf("category %q: weight must not be negative", name)
		}

		patterns := normalizePatterns(c.Patterns)
		if len(patterns) == 0 {
			return nil, fmt.Errorf("category %q has no patterns", name)
		}

		var ceiling *Ceiling
		if c.Ceiling != nil {
			if _, ok := (models.SubScores{}).Get(c.Ceiling.Dimension); !ok {
				return nil, fmt.Errorf("category %q: unknown ceiling dimension %q", name, c.Ceiling.Dimension)
			}
			if c.Ceiling.Max < 0 || c.Ceiling.Max > models.MaxSubScore {
				return nil, fmt.Errorf("category %q: ceiling %v out of range", name, c.Ceiling.Max)
			}
			cp := *c.Ceiling
			ceiling = &cp
		}

		cats = append(cats, Category{Name: name, Weight: c.Weight, Patterns: patterns, Ceiling: ceiling})
	}

	l := &Lexicon{version: strings.TrimSpace(version), categories: cats}
	if l.version == "" {
		canonical, err := json.Marshal(cats)
		if err != nil {
			return nil, fmt.Errorf("failed to hash lexicon: %w", err)
		}
		l.version = "sha256:" + utils.ShortHash(string(canonical), 12)
	}
	return l, nil
}

func normalizePatterns(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Parse reads a lexicon from YAML.
func Parse(data []byte) (*Lexicon, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse lexicon: %w", err)
	}
	return New(f.Version, f.Categories)
}

func LoadFile(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lexicon file: %w", err)
	}
	return Parse(data)
}

// Default returns the lexicon compiled into the binary.
func Default() *Lexicon {
	l, err := Parse(defaultLexicon)
	if err != nil {
		panic(fmt.Sprintf("embedded lexicon is invalid: %v", err))
	}
	return l
}

// Load returns LoadFile(path) or Default when path is empty.
func Load(path string) (*Lexicon, error) {
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

func (l *Lexicon) Version() string { return l.version }

// Categories returns a copy of the categories in declaration order.
func (l *Lexicon) Categories() []Category {
	out := make([]Category, len(l.categories))
	for i, c := range l.categories {
		c.Patterns = append([]string(nil), c.Patterns...)
		out[i] = c
	}
	return out
}

// Extract counts, per category, how many distinct patterns occur in the
// transcript (case-insensitive substring match) divided by the category's
// pattern count. Every category is present in the result.
func (l *Lexicon) Extract(transcript string) Features {
	features := make(Features, len(l.categories))
	text := strings.ToLower(transcript)
	for _, c := range l.categories {
		if text == "" {
			features[c.Name] = 0
			continue
		}
		hits := 0
		for _, p := range c.Patterns {
			if strings.Contains(text, p) {
				hits++
			}
		}
		ratio := float64(hits) / float64(len(c.Patterns))
		if ratio > 1 {
			ratio = 1
		}
		features[c.Name] = ratio
	}
	return features
}

// Signal is the weight-averaged hit ratio in [0, 1]. Zero total weight
// yields 0.
func (l *Lexicon) Signal(f Features) float64 {
	var sum, weights float64
	for _, c := range l.categories {
		sum += c.Weight * f[c.Name]
		weights += c.Weight
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// ApplyCeilings clamps dimensions whose guarding category has no hits and
// returns the names of the categories that fired.
func (l *Lexicon) ApplyCeilings(s models.SubScores, f Features) (models.SubScores, []string) {
	var applied []string
	for _, c := range l.categories {
		if c.Ceiling == nil || f[c.Name] > 0 {
			continue
		}
		v, _ := s.Get(c.Ceiling.Dimension)
		if v > c.Ceiling.Max {
			s = s.With(c.Ceiling.Dimension, c.Ceiling.Max)
			applied = append(applied, c.Name)
		}
	}
	return s, applied
}
