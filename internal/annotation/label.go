// Package annotation turns pathologist region annotations into labeled
// polygons and answers which region a point falls in.
package annotation

import (
	"regexp"
	"strconv"
	"strings"
)

// Label is the semantic class of an annotated region.
type Label int

const (
	Ignore Label = iota
	Healthy
	Tumor
)

func (l Label) String() string {
	switch l {
	case Healthy:
		return "healthy"
	case Tumor:
		return "tumor"
	default:
		return "ignore"
	}
}

// Value returns the ground-truth encoding of a label: 0 for Healthy and
// 1 for Tumor. Ignore has no encoding.
func (l Label) Value() (float64, bool) {
	switch l {
	case Healthy:
		return 0, true
	case Tumor:
		return 1, true
	default:
		return 0, false
	}
}

// Rule maps normalized (lower-cased) description text to a label. A rule
// that does not apply returns false.
type Rule struct {
	Name  string
	Match func(text string) (Label, bool)
}

var cellularityPattern = regexp.MustCompile(`(cellula.*:|tb-)\s*(\d+)`)

// CellularityRule reads a numeric cellularity score such as
// "cellularity: 40" or "tb-0". A score of 0 is Healthy, anything above is
// Tumor. Scores that do not parse as an int leave the rule unmatched.
var CellularityRule = Rule{
	Name: "cellularity",
	Match: func(text string) (Label, bool) {
		m := cellularityPattern.FindStringSubmatch(text)
		if m == nil {
			return Ignore, false
		}
		score, err := strconv.Atoi(m[2])
		if err != nil {
			return Ignore, false
		}
		if score == 0 {
			return Healthy, true
		}
		return Tumor, true
	},
}

// KeywordRule matches when the text contains any of the keywords.
func KeywordRule(name string, label Label, keywords ...string) Rule {
	return Rule{
		Name: name,
		Match: func(text string) (Label, bool) {
			for _, kw := range keywords {
				if strings.Contains(text, kw) {
					return label, true
				}
			}
			return Ignore, false
		},
	}
}

// DefaultRules is the rule order used by the annotation tooling. Numeric
// cellularity scores outrank keywords.
var DefaultRules = []Rule{
	CellularityRule,
	KeywordRule("healthy-keyword", Healthy, "healthy", "normal epithelial"),
	KeywordRule("tumor-keyword", Tumor, "malignant", "idc", "dcis"),
}

// Resolver applies an ordered rule list; the first matching rule wins.
type Resolver struct {
	rules []Rule
}

// NewResolver creates a resolver. With no rules it uses DefaultRules.
func NewResolver(rules ...Rule) *Resolver {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Resolver{rules: rules}
}

// Resolve returns the label for a free-text region description.
func (r *Resolver) Resolve(description string) Label {
	text := strings.ToLower(description)
	if strings.TrimSpace(text) == "" {
		return Ignore
	}
	for _, rule := range r.rules {
		if label, ok := rule.Match(text); ok {
			return label
		}
	}
	return Ignore
}

var defaultResolver = NewResolver()

// ResolveLabel resolves a description with DefaultRules.
func ResolveLabel(description string) Label {
	return defaultResolver.Resolve(description)
}
