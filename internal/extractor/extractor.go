// Package extractor recognizes book identifiers embedded in affiliate links.
package extractor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// IdentifierLength is the exact length of an accepted identifier (ISBN-10/ASIN).
const IdentifierLength = 10

const storeHosts = `amazon\.(?:co\.jp|com|co\.uk|de|fr|ca|it|es|in|com\.br|com\.mx|com\.au)`

// token matches a candidate including hyphens so over-long values are seen whole and rejected.
const token = `([A-Za-z0-9-]+)`

// Pattern is one affiliate-link shape. Group is the capture group holding the candidate.
type Pattern struct {
	Name  string
	Expr  string
	Group int
}

// DefaultPatterns are the link shapes recognized out of the box.
var DefaultPatterns = []Pattern{
	{Name: "dp", Expr: `(?i)` + storeHosts + `/(?:[^\s"'<>()\[\]]*?/)?dp/` + token, Group: 1},
	{Name: "gp-product", Expr: `(?i)` + storeHosts + `/gp/product/` + token, Group: 1},
	{Name: "obidos", Expr: `(?i)` + storeHosts + `/exec/obidos/ASIN/` + token, Group: 1},
	{Name: "amzn-to", Expr: `(?i)amzn\.to/` + token, Group: 1},
	{Name: "amzn-asia", Expr: `(?i)amzn\.asia/d/` + token, Group: 1},
	{Name: "a-co", Expr: `(?i)\ba\.co/d/` + token, Group: 1},
}

// Rejection is a candidate that matched a link shape but is not a valid identifier.
type Rejection struct {
	Pattern   string
	Candidate string
}

// Result is the detailed outcome of one extraction. Raw maps each identifier to the
// candidate text it was first seen as.
type Result struct {
	Identifiers []string
	Raw         map[string]string
	Rejected    []Rejection
}

type compiled struct {
	name  string
	re    *regexp.Regexp
	group int
}

// Extractor applies an ordered list of patterns. It holds no mutable state and is
// safe for concurrent use.
type Extractor struct {
	patterns []compiled
}

// New compiles patterns. An empty list falls back to DefaultPatterns.
func New(patterns []Pattern) (*Extractor, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	out := make([]compiled, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %s: %w", p.Name, err)
		}
		if p.Group < 1 || p.Group > re.NumSubexp() {
			return nil, fmt.Errorf("pattern %s: capture group %d out of range", p.Name, p.Group)
		}
		out = append(out, compiled{name: p.Name, re: re, group: p.Group})
	}
	return &Extractor{patterns: out}, nil
}

// MustNew is New for static pattern lists.
func MustNew(patterns []Pattern) *Extractor {
	e, err := New(patterns)
	if err != nil {
		panic(err)
	}
	return e
}

// ExtractIdentifiers returns the sorted set of identifiers found in text.
func (e *Extractor) ExtractIdentifiers(text string) []string {
	return e.Extract(text).Identifiers
}

// Extract returns identifiers plus rejected candidates.
func (e *Extractor) Extract(text string) Result {
	res := Result{Identifiers: []string{}, Raw: map[string]string{}}
	if strings.TrimSpace(text) == "" {
		return res
	}

	seen := map[string]struct{}{}
	for _, p := range e.patterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			raw := m[p.group]
			id, ok := Normalize(raw)
			if !ok {
				res.Rejected = append(res.Rejected, Rejection{Pattern: p.name, Candidate: raw})
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			res.Identifiers = append(res.Identifiers, id)
			res.Raw[id] = raw
		}
	}

	sort.Strings(res.Identifiers)
	return res
}

// Normalize uppercases a candidate, strips whitespace and hyphens, and accepts it only
// when exactly IdentifierLength alphanumeric characters remain.
func Normalize(candidate string) (string, bool) {
	var b strings.Builder
	b.Grow(len(candidate))
	for _, r := range candidate {
		switch {
		case r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r':
			continue
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			return "", false
		}
	}

	id := b.String()
	if len(id) != IdentifierLength {
		return "", false
	}
	return id, true
}
