// Package glob decides whether two glob-style file patterns can ever match
// the same path. Patterns are compared structurally per path segment; a
// segment of exactly "**" matches any number of whole segments.
package glob

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	// MaxAtoms and MaxWildcards bound pattern complexity so a hostile
	// pattern cannot blow up the overlap automaton.
	MaxAtoms     = 50
	MaxWildcards = 10
)

const globstar = "**"

type atomKind int

const (
	atomLit atomKind = iota
	atomStar
	atomAny
	atomClass
)

// span is an inclusive rune range.
type span struct {
	lo rune
	hi rune
}

type atom struct {
	kind  atomKind
	lit   rune
	spans []span
}

// anyNonSlash is the character universe a wildcard may consume: every rune
// except the path separator.
var anyNonSlash = []span{{0, '/' - 1}, {'/' + 1, unicode.MaxRune}}

// Overlap reports whether patterns a and b can match the same path.
func Overlap(a, b string) (bool, error) {
	segsA := strings.Split(filepath.ToSlash(a), "/")
	segsB := strings.Split(filepath.ToSlash(b), "/")

	compiledA, err := compileSegments(segsA)
	if err != nil {
		return false, err
	}
	compiledB, err := compileSegments(segsB)
	if err != nil {
		return false, err
	}

	type key struct{ i, j int }
	seen := make(map[key]bool)

	var walk func(i, j int) bool
	walk = func(i, j int) bool {
		k := key{i, j}
		if seen[k] {
			return false
		}
		seen[k] = true

		if i == len(segsA) && j == len(segsB) {
			return true
		}
		// A globstar segment may span zero segments (skip it) or absorb
		// one segment of the other pattern and stay.
		if i < len(segsA) && segsA[i] == globstar {
			if walk(i+1, j) {
				return true
			}
			if j < len(segsB) && walk(i, j+1) {
				return true
			}
		}
		if j < len(segsB) && segsB[j] == globstar {
			if walk(i, j+1) {
				return true
			}
			if i < len(segsA) && walk(i+1, j) {
				return true
			}
		}
		if i >= len(segsA) || j >= len(segsB) || segsA[i] == globstar || segsB[j] == globstar {
			return false
		}
		if segmentsOverlap(compiledA[i], compiledB[j]) {
			return walk(i+1, j+1)
		}
		return false
	}

	return walk(0, 0), nil
}

// Validate checks a single pattern for syntax and complexity limits.
func Validate(pattern string) error {
	atoms := 0
	wildcards := 0
	for _, seg := range strings.Split(filepath.ToSlash(pattern), "/") {
		if seg == globstar {
			wildcards++
			continue
		}
		compiled, err := compileSegment(seg)
		if err != nil {
			return err
		}
		atoms += len(compiled)
		for _, a := range compiled {
			if a.kind == atomStar || a.kind == atomAny {
				wildcards++
			}
		}
	}
	if atoms > MaxAtoms {
		return fmt.Errorf("pattern too complex: %d atoms exceeds limit of %d", atoms, MaxAtoms)
	}
	if wildcards > MaxWildcards {
		return fmt.Errorf("pattern too complex: %d wildcards exceeds limit of %d", wildcards, MaxWildcards)
	}
	return nil
}

func compileSegments(segs []string) ([][]atom, error) {
	out := make([][]atom, len(segs))
	for i, seg := range segs {
		if seg == globstar {
			continue
		}
		compiled, err := compileSegment(seg)
		if err != nil {
			return nil, err
		}
		out[i] = compiled
	}
	return out, nil
}

// segmentsOverlap runs a product automaton over two compiled segments: a
// pair of positions is live if both sides can consume a common rune, and
// stars additionally allow consuming nothing.
func segmentsOverlap(as, bs []atom) bool {
	type key struct{ i, j int }
	seen := make(map[key]bool)

	var walk func(i, j int) bool
	walk = func(i, j int) bool {
		k := key{i, j}
		if seen[k] {
			return false
		}
		seen[k] = true

		if i == len(as) && j == len(bs) {
			return true
		}
		if i < len(as) && as[i].kind == atomStar && walk(i+1, j) {
			return true
		}
		if j < len(bs) && bs[j].kind == atomStar && walk(i, j+1) {
			return true
		}
		if i >= len(as) || j >= len(bs) {
			return false
		}
		nextI, spansA := step(as, i)
		nextJ, spansB := step(bs, j)
		if !spansIntersect(spansA, spansB) {
			return false
		}
		return walk(nextI, nextJ)
	}

	return walk(0, 0)
}

// step returns the position after the atom at idx consumes one rune, along
// with the runes it may consume. A star stays put: it can keep eating.
func step(atoms []atom, idx int) (int, []span) {
	a := atoms[idx]
	switch a.kind {
	case atomStar:
		return idx, anyNonSlash
	case atomLit:
		return idx + 1, []span{{a.lit, a.lit}}
	default:
		return idx + 1, a.spans
	}
}

func compileSegment(seg string) ([]atom, error) {
	runes := []rune(seg)
	out := make([]atom, 0, len(runes))

	for i := 0; i < len(runes); {
		switch runes[i] {
		case '*':
			out = append(out, atom{kind: atomStar})
			i++
		case '?':
			out = append(out, atom{kind: atomAny, spans: anyNonSlash})
			i++
		case '[':
			a, next, err := compileClass(runes, i)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
			i = next
		case '\\':
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("bad pattern %q: trailing escape", seg)
			}
			out = append(out, atom{kind: atomLit, lit: runes[i+1]})
			i += 2
		default:
			out = append(out, atom{kind: atomLit, lit: runes[i]})
			i++
		}
	}
	return out, nil
}

func compileClass(runes []rune, start int) (atom, int, error) {
	i := start + 1
	if i >= len(runes) {
		return atom{}, 0, fmt.Errorf("bad pattern: unterminated class")
	}
	negated := false
	if runes[i] == '^' || runes[i] == '!' {
		negated = true
		i++
	}

	var spans []span
	closed := false
	for i < len(runes) {
		if runes[i] == ']' && len(spans) > 0 {
			i++
			closed = true
			break
		}
		lo, next, err := classRune(runes, i)
		if err != nil {
			return atom{}, 0, err
		}
		i = next
		if i+1 < len(runes) && runes[i] == '-' && runes[i+1] != ']' {
			hi, afterHi, err := classRune(runes, i+1)
			if err != nil {
				return atom{}, 0, err
			}
			if hi < lo {
				return atom{}, 0, fmt.Errorf("bad pattern: inverted range in class")
			}
			spans = append(spans, span{lo, hi})
			i = afterHi
			continue
		}
		spans = append(spans, span{lo, lo})
	}
	if !closed {
		return atom{}, 0, fmt.Errorf("bad pattern: unterminated class")
	}

	spans = normalize(spans)
	if negated {
		spans = clipNonSlash(complement(spans))
	} else {
		spans = clipNonSlash(spans)
	}
	return atom{kind: atomClass, spans: spans}, i, nil
}

func classRune(runes []rune, idx int) (rune, int, error) {
	if idx >= len(runes) {
		return 0, 0, fmt.Errorf("bad pattern: unterminated class")
	}
	if runes[idx] != '\\' {
		return runes[idx], idx + 1, nil
	}
	if idx+1 >= len(runes) {
		return 0, 0, fmt.Errorf("bad pattern: trailing escape in class")
	}
	return runes[idx+1], idx + 2, nil
}

func spansIntersect(a, b []span) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].hi < b[j].lo:
			i++
		case b[j].hi < a[i].lo:
			j++
		default:
			return true
		}
	}
	return false
}

// normalize sorts spans and merges adjacent or overlapping ones.
func normalize(spans []span) []span {
	if len(spans) <= 1 {
		return spans
	}
	cp := append([]span(nil), spans...)
	for i := 1; i < len(cp); i++ {
		for j := i; j > 0 && (cp[j].lo < cp[j-1].lo || (cp[j].lo == cp[j-1].lo && cp[j].hi < cp[j-1].hi)); j-- {
			cp[j], cp[j-1] = cp[j-1], cp[j]
		}
	}
	out := cp[:1]
	for _, s := range cp[1:] {
		last := &out[len(out)-1]
		if s.lo <= last.hi+1 {
			if s.hi > last.hi {
				last.hi = s.hi
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// complement returns every rune not covered by the (normalized) spans.
func complement(spans []span) []span {
	var out []span
	next := rune(0)
	for _, s := range spans {
		if s.lo > next {
			out = append(out, span{next, s.lo - 1})
		}
		if s.hi >= next {
			next = s.hi + 1
		}
		if next > unicode.MaxRune {
			return out
		}
	}
	out = append(out, span{next, unicode.MaxRune})
	return out
}

// clipNonSlash removes the path separator from a span set.
func clipNonSlash(spans []span) []span {
	out := make([]span, 0, len(spans)+1)
	for _, s := range spans {
		if s.hi < '/' || s.lo > '/' {
			out = append(out, s)
			continue
		}
		if s.lo < '/' {
			out = append(out, span{s.lo, '/' - 1})
		}
		if s.hi > '/' {
			out = append(out, span{'/' + 1, s.hi})
		}
	}
	return out
}
