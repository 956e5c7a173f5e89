// Package anchoring converts between text selectors and positions in a
// document's text.
//
// Resolution tries, in order: the position selector when it still selects
// the quoted text, exact occurrences of the quote ranked by their context and
// distance from the recorded position, and finally fuzzy matching of the
// quote. A fuzzy candidate is accepted only when its edit distance from the
// quote is at most half the quote's length.
package anchoring

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/marginalia/framesync/internal/document"
	"github.com/marginalia/framesync/pkg/types"
)

var (
	// ErrNoQuote is returned for selector sets without a TextQuoteSelector.
	ErrNoQuote = errors.New("anchoring: no quote selector")
	// ErrNotFound is returned when the quote cannot be located.
	ErrNotFound = errors.New("anchoring: quote not found")
)

// Options tune resolution and description.
type Options struct {
	// FuzzyThreshold is the match threshold for fuzzy search, from 0 (exact)
	// to 1 (anything).
	FuzzyThreshold float64
	// ContextLength is the prefix and suffix length Describe records.
	ContextLength int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{FuzzyThreshold: 0.4, ContextLength: 32}
}

// maxPatternLen is the longest pattern the bitap matcher accepts.
const maxPatternLen = 32

// Resolve locates the region described by selectors in text.
func Resolve(text string, selectors []types.Selector, opts Options) (document.TextRange, error) {
	var quote *types.Selector
	var position *types.Selector
	for i := range selectors {
		switch selectors[i].Type {
		case types.TextQuoteSelector:
			if quote == nil {
				quote = &selectors[i]
			}
		case types.TextPositionSelector:
			if position == nil && selectors[i].Start != nil && selectors[i].End != nil {
				position = &selectors[i]
			}
		}
	}
	if quote == nil {
		return document.TextRange{}, ErrNoQuote
	}
	if quote.Exact == "" {
		return document.TextRange{}, fmt.Errorf("%w: empty quote", ErrNotFound)
	}

	hint := -1
	if position != nil {
		start, end := *position.Start, *position.End
		if start >= 0 && end <= len(text) && start <= end {
			if text[start:end] == quote.Exact {
				return document.TextRange{Start: start, End: end}, nil
			}
		}
		hint = start
	}

	if tr, ok := exactMatch(text, quote, hint); ok {
		return tr, nil
	}
	if tr, ok := fuzzyMatch(text, quote.Exact, hint, opts); ok {
		return tr, nil
	}
	return document.TextRange{}, fmt.Errorf("%w: %q", ErrNotFound, truncate(quote.Exact, 40))
}

// exactMatch ranks every occurrence of the quote. Matching prefix and suffix
// count most; distance from the hint breaks ties.
func exactMatch(text string, quote *types.Selector, hint int) (document.TextRange, bool) {
	best := -1
	bestScore := math.Inf(-1)

	for from := 0; from <= len(text); {
		i := strings.Index(text[from:], quote.Exact)
		if i < 0 {
			break
		}
		start := from + i
		end := start + len(quote.Exact)

		score := 0.0
		if quote.Prefix != "" && strings.HasSuffix(text[:start], quote.Prefix) {
			score += 2
		}
		if quote.Suffix != "" && strings.HasPrefix(text[end:], quote.Suffix) {
			score += 2
		}
		if hint >= 0 && len(text) > 0 {
			score -= math.Abs(float64(start-hint)) / float64(len(text))
		}
		if score > bestScore {
			best, bestScore = start, score
		}

		_, size := utf8.DecodeRuneInString(text[start:])
		from = start + max(size, 1)
	}

	if best < 0 {
		return document.TextRange{}, false
	}
	return document.TextRange{Start: best, End: best + len(quote.Exact)}, true
}

func fuzzyMatch(text, exact string, hint int, opts Options) (document.TextRange, bool) {
	if text == "" {
		return document.TextRange{}, false
	}

	dmp := diffmatchpatch.New()
	if opts.FuzzyThreshold > 0 {
		dmp.MatchThreshold = opts.FuzzyThreshold
	}
	dmp.MatchDistance = max(dmp.MatchDistance, len(text))

	pattern := exact
	if len(pattern) > maxPatternLen {
		pattern = pattern[:maxPatternLen]
	}
	loc := max(hint, 0)

	start := dmp.MatchMain(text, pattern, loc)
	if start < 0 {
		return document.TextRange{}, false
	}

	end := min(start+len(exact), len(text))
	start, end = alignRune(text, start), alignRune(text, end)
	if start >= end {
		return document.TextRange{}, false
	}

	if levenshtein.ComputeDistance(text[start:end], exact) > len(exact)/2 {
		return document.TextRange{}, false
	}
	return document.TextRange{Start: start, End: end}, true
}

// Describe returns the selectors recording text[start:end]: a position
// selector and a quote selector with up to contextLength bytes of context.
func Describe(text string, start, end, contextLength int) ([]types.Selector, error) {
	if start < 0 || end > len(text) || start >= end {
		return nil, fmt.Errorf("anchoring: cannot describe [%d,%d) in text of length %d", start, end, len(text))
	}

	prefixStart := alignRune(text, max(0, start-contextLength))
	suffixEnd := alignRune(text, min(len(text), end+contextLength))

	s, e := start, end
	return []types.Selector{
		{Type: types.TextPositionSelector, Start: &s, End: &e},
		{
			Type:   types.TextQuoteSelector,
			Exact:  text[start:end],
			Prefix: text[prefixStart:start],
			Suffix: text[end:suffixEnd],
		},
	}, nil
}

// alignRune moves i back to the start of the rune containing it.
func alignRune(text string, i int) int {
	for i > 0 && i < len(text) && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:alignRune(s, n)] + "…"
}
