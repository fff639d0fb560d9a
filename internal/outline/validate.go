// Package outline generates markdown mind-map outlines from transcript
// text, scores candidates against the source, and selects the best one.
// Validation never hard-fails generation: an invalid-but-richest
// candidate is still usable, flagged as degraded.
package outline

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const (
	minLines          = 10
	minIndentLevels   = 3
	keywordTopK       = 10
	coverageThreshold = 0.6
)

// Candidate is one generated outline with its score.
type Candidate struct {
	Markdown   string
	Validation Validation
}

// Validation is the outcome of scoring one candidate.
type Validation struct {
	Valid  bool
	Reason string
}

var timestampRe = regexp.MustCompile(`\[\d+:\d+\]|\[\d+s-\d+s\]`)

// Validate scores one candidate against the source text: minimum size,
// outline structure, keyword coverage of the source's top terms, depth
// of the hierarchy, and timestamp markers when the source carries them.
func Validate(content, source string) Validation {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) < minLines {
		return Validation{Reason: "too short"}
	}
	if !hasStructure(lines) {
		return Validation{Reason: "missing outline structure"}
	}

	keywords := TopKeywords(source, keywordTopK)
	coverage := keywordCoverage(content, keywords)
	if coverage < coverageThreshold {
		return Validation{Reason: fmt.Sprintf("keyword coverage too low (%.0f%%)", coverage*100)}
	}

	if indentLevels(lines) < minIndentLevels {
		return Validation{Reason: "insufficient hierarchy"}
	}

	if needsTimestamps(source) && !timestampRe.MatchString(content) {
		return Validation{Reason: "missing timestamp markers"}
	}
	return Validation{Valid: true}
}

// Select returns the valid candidate with the most lines; when none is
// valid, the richest candidate overall with degraded=true.
func Select(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, true
	}

	bestValid, bestAny := -1, 0
	for i, c := range candidates {
		n := lineCount(c.Markdown)
		if n > lineCount(candidates[bestAny].Markdown) {
			bestAny = i
		}
		if c.Validation.Valid && (bestValid < 0 || n > lineCount(candidates[bestValid].Markdown)) {
			bestValid = i
		}
	}
	if bestValid >= 0 {
		return candidates[bestValid], false
	}
	return candidates[bestAny], true
}

// TopKeywords extracts the k most frequent content terms. Latin words
// are whole tokens of at least two characters; Han text contributes
// overlapping two-character pairs, the closest dependency-free stand-in
// for real segmentation. Ties break by first appearance.
func TopKeywords(text string, k int) []string {
	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	seen := 0
	note := func(tok string) {
		if counts[tok] == 0 {
			firstSeen[tok] = seen
			seen++
		}
		counts[tok]++
	}

	runes := []rune(text)
	var latin []rune
	flushLatin := func() {
		if len(latin) >= 2 {
			note(strings.ToLower(string(latin)))
		}
		latin = latin[:0]
	}
	for i, r := range runes {
		switch {
		case unicode.Is(unicode.Han, r):
			flushLatin()
			if i+1 < len(runes) && unicode.Is(unicode.Han, runes[i+1]) {
				note(string(runes[i : i+2]))
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			latin = append(latin, r)
		default:
			flushLatin()
		}
	}
	flushLatin()

	toks := make([]string, 0, len(counts))
	for tok := range counts {
		toks = append(toks, tok)
	}
	sort.Slice(toks, func(a, b int) bool {
		if counts[toks[a]] != counts[toks[b]] {
			return counts[toks[a]] > counts[toks[b]]
		}
		return firstSeen[toks[a]] < firstSeen[toks[b]]
	})
	if len(toks) > k {
		toks = toks[:k]
	}
	return toks
}

func keywordCoverage(content string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	found := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			found++
		}
	}
	return float64(found) / float64(len(keywords))
}

func hasStructure(lines []string) bool {
	heading, branch := false, false
	for _, line := range lines {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "#") {
			heading = true
		}
		if strings.HasPrefix(t, "- ") || strings.HasPrefix(t, "* ") {
			branch = true
		}
	}
	return heading && branch
}

// indentLevels counts distinct leading-whitespace widths among
// non-empty lines: nesting depth shows up as distinct widths.
func indentLevels(lines []string) int {
	levels := make(map[int]struct{})
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		levels[len(line)-len(strings.TrimLeft(line, " \t"))] = struct{}{}
	}
	return len(levels)
}

// needsTimestamps matches real timestamp markers, not just any
// brackets: transcripts with failed-chunk markers must not force
// timestamps into the outline.
func needsTimestamps(source string) bool {
	return timestampRe.MatchString(source)
}

func lineCount(s string) int {
	return len(strings.Split(s, "\n"))
}
