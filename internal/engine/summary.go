package engine

import (
	"strings"
	"unicode/utf8"
)

// foldLineMaxChars bounds one folded dialogue turn inside the summary.
const foldLineMaxChars = 160

// foldIntoSummary compresses one dialogue turn into a "role: text" line,
// appends it to the rolling summary, and keeps the result under maxChars
// by dropping the oldest lines first. The cut is marked with a leading
// ellipsis so readers know earlier material was folded away.
func foldIntoSummary(summary string, e DialogueEntry, maxChars int) string {
	line := e.Role + ": " + condense(e.Content, foldLineMaxChars)
	s := summary
	if s != "" {
		s += "\n"
	}
	s += line
	return clampTail(s, maxChars)
}

// condense collapses whitespace and clamps s to at most max bytes at a
// word boundary, appending an ellipsis when cut.
func condense(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	head := s[:cut]
	if i := strings.LastIndexByte(head, ' '); i > max/2 {
		head = head[:i]
	}
	return strings.TrimRight(head, " ") + "..."
}

// clampTail trims s to at most max bytes, dropping whole lines from the
// front first and falling back to a hard cut for a single oversized line.
func clampTail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	const marker = "... "
	for {
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			break
		}
		s = s[idx+1:]
		if len(s)+len(marker) <= max {
			return marker + s
		}
	}
	keep := max - len(marker)
	if keep <= 0 {
		return marker
	}
	start := len(s) - keep
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return marker + s[start:]
}
