package engine

import (
	"strings"
	"testing"
)

func TestFoldIntoSummary(t *testing.T) {
	t.Parallel()

	s := foldIntoSummary("", DialogueEntry{Role: "user", Content: "I need to update my billing address."}, 1200)
	if s != "user: I need to update my billing address." {
		t.Errorf("first fold: got %q", s)
	}

	s = foldIntoSummary(s, DialogueEntry{Role: "assistant", Content: "Of course, what is the new address?"}, 1200)
	lines := strings.Split(s, "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "assistant: ") {
		t.Errorf("second fold must append a line: %q", s)
	}
}

func TestFoldIntoSummary_CollapsesWhitespaceAndClampsLongTurns(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("spread  across\nlines ", 30)
	s := foldIntoSummary("", DialogueEntry{Role: "user", Content: long}, 1200)
	if strings.Contains(s, "\n") {
		t.Errorf("folded line must be single-line: %q", s)
	}
	if !strings.HasPrefix(s, "user: ") {
		t.Errorf("folded line must carry the role prefix: %q", s)
	}
	if len(s) > len("user: ")+foldLineMaxChars+3 {
		t.Errorf("folded line too long: %d bytes", len(s))
	}
	if !strings.HasSuffix(s, "...") {
		t.Errorf("clamped line must end with ellipsis: %q", s)
	}
}

func TestFoldIntoSummary_DropsOldestLinesUnderBudget(t *testing.T) {
	t.Parallel()

	s := ""
	for i := 0; i < 50; i++ {
		s = foldIntoSummary(s, DialogueEntry{Role: "user", Content: "turn number content padding words"}, 200)
	}
	if len(s) > 200 {
		t.Fatalf("summary over budget: %d bytes", len(s))
	}
	if !strings.HasPrefix(s, "... ") {
		t.Errorf("trimmed summary must mark the cut: %q", s[:20])
	}
	if !strings.Contains(s, "turn number content") {
		t.Errorf("newest folds must survive: %q", s)
	}
}

func TestCondense(t *testing.T) {
	t.Parallel()

	if got := condense("short  and \t tidy", 100); got != "short and tidy" {
		t.Errorf("whitespace collapse: got %q", got)
	}

	got := condense(strings.Repeat("alpha beta ", 30), 40)
	if len(got) > 43 {
		t.Errorf("condensed length: want <= 43 bytes, got %d", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("cut must append ellipsis: %q", got)
	}
	if strings.HasSuffix(got, " ...") {
		t.Errorf("cut must not leave a trailing space before the ellipsis: %q", got)
	}
}

func TestClampTail_KeepsNewestContent(t *testing.T) {
	t.Parallel()

	s := "line one\nline two\nline three"
	got := clampTail(s, 16)
	if got != "... line three" {
		t.Errorf("want newest line kept, got %q", got)
	}

	if got := clampTail("untouched", 100); got != "untouched" {
		t.Errorf("under budget must pass through, got %q", got)
	}
}
