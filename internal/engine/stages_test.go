package engine

import (
	"strings"
	"testing"
	"time"

	"opd/internal/model"
)

func TestParseClarifications(t *testing.T) {
	qs := parseClarifications(`[{"question":"scope?"},{"question":"auth method?"}]`)
	if len(qs) != 2 || qs[0] != "scope?" || qs[1] != "auth method?" {
		t.Errorf("got %v", qs)
	}

	// Markdown fences around the array.
	qs = parseClarifications("Here you go:\n```json\n[{\"question\":\"q1\"}]\n```")
	if len(qs) != 1 || qs[0] != "q1" {
		t.Errorf("fenced: got %v", qs)
	}

	// Nested brackets inside strings must not break balancing.
	qs = parseClarifications(`[{"question":"what about [legacy] ids?"}]`)
	if len(qs) != 1 || qs[0] != "what about [legacy] ids?" {
		t.Errorf("nested: got %v", qs)
	}

	// Garbage degrades to zero clarifications.
	for _, bad := range []string{"no json here", "[{broken", `{"question":"not an array"}`, ""} {
		if qs := parseClarifications(bad); qs != nil {
			t.Errorf("parseClarifications(%q) = %v, want nil", bad, qs)
		}
	}

	// Empty array is a valid "nothing to clarify".
	if qs := parseClarifications("[]"); qs != nil {
		t.Errorf("empty array: got %v", qs)
	}
}

func testAggregate() *model.StoryAggregate {
	return &model.StoryAggregate{
		Story:   &model.Story{ID: "s1", Title: "add /login"},
		Project: &model.Project{ID: "p1", Name: "demo"},
		Round:   &model.Round{ID: "r1", Number: 2, Type: model.RoundRestart, BranchName: "opd/story-s1-r2"},
	}
}

func TestBuildCodingReport(t *testing.T) {
	agg := testAggregate()
	outcome := streamOutcome{
		LastMsg:   "Implemented the login endpoint.",
		ToolLines: []string{"write_file " + strings.Repeat("x", 400)},
	}
	for i := 0; i < 30; i++ {
		outcome.ToolLines = append(outcome.ToolLines, "run_tests ok")
	}
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	report := buildCodingReport(agg, outcome, []string{"https://example.test/pr/7"}, now)

	if !strings.Contains(report, "Round: 2 (restart)") {
		t.Error("round line missing")
	}
	if !strings.Contains(report, "opd/story-s1-r2") {
		t.Error("branch missing")
	}
	if !strings.Contains(report, "https://example.test/pr/7") {
		t.Error("pr link missing")
	}
	if !strings.Contains(report, "2026-08-24T12:00:00Z") {
		t.Error("timestamp missing")
	}
	if !strings.Contains(report, "Implemented the login endpoint.") {
		t.Error("summary missing")
	}
	// Only the last 20 tool lines survive, each capped at 200 chars.
	if strings.Count(report, "run_tests ok") != 20 {
		t.Errorf("tool line window: %d", strings.Count(report, "run_tests ok"))
	}
	if strings.Contains(report, "write_file") {
		t.Error("old tool line should have been dropped")
	}
	for _, line := range strings.Split(report, "\n") {
		if strings.HasPrefix(line, "- ") && len(line) > reportToolLineLen+2 {
			t.Errorf("tool line exceeds cap: %d chars", len(line))
		}
	}

	// Determinism.
	if report != buildCodingReport(agg, outcome, []string{"https://example.test/pr/7"}, now) {
		t.Error("report is not deterministic")
	}
}

func TestBuildTestGuide(t *testing.T) {
	agg := testAggregate()
	guide := buildTestGuide(agg, streamOutcome{LastMsg: "Added handler and tests."})
	if !strings.Contains(guide, "git checkout opd/story-s1-r2") {
		t.Error("checkout instructions missing")
	}
	if !strings.Contains(guide, "Added handler and tests.") {
		t.Error("changes section missing")
	}
	if !strings.Contains(guide, "Verification checklist") {
		t.Error("checklist missing")
	}
}
