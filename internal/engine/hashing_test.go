package engine

import (
	"testing"

	"opd/internal/model"
)

func TestShouldSkipAI(t *testing.T) {
	s := &model.Story{ConfirmedPRD: "the prd", TechnicalDesign: "td"}

	// No memo recorded yet.
	if ShouldSkipAI(s, model.StatusPlanning, "the prd") {
		t.Error("must not skip without a stored hash")
	}

	RecordInputHash(s, model.StatusPlanning, "the prd")
	if s.PlanningInputHash != InputHash("the prd") {
		t.Errorf("memo mismatch: %q", s.PlanningInputHash)
	}
	if !ShouldSkipAI(s, model.StatusPlanning, "the prd") {
		t.Error("unchanged input with output present must skip")
	}

	// Edited input invalidates the memo.
	if ShouldSkipAI(s, model.StatusPlanning, "the prd, edited") {
		t.Error("changed input must not skip")
	}

	// Missing output blocks the skip even with a matching hash.
	s.TechnicalDesign = ""
	if ShouldSkipAI(s, model.StatusPlanning, "the prd") {
		t.Error("must not skip without output")
	}

	// Stages without a tuple never skip.
	if ShouldSkipAI(s, model.StatusPreparing, "anything") {
		t.Error("preparing has no memo")
	}
}

func TestCompletionMarkerRoundTrip(t *testing.T) {
	doc := "# Design\n\nbody text"
	if got := StripCompletionMarker(doc + "\n" + CompletionMarker); got != doc {
		t.Errorf("StripCompletionMarker round-trip failed: %q", got)
	}
	if !HasCompletionMarker(doc + CompletionMarker) {
		t.Error("marker not detected")
	}
	if HasCompletionMarker(doc) {
		t.Error("false marker detection")
	}
}
