package engine

import (
	"strings"
	"testing"
)

func TestParseRefineResponseTagged(t *testing.T) {
	d, doc := ParseRefineResponse("<discussion>ok</discussion><updated_doc># PRD v2</updated_doc>")
	if d != "ok" || doc != "# PRD v2" {
		t.Errorf("got (%q, %q)", d, doc)
	}

	// Legacy tag.
	d, doc = ParseRefineResponse("<discussion>fine</discussion><updated_prd># old style</updated_prd>")
	if d != "fine" || doc != "# old style" {
		t.Errorf("legacy tag: got (%q, %q)", d, doc)
	}

	// Discussion only.
	d, doc = ParseRefineResponse("<discussion>no changes needed</discussion>")
	if d != "no changes needed" || doc != "" {
		t.Errorf("discussion only: got (%q, %q)", d, doc)
	}
}

func TestParseRefineResponseUntagged(t *testing.T) {
	d, doc := ParseRefineResponse("Sure. I made it shorter. Done.")
	if doc != "" {
		t.Errorf("no doc expected, got %q", doc)
	}
	if d != "Sure. I made it shorter. Done." {
		t.Errorf("got %q", d)
	}

	// Long untagged replies are truncated to three sentences.
	long := "One. Two. Three. Four. Five."
	d, _ = ParseRefineResponse(long)
	if d != "One. Two. Three." {
		t.Errorf("sentence truncation: got %q", d)
	}

	// And capped at 300 chars.
	d, _ = ParseRefineResponse(strings.Repeat("a", 500))
	if len(d) > 300 {
		t.Errorf("char cap: %d", len(d))
	}
}

func TestRefineRoundTrip(t *testing.T) {
	cases := []struct{ d, doc string }{
		{"looks good", ""},
		{"rewrote section 2", "# PRD\n\nnew body"},
	}
	for _, c := range cases {
		d, doc := ParseRefineResponse(RenderRefineResponse(c.d, c.doc))
		if d != c.d || doc != c.doc {
			t.Errorf("round trip: got (%q, %q), want (%q, %q)", d, doc, c.d, c.doc)
		}
	}
}
