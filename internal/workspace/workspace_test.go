package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"opd/internal/model"
)

func TestSanitize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"My Project", "my-project"},
		{"  spaced   out  ", "spaced-out"},
		{"Café Déjà", "cafe-deja"},
		{"under_score_name", "under-score-name"},
		{"weird!@#chars", "weirdchars"},
		{"already-fine", "already-fine"},
	}
	for _, c := range cases {
		if got := Sanitize(c.in); got != c.want {
			t.Errorf("Sanitize(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	long := strings.Repeat("a", 200)
	if got := Sanitize(long); len(got) > 80 {
		t.Errorf("slug not capped: %d chars", len(got))
	}
}

func newTestManager(t *testing.T) (*Manager, *model.Project, *model.Story) {
	t.Helper()
	root := t.TempDir()
	m := NewManager(root, nil)
	p := &model.Project{ID: "p1", Name: "Demo App"}
	s := &model.Story{ID: "s1", Title: "Add Login"}
	return m, p, s
}

func TestWriteAndResolveDoc(t *testing.T) {
	m, p, s := newTestManager(t)

	rel, err := m.WriteDoc(p, s, "prd.md", "# PRD")
	if err != nil {
		t.Fatalf("WriteDoc failed: %v", err)
	}
	if !strings.HasPrefix(rel, "docs/") {
		t.Errorf("relative path must start with docs/: %q", rel)
	}
	if rel != "docs/s1-add-login/prd.md" {
		t.Errorf("unexpected relpath: %q", rel)
	}

	// Path value resolves through the filesystem.
	if got := m.ResolveDoc(p, rel); got != "# PRD" {
		t.Errorf("ResolveDoc(path) = %q", got)
	}
	// Inline value passes through.
	if got := m.ResolveDoc(p, "inline content"); got != "inline content" {
		t.Errorf("ResolveDoc(inline) = %q", got)
	}
	// Non-docs values never hit the filesystem.
	if _, ok := m.ReadDocPath(p, "etc/passwd"); ok {
		t.Error("ReadDocPath must reject non-docs paths")
	}
}

func TestDocFilenameValidation(t *testing.T) {
	m, p, s := newTestManager(t)
	for _, bad := range []string{"../escape.md", "a/b.md", `a\b.md`, ""} {
		if _, err := m.WriteDoc(p, s, bad, "x"); err == nil {
			t.Errorf("WriteDoc(%q) should fail", bad)
		}
		if err := m.DeleteDoc(p, s, bad); err == nil {
			t.Errorf("DeleteDoc(%q) should fail", bad)
		}
	}
}

func TestListAndDeleteDocs(t *testing.T) {
	m, p, s := newTestManager(t)
	for _, f := range []string{"prd.md", "technical_design.md"} {
		if _, err := m.WriteDoc(p, s, f, "x"); err != nil {
			t.Fatalf("WriteDoc failed: %v", err)
		}
	}
	docs, err := m.ListDocs(p, s)
	if err != nil {
		t.Fatalf("ListDocs failed: %v", err)
	}
	if len(docs) != 2 || docs[0] != "prd.md" {
		t.Errorf("unexpected docs: %v", docs)
	}

	if err := m.DeleteDoc(p, s, "prd.md"); err != nil {
		t.Fatalf("DeleteDoc failed: %v", err)
	}
	// Deleting a missing file is fine.
	if err := m.DeleteDoc(p, s, "prd.md"); err != nil {
		t.Errorf("DeleteDoc of missing file should be nil, got %v", err)
	}
	docs, _ = m.ListDocs(p, s)
	if len(docs) != 1 {
		t.Errorf("expected 1 doc left, got %v", docs)
	}
}

func TestBranchName(t *testing.T) {
	if got := BranchName("abc", 2); got != "opd/story-abc-r2" {
		t.Errorf("BranchName = %q", got)
	}
}

func TestScanBounds(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module demo\n\ngo 1.24\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte(strings.Repeat("// line\n", 100)), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "node_modules", "x"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "internal"), 0o755); err != nil {
		t.Fatal(err)
	}
	big := filepath.Join(root, "internal", "big.go")
	if err := os.WriteFile(big, []byte(strings.Repeat("x", 20000)), 0o644); err != nil {
		t.Fatal(err)
	}

	out := Scan(root)
	if len(out) > 8000 {
		t.Errorf("scan output exceeds cap: %d", len(out))
	}
	if strings.Contains(out, "node_modules") {
		t.Error("skip dirs leaked into the snapshot")
	}
	if !strings.Contains(out, "go.mod") || !strings.Contains(out, "module demo") {
		t.Error("key file missing from snapshot")
	}
	// Top-level code files are capped at 15 lines.
	if strings.Count(out, "// line") > 15 {
		t.Error("extra file snippet not truncated")
	}
}
