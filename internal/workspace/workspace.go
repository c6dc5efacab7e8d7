// Package workspace owns the on-disk layout of project checkouts and story
// documents, plus the git plumbing for clone and coding-branch lifecycle.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"opd/internal/model"
)

const maxSlugLen = 80

// Manager resolves workspace paths and performs document I/O.
type Manager struct {
	root   string
	logger *zap.Logger
}

// NewManager creates a manager rooted at the default workspace directory.
func NewManager(root string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{root: root, logger: logger.Named("workspace")}
}

// Sanitize turns a display name into a filesystem-safe slug: NFKD
// normalize, lowercase, keep alphanumerics, spaces and hyphens, collapse
// separators to a single hyphen, cap at 80 chars.
func Sanitize(name string) string {
	decomposed := norm.NFKD.String(name)
	var b strings.Builder
	for _, r := range decomposed {
		switch {
		case unicode.IsLetter(r) && r < 128, unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case r == ' ' || r == '-' || r == '_' || unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	fields := strings.Fields(b.String())
	slug := strings.Join(fields, "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	return slug
}

// ProjectDir is the checkout directory of a project. A project may pin its
// own workspace root; otherwise the manager default applies.
func (m *Manager) ProjectDir(p *model.Project) string {
	root := p.WorkspaceDir
	if root == "" {
		root = m.root
	}
	return filepath.Join(root, Sanitize(p.Name))
}

// storySlug is the docs subdirectory name for a story.
func storySlug(s *model.Story) string {
	return s.ID + "-" + Sanitize(s.Title)
}

// StoryDocsDir is the absolute directory holding a story's documents.
func (m *Manager) StoryDocsDir(p *model.Project, s *model.Story) string {
	return filepath.Join(m.ProjectDir(p), "docs", storySlug(s))
}

func validFilename(name string) error {
	if name == "" || strings.Contains(name, "..") ||
		strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid document filename %q", name)
	}
	return nil
}

// WriteDoc stores a document and returns the relative path recorded on the
// story field, always of the form docs/{slug}/{file}.
func (m *Manager) WriteDoc(p *model.Project, s *model.Story, filename, content string) (string, error) {
	if err := validFilename(filename); err != nil {
		return "", err
	}
	dir := m.StoryDocsDir(p, s)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create docs dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return "docs/" + storySlug(s) + "/" + filename, nil
}

// ReadDocPath reads a document by its stored relative path. Values that do
// not start with docs/ are not paths and yield ok=false.
func (m *Manager) ReadDocPath(p *model.Project, relpath string) (string, bool) {
	if !strings.HasPrefix(relpath, "docs/") || strings.Contains(relpath, "..") {
		return "", false
	}
	raw, err := os.ReadFile(filepath.Join(m.ProjectDir(p), filepath.FromSlash(relpath)))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// ResolveDoc turns a story document field value into content: a docs/ path
// reads the file (filesystem authoritative), anything else is inline.
func (m *Manager) ResolveDoc(p *model.Project, value string) string {
	if strings.HasPrefix(value, "docs/") {
		if content, ok := m.ReadDocPath(p, value); ok {
			return content
		}
		m.logger.Warn("document path unreadable, treating as empty", zap.String("path", value))
		return ""
	}
	return value
}

// ListDocs returns the file names in a story's docs directory, sorted.
func (m *Manager) ListDocs(p *model.Project, s *model.Story) ([]string, error) {
	entries, err := os.ReadDir(m.StoryDocsDir(p, s))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// DeleteDoc removes one story document. Missing files are not an error.
func (m *Manager) DeleteDoc(p *model.Project, s *model.Story, filename string) error {
	if err := validFilename(filename); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(m.StoryDocsDir(p, s), filename))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
