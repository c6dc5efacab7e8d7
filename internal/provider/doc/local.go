// Package doc implements document-store providers. The local provider
// serves markdown files from a directory on disk.
package doc

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"opd/internal/capability"
)

// LocalProvider reads markdown documents under a root directory. Document
// ids are slash-separated paths relative to the root.
type LocalProvider struct {
	config map[string]string
	root   string
}

// NewLocalProvider builds the provider from its config map. Keys: root.
func NewLocalProvider(config map[string]string) capability.Provider {
	return &LocalProvider{config: config}
}

func (p *LocalProvider) Initialize(ctx context.Context) error {
	p.root = p.config["root"]
	if p.root == "" {
		return fmt.Errorf("local-doc: root is required")
	}
	info, err := os.Stat(p.root)
	if err != nil {
		return fmt.Errorf("local-doc: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("local-doc: root %s is not a directory", p.root)
	}
	return nil
}

func (p *LocalProvider) Cleanup(ctx context.Context) error { return nil }

func (p *LocalProvider) HealthCheck(ctx context.Context) capability.HealthStatus {
	start := time.Now()
	_, err := os.Stat(p.root)
	status := capability.HealthStatus{
		Healthy:   err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
		CheckedAt: start,
	}
	if err != nil {
		status.Message = err.Error()
	}
	return status
}

func (p *LocalProvider) Config() map[string]string { return p.config }

func (p *LocalProvider) Schema() []capability.SchemaField {
	return []capability.SchemaField{
		{Name: "root", Label: "Document Root", Type: capability.FieldText, Required: true},
	}
}

func (p *LocalProvider) GetDocument(ctx context.Context, id string) (*capability.Document, error) {
	clean := filepath.Clean(id)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("local-doc: invalid document id %q", id)
	}
	raw, err := os.ReadFile(filepath.Join(p.root, clean))
	if err != nil {
		return nil, fmt.Errorf("local-doc: read %s: %w", id, err)
	}
	return &capability.Document{ID: id, Title: docTitle(string(raw), id), Content: string(raw)}, nil
}

// SearchDocuments does a case-insensitive substring scan over every
// markdown file under the root. Fine for workspace-sized trees.
func (p *LocalProvider) SearchDocuments(ctx context.Context, query string) ([]capability.Document, error) {
	needle := strings.ToLower(query)
	var out []capability.Document
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != p.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if needle != "" && !strings.Contains(strings.ToLower(string(raw)), needle) {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		id := filepath.ToSlash(rel)
		out = append(out, capability.Document{ID: id, Title: docTitle(string(raw), id), Content: string(raw)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// docTitle takes the first markdown heading, else the file name.
func docTitle(content, id string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return strings.TrimSuffix(filepath.Base(id), ".md")
}
