package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	scanMaxDepth   = 3
	scanMaxChars   = 8000
	keyFileLines   = 30
	extraFileLines = 15
)

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true, ".venv": true,
	"venv": true, "dist": true, "build": true, "target": true, ".idea": true,
	".vscode": true, "vendor": true, ".next": true, "coverage": true,
}

var keyFiles = map[string]bool{
	"README.md": true, "pyproject.toml": true, "package.json": true,
	"go.mod": true, "Cargo.toml": true, "Makefile": true, "Dockerfile": true,
	"docker-compose.yml": true, "CLAUDE.md": true, "requirements.txt": true,
	"tsconfig.json": true, "setup.py": true,
}

var codeExts = map[string]bool{
	".go": true, ".py": true, ".ts": true, ".tsx": true, ".js": true,
	".jsx": true, ".rs": true, ".java": true, ".rb": true, ".sql": true,
	".yaml": true, ".yml": true, ".toml": true,
}

// Scan walks a checkout up to three levels deep and renders a bounded
// textual snapshot for AI context: the directory tree plus snippets of key
// files. Output is capped at roughly 8000 characters.
func Scan(root string) string {
	var tree []string
	var snippets []string
	total := 0

	var walk func(dir, prefix string, depth int)
	walk = func(dir, prefix string, depth int) {
		if depth > scanMaxDepth || total >= scanMaxChars {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				if skipDirs[name] || strings.HasPrefix(name, ".") {
					continue
				}
				tree = append(tree, prefix+name+"/")
				walk(filepath.Join(dir, name), prefix+"  ", depth+1)
				continue
			}
			tree = append(tree, prefix+name)

			lines := 0
			if keyFiles[name] {
				lines = keyFileLines
			} else if depth == 0 && codeExts[filepath.Ext(name)] {
				lines = extraFileLines
			}
			if lines == 0 || total >= scanMaxChars {
				continue
			}
			snippet := headLines(filepath.Join(dir, name), lines)
			if snippet == "" {
				continue
			}
			rel, _ := filepath.Rel(root, filepath.Join(dir, name))
			block := fmt.Sprintf("--- %s ---\n%s\n", filepath.ToSlash(rel), snippet)
			snippets = append(snippets, block)
			total += len(block)
		}
	}
	walk(root, "", 0)

	var b strings.Builder
	b.WriteString("Project structure:\n")
	for _, line := range tree {
		b.WriteString(line)
		b.WriteByte('\n')
		if b.Len() >= scanMaxChars {
			break
		}
	}
	for _, s := range snippets {
		if b.Len()+len(s) > scanMaxChars {
			break
		}
		b.WriteByte('\n')
		b.WriteString(s)
	}
	out := b.String()
	if len(out) > scanMaxChars {
		out = out[:scanMaxChars]
	}
	return out
}

func headLines(path string, n int) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(raw), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
