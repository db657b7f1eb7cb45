// Package contextdoc loads the reference documents appended to the
// responder's system prompt.
package contextdoc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// extensions lists the file types read as plain text.
var extensions = map[string]bool{
	".txt": true,
	".md":  true,
}

// Load reads every text and markdown file directly under dir, sorted by
// name, and joins their contents with blank lines. An empty dir yields an
// empty context. Subdirectories and other file types are skipped.
func Load(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("contextdoc: read dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !extensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return "", fmt.Errorf("contextdoc: read %s: %w", name, err)
		}
		text := strings.TrimSpace(string(data))
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
