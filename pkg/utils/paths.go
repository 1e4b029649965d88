// pkg/utils/paths.go - utility functions for working with file and registry paths.

package utils

import (
	"path/filepath"
	"strings"
)

// NormalizeRegistryPath returns a key path with backslash separators and
// no leading, trailing or doubled separators.
func NormalizeRegistryPath(path string) string {
	normalized := strings.ReplaceAll(strings.TrimSpace(path), "/", `\`)
	for strings.Contains(normalized, `\\`) {
		normalized = strings.ReplaceAll(normalized, `\\`, `\`)
	}
	return strings.Trim(normalized, `\`)
}

// SameDir reports whether two directory paths name the same location,
// ignoring case, separator style and trailing separators.
func SameDir(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	clean := func(p string) string {
		p = strings.ReplaceAll(strings.TrimSpace(p), "/", `\`)
		p = strings.Trim(p, `"`)
		return strings.TrimRight(filepath.Clean(p), `\/`)
	}
	return strings.EqualFold(clean(a), clean(b))
}
