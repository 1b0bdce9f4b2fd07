package execapi

import (
	"fmt"
	"path"
	"strings"
)

// IsNonUpwardTarget reports whether a symlink target stays inside the tree
// it is rooted in: it is relative and no ".." component ever escapes the
// link's own directory toward the tree root.
func IsNonUpwardTarget(target string) bool {
	if target == "" || strings.HasPrefix(target, "/") {
		return false
	}
	depth := 0
	for _, comp := range strings.Split(path.Clean(target), "/") {
		switch comp {
		case ".":
		case "..":
			depth--
			if depth < 0 {
				return false
			}
		default:
			depth++
		}
	}
	return true
}

// NormalizeEntryPath cleans a path used inside a staging root or output
// declaration, resolving it relative to cwd. It rejects anything that
// escapes the execution root.
func NormalizeEntryPath(cwd, p string) (string, error) {
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q: absolute paths cannot name tree entries", p)
	}
	joined := path.Clean(path.Join(cwd, p))
	if joined == ".." || strings.HasPrefix(joined, "../") {
		return "", fmt.Errorf("path %q escapes the execution root", p)
	}
	if joined == "." {
		return "", fmt.Errorf("path %q names the execution root itself", p)
	}
	return joined, nil
}
