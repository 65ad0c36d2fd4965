// Package fsutil guards every translation from client-supplied names to real
// filesystem paths.
package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var ErrPathTraversal = errors.New("path escapes root")

// SecureJoin maps a client-supplied relative path onto root. The result is
// guaranteed to stay inside root; traversal via `..`, absolute prefixes, or
// existing symlinks is rejected.
func SecureJoin(root, userPath string) (string, error) {
	if root == "" {
		return "", errors.New("root is required")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rootAbs = filepath.Clean(rootAbs)

	// Strip any leading separators so the join cannot restart at /.
	rel := filepath.FromSlash(strings.TrimLeft(userPath, "/\\"))
	joined := filepath.Clean(filepath.Join(rootAbs, rel))

	if !Within(rootAbs, joined) {
		return "", ErrPathTraversal
	}
	if symlinkInside(rootAbs, joined) {
		return "", ErrPathTraversal
	}

	// The deepest existing ancestor must itself resolve inside root. The root
	// may legitimately sit behind a symlink (tmp dirs often do), so compare
	// against its resolved form as well.
	rootResolved := rootAbs
	if r, err := filepath.EvalSymlinks(rootAbs); err == nil {
		rootResolved = filepath.Clean(r)
	}
	if existing := nearestExisting(joined); existing != "" {
		resolved, err := filepath.EvalSymlinks(existing)
		if err != nil {
			return "", err
		}
		resolved = filepath.Clean(resolved)
		if !Within(rootAbs, resolved) && !Within(rootResolved, resolved) {
			return "", ErrPathTraversal
		}
	}

	return joined, nil
}

// Within reports whether candidate equals root or lives underneath it.
// Both arguments must already be absolute and cleaned.
func Within(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if root == candidate {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(candidate, root)
}

// symlinkInside walks the existing components between root and fullPath and
// reports whether any of them is a symlink.
func symlinkInside(rootAbs, fullPath string) bool {
	rel, err := filepath.Rel(rootAbs, fullPath)
	if err != nil {
		return true
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return false
	}
	cur := rootAbs
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		st, err := os.Lstat(cur)
		if err != nil {
			// Component doesn't exist yet: nothing left to traverse.
			return false
		}
		if st.Mode()&os.ModeSymlink != 0 {
			return true
		}
	}
	return false
}

func nearestExisting(p string) string {
	cur := p
	for {
		if _, err := os.Lstat(cur); err == nil {
			return cur
		} else if !os.IsNotExist(err) {
			return ""
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return ""
		}
		cur = parent
	}
}
