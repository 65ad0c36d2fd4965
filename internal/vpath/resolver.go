// Package vpath maps client-visible virtual paths onto physical directories.
// It is the only place where remote path strings are translated into local
// filesystem locations, so every entry point canonicalizes before it matches.
package vpath

import (
	"errors"
	"path"
	"path/filepath"
	"strings"

	"pathvault/internal/fsutil"
	"pathvault/internal/store"
)

// ErrNoMatch is returned when none of a user's virtual path entries covers the
// requested path.
var ErrNoMatch = errors.New("no virtual path matches")

// Match is the outcome of resolving one virtual path request.
// Entry is nil when the default-root fallback was used.
type Match struct {
	Entry    *store.VirtualPath
	Virtual  string
	Physical string
}

// Normalize converts a raw client path into canonical virtual form: forward
// slashes, a leading "/", and no "." or ".." segments. Canonicalization happens
// here, before any prefix matching, so crafted segments cannot change which
// entry a path resolves against.
func Normalize(raw string) string {
	s := strings.ReplaceAll(raw, `\`, "/")
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return path.Clean(s)
}

// Resolve maps raw onto the user's virtual path set. The entry whose prefix is
// the longest match wins; equal-length prefixes are broken by configuration
// order, first wins. With no configured entries the single defaultRoot serves
// as a degraded-mode tree rather than an error.
func Resolve(entries []store.VirtualPath, defaultRoot, raw string) (Match, error) {
	// Paths the server itself reported earlier arrive back as absolute
	// physical paths; pass those through unchanged.
	if m, ok := passthrough(entries, defaultRoot, raw); ok {
		return m, nil
	}

	virtual := Normalize(raw)

	if len(entries) == 0 {
		phys, err := fsutil.SecureJoin(defaultRoot, virtual)
		if err != nil {
			return Match{}, err
		}
		return Match{Virtual: virtual, Physical: phys}, nil
	}

	var best *store.VirtualPath
	for i := range entries {
		e := &entries[i]
		if !covers(e, virtual) {
			continue
		}
		if best == nil || len(Normalize(e.VirtualPath)) > len(Normalize(best.VirtualPath)) {
			best = e
		}
	}
	if best == nil {
		return Match{}, ErrNoMatch
	}

	remainder := strings.TrimPrefix(virtual, strings.TrimSuffix(Normalize(best.VirtualPath), "/"))
	phys, err := fsutil.SecureJoin(best.LocalPath, remainder)
	if err != nil {
		return Match{}, err
	}
	return Match{Entry: best, Virtual: virtual, Physical: phys}, nil
}

// VirtualFromPhysical maps a physical path back into virtual space, so the
// server never reports physical locations to clients. The entry with the
// deepest physical root wins.
func VirtualFromPhysical(entries []store.VirtualPath, defaultRoot, phys string) (string, bool) {
	phys = filepath.Clean(phys)

	var best *store.VirtualPath
	bestRoot := ""
	for i := range entries {
		e := &entries[i]
		root, err := filepath.Abs(e.LocalPath)
		if err != nil {
			continue
		}
		if fsutil.Within(root, phys) && (best == nil || len(root) > len(bestRoot)) {
			best = e
			bestRoot = root
		}
	}
	if best != nil {
		rel, err := filepath.Rel(bestRoot, phys)
		if err != nil {
			return "", false
		}
		return path.Join(best.VirtualPath, filepath.ToSlash(rel)), true
	}

	if defaultRoot != "" {
		root, err := filepath.Abs(defaultRoot)
		if err == nil && fsutil.Within(root, phys) {
			rel, err := filepath.Rel(root, phys)
			if err == nil {
				return path.Join("/", filepath.ToSlash(rel)), true
			}
		}
	}
	return "", false
}

// covers reports whether entry's prefix applies to the normalized virtual path.
// Entries with ApplySubdirs unset only govern the prefix itself.
func covers(e *store.VirtualPath, virtual string) bool {
	prefix := Normalize(e.VirtualPath)
	if virtual == prefix {
		return true
	}
	if !e.ApplySubdirs {
		return false
	}
	if prefix == "/" {
		return true
	}
	return strings.HasPrefix(virtual, prefix+"/")
}

func passthrough(entries []store.VirtualPath, defaultRoot, raw string) (Match, bool) {
	if !filepath.IsAbs(raw) {
		return Match{}, false
	}
	phys := filepath.Clean(raw)

	// With nested physical roots the deepest one owns the path, same rule as
	// VirtualFromPhysical, so the permission bits come from the same entry in
	// both directions.
	var best *store.VirtualPath
	bestRoot := ""
	for i := range entries {
		e := &entries[i]
		root, err := filepath.Abs(e.LocalPath)
		if err != nil {
			continue
		}
		if fsutil.Within(root, phys) && (best == nil || len(root) > len(bestRoot)) {
			best = e
			bestRoot = root
		}
	}
	if best == nil {
		return Match{}, false
	}
	virtual, _ := VirtualFromPhysical(entries, defaultRoot, phys)
	return Match{Entry: best, Virtual: virtual, Physical: phys}, true
}
