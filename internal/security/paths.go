// Package security keeps operator supplied names and paths inside the
// directories the rig writes to.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot reports a path that resolves outside its root directory.
var ErrOutsideRoot = errors.New("path escapes root directory")

// Join joins elems onto root and checks, lexically, that the result stays
// within root. It does not touch the filesystem.
func Join(root string, elems ...string) (string, error) {
	root = filepath.Clean(root)
	p := filepath.Join(append([]string{root}, elems...)...)
	if !within(root, p) {
		return "", fmt.Errorf("%w: %s is not under %s", ErrOutsideRoot, p, root)
	}
	return p, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// ConfinePath checks that path, with symlinks resolved, is inside root.
// The path need not exist yet; its nearest existing parent is resolved
// instead, so a symlinked parent pointing elsewhere is still caught.
func ConfinePath(path, root string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", root, err)
	}
	canonicalRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", root, err)
	}

	canonical := absPath
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		canonical = resolved
	} else {
		for dir := filepath.Dir(absPath); ; dir = filepath.Dir(dir) {
			if resolved, err := filepath.EvalSymlinks(dir); err == nil {
				rest, _ := filepath.Rel(dir, absPath)
				canonical = filepath.Join(resolved, rest)
				break
			}
			if dir == filepath.Dir(dir) {
				break
			}
		}
	}

	if !within(canonicalRoot, canonical) {
		return fmt.Errorf("%w: %s is not under %s", ErrOutsideRoot, path, root)
	}
	return nil
}

// SanitizeLabel makes an operator label safe to use as a path component.
// Runs of anything other than ASCII letters, digits, dot, underscore or dash
// become one underscore; leading and trailing dots and underscores are
// dropped. An empty result becomes "unknown".
func SanitizeLabel(s string) string {
	const maxLen = 64
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
