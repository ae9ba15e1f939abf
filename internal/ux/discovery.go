package ux

import (
	"os"
	"path/filepath"
)

// DiscoverStateDir walks up from start looking for a dir directory. The
// walk stops at the first directory containing .git. ok is false when none
// was found.
func DiscoverStateDir(start, dir string) (string, bool) {
	cur, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(cur, dir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
		if _, err := os.Stat(filepath.Join(cur, ".git")); err == nil {
			return "", false
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", false
		}
		cur = parent
	}
}

// DiscoverConfigFile finds <dir>/<name> in start or one of its parents up to
// the repository root. It returns "" when there is none.
func DiscoverConfigFile(start, dir, name string) string {
	stateDir, ok := DiscoverStateDir(start, dir)
	if !ok {
		return ""
	}
	path := filepath.Join(stateDir, name)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
