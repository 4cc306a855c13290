// Package paths expands user-supplied filesystem paths from the
// configuration file and the command line.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading ~ with the user's home directory. Paths
// of the form ~user, and every path when the home directory is
// unknown, are returned unchanged.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// ExpandAll applies ExpandHome to each non-nil pointer in place.
func ExpandAll(ps ...*string) {
	for _, p := range ps {
		if p != nil {
			*p = ExpandHome(*p)
		}
	}
}
