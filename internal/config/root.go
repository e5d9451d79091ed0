package config

import (
	"os"
	"path/filepath"
	"strings"
)

var rootMarkers = []string{"maplejuice.yaml", "go.mod", ".git"}

// ciBoundaryVars name the checkout directory on common CI systems.
var ciBoundaryVars = []string{"MAPLEJUICE_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// findProjectRoot returns the nearest ancestor of the working directory that
// holds a root marker, or the working directory itself. On CI a valid
// workspace hint that contains the working directory wins.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if isCI() {
		if root, ok := ciBoundary(cwd); ok {
			return root, nil
		}
	}
	dir := cwd
	for {
		for _, m := range rootMarkers {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}

func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

func ciBoundary(cwd string) (string, bool) {
	for _, name := range ciBoundaryVars {
		hint := os.Getenv(name)
		if hint == "" || !filepath.IsAbs(hint) {
			continue
		}
		info, err := os.Stat(hint)
		if err != nil || !info.IsDir() {
			continue
		}
		hint = filepath.Clean(hint)
		rel, err := filepath.Rel(hint, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return hint, true
	}
	return "", false
}
