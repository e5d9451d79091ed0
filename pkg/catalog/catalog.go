// Package catalog discovers Maple input files in the SDFS store.
//
// Inputs are matched with a doublestar pattern in which "{exe}" stands for
// the job's executable name. The default pattern "{exe}_*.txt" matches the
// names `maplejuice submit` uploads input files under.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/maplejuice/pkg/provider"
)

const (
	// ExePlaceholder is replaced by the (escaped) executable name.
	ExePlaceholder = "{exe}"

	DefaultPattern = ExePlaceholder + "_*.txt"
)

// ErrNoInputs is returned when no file matches the input pattern.
var ErrNoInputs = errors.New("no input files")

// Catalog lists input files for a job from the store.
type Catalog struct {
	store   provider.Provider
	pattern string
}

// New validates pattern and returns a Catalog over store. An empty pattern
// selects DefaultPattern.
func New(store provider.Provider, pattern string) (*Catalog, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !strings.Contains(pattern, ExePlaceholder) {
		return nil, fmt.Errorf("input pattern %q must contain %s", pattern, ExePlaceholder)
	}
	if !doublestar.ValidatePattern(strings.ReplaceAll(pattern, ExePlaceholder, "x")) {
		return nil, fmt.Errorf("invalid input pattern %q", pattern)
	}
	return &Catalog{store: store, pattern: pattern}, nil
}

// Pattern returns the glob used for exe.
func (c *Catalog) Pattern(exe string) string {
	return strings.ReplaceAll(c.pattern, ExePlaceholder, escapeMeta(exe))
}

// Inputs returns the sorted input file names for exe. The executable itself
// is never an input.
func (c *Catalog) Inputs(ctx context.Context, exe string) ([]string, error) {
	exe = strings.TrimSpace(exe)
	if exe == "" {
		return nil, fmt.Errorf("exe file name is required")
	}
	pattern := c.Pattern(exe)
	keys, err := provider.ListAll(ctx, c.store, literalPrefix(pattern))
	if err != nil {
		return nil, fmt.Errorf("list inputs: %w", err)
	}

	var out []string
	for _, k := range keys {
		if k == exe {
			continue
		}
		ok, err := doublestar.Match(pattern, k)
		if err != nil {
			return nil, fmt.Errorf("match %q: %w", pattern, err)
		}
		if ok {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w for %s (pattern %q)", ErrNoInputs, exe, pattern)
	}
	sort.Strings(out)
	return out, nil
}

func escapeMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// literalPrefix returns the part of pattern before its first meta character,
// unescaped, for use as a listing prefix.
func literalPrefix(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteByte(pattern[i])
			}
		case '*', '?', '[', '{':
			return b.String()
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
