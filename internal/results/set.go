// Package results holds the deduplicated set of reported paths and writes
// the final report.
package results

import "slices"

// Set is the deduplicated collection of reported paths. The zero value is
// not usable; call NewSet.
type Set struct {
	paths map[string]struct{}
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{paths: make(map[string]struct{})}
}

// Insert adds the path in p. The bytes are copied, so callers may reuse p.
func (s *Set) Insert(p []byte) {
	if _, ok := s.paths[string(p)]; ok {
		return
	}
	s.paths[string(p)] = struct{}{}
}

// Len returns the number of distinct paths.
func (s *Set) Len() int {
	return len(s.paths)
}

// Paths returns the stored paths in lexical order.
func (s *Set) Paths() []string {
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
