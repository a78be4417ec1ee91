// Package capability implements tag-based agent matching. Each agent
// advertises a set of lowercase capability tags; the router selects a worker
// for a task by scanning the task description for known tags.
package capability

import (
	"sort"
	"strings"
)

// Tag is a single lowercase capability label, e.g. "research" or "probe".
type Tag string

// Normalize lowercases and trims a raw tag value.
func Normalize(raw string) Tag {
	return Tag(strings.ToLower(strings.TrimSpace(raw)))
}

// Set is an agent's advertised capabilities.
type Set map[Tag]struct{}

// NewSet builds a Set from raw tag values, normalizing each.
// Empty values are dropped.
func NewSet(raw ...string) Set {
	s := make(Set, len(raw))
	for _, r := range raw {
		t := Normalize(r)
		if t == "" {
			continue
		}
		s[t] = struct{}{}
	}
	return s
}

// Has reports whether the set contains the given tag.
func (s Set) Has(t Tag) bool {
	_, ok := s[t]
	return ok
}

// Tags returns the set's members in lexicographic order.
func (s Set) Tags() []Tag {
	out := make([]Tag, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Match scans payload for any of the known tags and returns the
// lexicographically smallest tag that occurs as a substring of the
// lowercased payload. The lexicographic rule makes routing deterministic
// regardless of map iteration order. Returns false if no tag matches.
func Match(payload string, known []Tag) (Tag, bool) {
	lowered := strings.ToLower(payload)
	sorted := make([]Tag, len(known))
	copy(sorted, known)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, t := range sorted {
		if t == "" {
			continue
		}
		if strings.Contains(lowered, string(t)) {
			return t, true
		}
	}
	return "", false
}
