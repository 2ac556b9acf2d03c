// Package node parses and normalizes permission nodes.
//
// A node is a dotted permission string such as "build.place". A node prefixed
// with the negation marker "^" revokes the permission instead of granting it.
// Node sets are stored lower-cased, de-duplicated and sorted so that every
// backend persists and returns the same canonical form.
package node

import (
	"slices"
	"strings"
)

// NegationMarker prefixes a negated node.
const NegationMarker = "^"

// Node is a single parsed permission node.
type Node struct {
	Name    string `json:"name"`
	Negated bool   `json:"negated,omitempty"`
}

// Parse splits a raw node into its name and negation flag. The name is
// normalized to lower case.
func Parse(raw string) Node {
	raw = Normalize(raw)
	if strings.HasPrefix(raw, NegationMarker) {
		return Node{Name: strings.TrimPrefix(raw, NegationMarker), Negated: true}
	}
	return Node{Name: raw}
}

// String renders the node in its persisted form.
func (n Node) String() string {
	if n.Negated {
		return NegationMarker + n.Name
	}
	return n.Name
}

// Normalize trims and lower-cases a single node or group name.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeSet returns the canonical form of a set of nodes or names:
// normalized, empty entries removed, de-duplicated and sorted. It never
// returns nil so encoders emit an empty list rather than null.
func NormalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = Normalize(s)
		if s == "" || s == NegationMarker {
			continue
		}
		out = append(out, s)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// CloneMap copies a string map. It never returns nil.
func CloneMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
