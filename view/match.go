package view

import "strings"

// matchGlob checks if a pattern matches a node with trailing wildcard
// support: "*" matches everything and "build.*" matches "build.place".
func matchGlob(pattern, value string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(value, prefix)
	}
	return false
}
