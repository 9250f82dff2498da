// Package utils provides tiny helpers shared across the HTTP layer.
package utils

import "strconv"

// AtoiDefault parses s as a base-10 int, returning def when s is empty or
// malformed. Query parameters like the audit listing's `limit` degrade to
// their documented default instead of failing the request; range checks
// remain the caller's job.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
