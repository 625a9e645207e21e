package domain

import (
	"fmt"
	"strings"
)

// Policy defines how conflicts between roots are resolved
type Policy string

const (
	// PolicyManual defers every conflict to a human
	PolicyManual Policy = "manual"

	// PolicyNewest keeps the candidate with the latest modification time
	PolicyNewest Policy = "newest"
)

// IsValid checks if the policy is a known value
func (p Policy) IsValid() bool {
	switch p {
	case PolicyManual, PolicyNewest:
		return true
	}
	return false
}

// ParsePolicy parses a policy name (case-insensitive).
// "newest_file_wins" is accepted as an alias of newest.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "manual":
		return PolicyManual, nil
	case "newest", "newest_file_wins", "newest-wins":
		return PolicyNewest, nil
	}
	return "", fmt.Errorf("%w: unknown policy %q", ErrConfigInvalid, s)
}
