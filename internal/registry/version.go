package registry

import (
	"strings"

	gvers "github.com/hashicorp/go-version"
)

// MatchesCapability reports whether any of caps satisfies requirement.
//
// An empty requirement matches every worker. A requirement starting with a
// comparison operator (">= 2023", "~> 2024.1") is a version constraint.
// Otherwise it names one version: "2024.1" and "2024.1.0" are the same
// capability. Capabilities that do not parse as versions only match by
// exact string.
func MatchesCapability(caps []string, requirement string) bool {
	requirement = strings.TrimSpace(requirement)
	if requirement == "" {
		return true
	}

	if isConstraint(requirement) {
		constraint, err := gvers.NewConstraint(requirement)
		if err != nil {
			return false
		}
		for _, c := range caps {
			v, err := gvers.NewVersion(strings.TrimSpace(c))
			if err == nil && constraint.Check(v) {
				return true
			}
		}
		return false
	}

	want, werr := gvers.NewVersion(requirement)
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == requirement {
			return true
		}
		if werr != nil {
			continue
		}
		if have, err := gvers.NewVersion(c); err == nil && have.Equal(want) {
			return true
		}
	}
	return false
}

func isConstraint(s string) bool {
	return strings.ContainsAny(s[:1], "<>=!~")
}

// NormalizeCapabilities trims entries and drops blanks and duplicates.
func NormalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	seen := make(map[string]bool, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
