package license

import (
	"strings"
)

// BindingMatcher evaluates domain and hardware bindings for activation and
// verification requests.
type BindingMatcher struct{}

// NewBindingMatcher creates a new binding matcher
func NewBindingMatcher() *BindingMatcher {
	return &BindingMatcher{}
}

// MatchesDomain reports whether candidate satisfies pattern. Patterns are
// either literal domains or "*.suffix" wildcards; a wildcard matches any
// subdomain of suffix as well as suffix itself. Matching is case-insensitive.
func (m *BindingMatcher) MatchesDomain(pattern, candidate string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	candidate = strings.ToLower(strings.TrimSpace(candidate))

	if pattern == "" || candidate == "" {
		return false
	}

	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return candidate == suffix || strings.HasSuffix(candidate, "."+suffix)
	}

	return candidate == pattern
}

// MatchesAnyDomain reports whether candidate satisfies at least one of the
// allowed patterns. An empty pattern set matches any domain (open license).
func (m *BindingMatcher) MatchesAnyDomain(patterns []string, candidate string) bool {
	if len(patterns) == 0 {
		return true
	}

	for _, pattern := range patterns {
		if m.MatchesDomain(pattern, candidate) {
			return true
		}
	}
	return false
}

// MatchesHardware reports whether candidate satisfies the hardware binding.
// A nil binding accepts any candidate; locking the license to the first-seen
// hardware id happens in the activation path, not here.
func (m *BindingMatcher) MatchesHardware(bound *string, candidate string) bool {
	if bound == nil || *bound == "" {
		return true
	}
	return *bound == candidate
}
