package capture

import (
	"regexp"
	"strings"
)

// Filter selects the response URLs a session keeps.
type Filter func(url string) bool

// URLContains matches URLs containing substr.
func URLContains(substr string) Filter {
	return func(url string) bool { return strings.Contains(url, substr) }
}

// URLPrefix matches URLs starting with prefix.
func URLPrefix(prefix string) Filter {
	return func(url string) bool { return strings.HasPrefix(url, prefix) }
}

// URLMatches matches URLs against re.
func URLMatches(re *regexp.Regexp) Filter {
	return re.MatchString
}

// AllURLs matches everything.
func AllURLs(string) bool { return true }
