package runtime

import "strings"

// Rate-limit detection is a substring heuristic over agent output and stderr.
// It lives in this one function so callers share a single definition of the
// signal and the heuristic can be replaced without touching them.
var rateLimitPhrases = []string{
	"rate limit",
	"rate-limit",
	"rate_limit",
	"429",
	"too many requests",
	"overloaded",
	"quota exceeded",
	"usage limit",
}

// detectRateLimit reports whether s contains known rate-limit phrasing.
func detectRateLimit(s string) bool {
	lower := strings.ToLower(s)
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
