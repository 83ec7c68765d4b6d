package translate

import "strings"

// Classifier maps raw backend process output to a failure kind by substring
// match. The signatures track the wording of specific external tools, so
// they are configuration rather than code: config can replace them without
// touching the escalation policy.
type Classifier struct {
	AuthSignatures      []string
	RateLimitSignatures []string
}

// DefaultClassifier carries the known wordings of the claude and codex CLIs.
func DefaultClassifier() Classifier {
	return Classifier{
		AuthSignatures: []string{
			"api key",
			"unauthorized",
			"authentication",
			"invalid_api_key",
			"401 unauthorized",
			"provided authentication token is expired",
			"refresh_token_reused",
		},
		RateLimitSignatures: []string{
			"429",
			"rate limit",
			"too many requests",
		},
	}
}

// Classify inspects combined stdout/stderr of a failed backend run. Auth
// signatures win over rate-limit signatures; anything else is a plain
// process failure.
func (c Classifier) Classify(output string) ErrorKind {
	out := strings.ToLower(output)
	for _, sig := range c.AuthSignatures {
		if sig != "" && strings.Contains(out, strings.ToLower(sig)) {
			return KindAuth
		}
	}
	for _, sig := range c.RateLimitSignatures {
		if sig != "" && strings.Contains(out, strings.ToLower(sig)) {
			return KindRateLimit
		}
	}
	return KindExec
}
