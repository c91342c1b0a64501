package failure

import "strings"

var (
	transientKeywords = []string{
		"timeout", "timed out", "deadline exceeded",
		"connection", "network", "unreachable", "broken pipe", "eof",
		"rate limit", "rate-limit", "too many requests",
		"service unavailable", "unavailable", "temporarily",
	}

	configurationKeywords = []string{
		"certificate", "configuration", "not enabled",
		"config not found", "credential", "unauthorized",
	}

	permanentKeywords = []string{
		"rejected", "denied", "invalid", "duplicate", "malformed",
		"panic",
	}
)

// Classify buckets a dead-letter reason string by keyword. Reasons that
// match neither the transient nor the configuration lists are permanent.
func Classify(reason string) Class {
	msg := strings.ToLower(reason)
	switch {
	case containsAny(msg, transientKeywords):
		return ClassTransient
	case containsAny(msg, configurationKeywords):
		return ClassConfiguration
	default:
		return ClassPermanent
	}
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
