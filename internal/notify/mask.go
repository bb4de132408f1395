package notify

import (
	"strings"

	"github.com/selfstart/selfstart/internal/store"
)

// Masked returns a copy of the subscription safe to return from the API:
// the secret and sensitive header values are partially redacted. The
// original is not modified.
func Masked(cfg *store.WebhookConfig) *store.WebhookConfig {
	out := *cfg
	out.Events = append([]string(nil), cfg.Events...)
	if out.Secret != "" {
		out.Secret = maskToken(out.Secret)
	}
	if len(cfg.Headers) > 0 {
		out.Headers = make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			if sensitiveHeader(k, v) {
				out.Headers[k] = maskToken(v)
			} else {
				out.Headers[k] = v
			}
		}
	}
	return &out
}

// sensitiveHeader reports whether a header looks like it carries a
// credential.
func sensitiveHeader(key, value string) bool {
	lower := strings.ToLower(key + " " + value)
	for _, word := range []string{"token", "bearer", "key", "secret", "authorization"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// maskToken keeps the first 4 characters and replaces the rest with
// "****". Returns "****" if the value is shorter than 5 characters.
func maskToken(s string) string {
	if len(s) < 5 {
		return "****"
	}
	return s[:4] + "****"
}
