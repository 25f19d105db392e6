package logutil

import "strings"

// Redacted replaces sensitive values in logged and audited words.
const Redacted = "***"

var sensitiveKeys = map[string]bool{
	"password": true,
	"pass":     true,
	"secret":   true,
	"key":      true,
	"token":    true,
}

// IsSensitiveKey reports whether a RouterOS attribute name carries a credential.
func IsSensitiveKey(name string) bool {
	name = strings.ToLower(name)
	if sensitiveKeys[name] {
		return true
	}
	// private-key, shared-secret, auth-token and friends
	if i := strings.LastIndexByte(name, '-'); i >= 0 {
		return sensitiveKeys[name[i+1:]]
	}
	return false
}

// RedactWords returns a copy of RouterOS API words with the values of sensitive attributes
// masked. It understands API attribute words ("=password=x"), query words ("?secret=x")
// and CLI form ("password=x").
func RedactWords(words []string) []string {
	if words == nil {
		return nil
	}
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = redactWord(w)
	}
	return out
}

func redactWord(w string) string {
	prefix := ""
	rest := w
	switch {
	case strings.HasPrefix(w, "="), strings.HasPrefix(w, "?"):
		prefix, rest = w[:1], w[1:]
	}
	name, _, ok := strings.Cut(rest, "=")
	if !ok || name == "" || !IsSensitiveKey(name) {
		return w
	}
	return prefix + name + "=" + Redacted
}
