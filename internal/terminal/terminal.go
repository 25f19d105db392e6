// Package terminal turns operator CLI lines into RouterOS API sentences and decides which
// of them the generic terminal endpoint may run.
package terminal

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	ErrEmptyCommand = errors.New("empty command")
	ErrNotAPath     = errors.New("command must start with a path like /ppp/secret/print")
	ErrNotAllowed   = errors.New("command not allowed")
)

// Command is a parsed CLI line.
type Command struct {
	Path  string   `json:"path"`
	Words []string `json:"words"`
}

// Parse splits line on whitespace outside double quotes. The first token is the command
// path (lowercased). key=value tokens become =key=value words with surrounding quotes
// removed from the value, bare tokens become =token= and words starting with ?, ! or .
// are passed through.
func Parse(line string) (Command, error) {
	tokens := tokenize(line)
	if len(tokens) == 0 {
		return Command{}, ErrEmptyCommand
	}
	path := tokens[0]
	if !strings.HasPrefix(path, "/") {
		return Command{}, ErrNotAPath
	}

	words := make([]string, 0, len(tokens)-1)
	for _, t := range tokens[1:] {
		if strings.HasPrefix(t, "?") || strings.HasPrefix(t, "!") || strings.HasPrefix(t, ".") {
			words = append(words, t)
			continue
		}
		if eq := strings.IndexByte(t, '='); eq > 0 {
			key, val := t[:eq], t[eq+1:]
			if len(val) >= 2 && strings.HasPrefix(val, `"`) && strings.HasSuffix(val, `"`) {
				val = val[1 : len(val)-1]
			}
			words = append(words, "="+key+"="+val)
			continue
		}
		words = append(words, "="+t+"=")
	}
	return Command{Path: strings.ToLower(path), Words: words}, nil
}

func tokenize(line string) []string {
	var (
		tokens   []string
		cur      strings.Builder
		inQuotes bool
	)
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.TrimSpace(line) {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case !inQuotes && unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// Policy is a read-only allow-list of path prefixes plus a deny-list of exact paths.
// Deny wins.
type Policy struct {
	Allow []string
	Deny  []string
}

// DefaultPolicy permits monitoring and diagnostic commands only.
var DefaultPolicy = Policy{
	Allow: []string{
		"/system/resource/print",
		"/system/health/print",
		"/system/identity/print",
		"/interface/print",
		"/interface/monitor-traffic",
		"/ip/address/print",
		"/ip/route/print",
		"/ip/pool/print",
		"/ip/dhcp-server/lease/print",
		"/ppp/secret/print",
		"/ppp/profile/print",
		"/ppp/active/print",
		"/queue/simple/print",
		"/routing/route/print",
		"/tool/ping",
		"/tool/traceroute",
		"/tool/bandwidth-test",
	},
	Deny: []string{
		"/system/reset-configuration",
		"/system/shutdown",
		"/file/remove",
		"/system/script/add",
		"/system/script/remove",
	},
}

// Allowed reports whether path may run. A prefix matches the path itself or any path
// below it.
func (p Policy) Allowed(path string) bool {
	path = strings.TrimRight(strings.ToLower(path), "/")
	for _, d := range p.Deny {
		if path == d {
			return false
		}
	}
	for _, a := range p.Allow {
		if path == a || strings.HasPrefix(path, a+"/") {
			return true
		}
	}
	return false
}

// Check parses line and applies the policy.
func (p Policy) Check(line string) (Command, error) {
	cmd, err := Parse(line)
	if err != nil {
		return Command{}, err
	}
	if !p.Allowed(cmd.Path) {
		return Command{}, fmt.Errorf("%w: %s", ErrNotAllowed, cmd.Path)
	}
	return cmd, nil
}

const sensitiveKeys = `password|pass|secret|key|token`

var (
	quotedSecret   = regexp.MustCompile(`(?i)(\b(?:` + sensitiveKeys + `)\s*=\s*")[^"]*(")`)
	unquotedSecret = regexp.MustCompile(`(?i)(\b(?:` + sensitiveKeys + `)\s*=\s*)[^\s"]+`)
)

// Redact masks values of sensitive keys in a raw CLI line for logging.
func Redact(line string) string {
	line = quotedSecret.ReplaceAllString(line, "${1}******${2}")
	return unquotedSecret.ReplaceAllString(line, "${1}******")
}
