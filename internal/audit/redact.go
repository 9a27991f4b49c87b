package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Redactor strips secrets from payloads before they are hashed, logged, or
// returned to callers. A redacted value becomes {"redacted": H(value+salt)}
// so its presence stays verifiable without leaking content.
type Redactor struct {
	salt []byte

	// secretKeys are lower-cased field names always redacted (credential
	// headers, schema-marked args merged in by callers).
	secretKeys map[string]bool

	// patterns redact values longer than minLen that match.
	patterns []*regexp.Regexp
	minLen   int
}

// Credential-bearing field names redacted unconditionally.
var defaultSecretKeys = []string{
	"authorization", "proxy-authorization", "cookie", "set-cookie",
	"x-api-key", "api_key", "apikey", "token", "access_token",
	"refresh_token", "password", "secret", "private_key", "routing_key",
}

// Value shapes that look like credentials regardless of field name.
var defaultPatterns = []string{
	`^(?i)bearer\s+\S+$`,
	`^gh[pousr]_[A-Za-z0-9]{20,}$`,
	`^sk-[A-Za-z0-9_-]{20,}$`,
	`^AKIA[0-9A-Z]{16}$`,
	`^-----BEGIN [A-Z ]*PRIVATE KEY-----`,
}

// NewRedactor builds a redactor with the default rules plus extraPatterns.
func NewRedactor(salt []byte, extraPatterns ...string) (*Redactor, error) {
	keys := make(map[string]bool, len(defaultSecretKeys))
	for _, k := range defaultSecretKeys {
		keys[k] = true
	}
	pats := make([]*regexp.Regexp, 0, len(defaultPatterns)+len(extraPatterns))
	for _, p := range append(append([]string{}, defaultPatterns...), extraPatterns...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redactor pattern %q: %w", p, err)
		}
		pats = append(pats, re)
	}
	return &Redactor{salt: salt, secretKeys: keys, patterns: pats, minLen: 20}, nil
}

// AddSecretKeys marks additional field names (e.g. schema-declared secret
// args) for unconditional redaction. Not safe to call concurrently with Redact.
func (r *Redactor) AddSecretKeys(keys ...string) {
	for _, k := range keys {
		r.secretKeys[strings.ToLower(k)] = true
	}
}

// Redact returns a deep copy of v with secrets replaced. Maps and arrays are
// walked recursively; the input is never mutated.
func (r *Redactor) Redact(v any) any {
	return r.walk("", v)
}

// RedactMap is Redact specialized to payload maps, preserving the nil case.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return r.walk("", m).(map[string]any)
}

func (r *Redactor) walk(key string, v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if r.secretKeys[strings.ToLower(k)] {
				out[k] = r.placeholder(fmt.Sprintf("%v", val))
				continue
			}
			out[k] = r.walk(k, val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.walk(key, item)
		}
		return out
	case string:
		if len(t) > r.minLen && r.matchesPattern(t) {
			return r.placeholder(t)
		}
		return t
	default:
		return v
	}
}

func (r *Redactor) matchesPattern(s string) bool {
	for _, re := range r.patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (r *Redactor) placeholder(value string) map[string]any {
	mac := hmac.New(sha256.New, r.salt)
	mac.Write([]byte(value))
	return map[string]any{"redacted": hex.EncodeToString(mac.Sum(nil))}
}
