// Package masking redacts credential-shaped material from command output
// and ticket payloads before persistence or event delivery.
package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns cover the credential shapes the worker must never leak:
// passwords, tokens, API keys, private key blocks, basic-auth URLs and
// cloud connection strings.
var builtinPatterns = []struct {
	name, pattern, replacement string
}{
	{"password_kv", `(?i)(password|passwd|pwd)(["']?\s*[:=]\s*["']?)[^\s"',;&]+`, `$1$2***MASKED***`},
	{"token_kv", `(?i)(token|secret|api[_-]?key|access[_-]?key)(["']?\s*[:=]\s*["']?)[^\s"',;&]+`, `$1$2***MASKED***`},
	{"bearer", `(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`, `Bearer ***MASKED***`},
	{"basic_auth_url", `(?i)(https?://[^/\s:]+:)[^@\s]+(@)`, `$1***MASKED***$2`},
	{"private_key_block", `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`, `***MASKED_PRIVATE_KEY***`},
	{"aws_access_key", `\bAKIA[0-9A-Z]{16}\b`, `***MASKED***`},
	{"jwt", `\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`, `***MASKED_JWT***`},
	{"conn_string_pwd", `(?i)(;|^|\s)(pwd|password)=[^;\s]+`, `$1$2=***MASKED***`},
}

// Service applies masking patterns. Construction compiles the built-in set;
// invalid custom patterns are logged and skipped, never fatal.
type Service struct {
	patterns []*CompiledPattern
}

// NewService creates a masking service with the built-in pattern set plus
// any custom patterns (name → regex).
func NewService(custom map[string]string) *Service {
	s := &Service{}
	for _, p := range builtinPatterns {
		re, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", p.name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{Name: p.name, Regex: re, Replacement: p.replacement})
	}
	for name, pattern := range custom {
		re, err := regexp.Compile(pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{Name: name, Regex: re, Replacement: "***MASKED***"})
	}
	return s
}

// Mask applies every compiled pattern to the data. Defensive: on no
// patterns, returns the input unchanged.
func (s *Service) Mask(data string) string {
	for _, p := range s.patterns {
		data = p.Regex.ReplaceAllString(data, p.Replacement)
	}
	return data
}

// MaskValue redacts a known secret value wherever it appears verbatim. Used
// by connectors that had to materialize a credential (e.g. REST API keys)
// so the exact value can never reach captured output.
func (s *Service) MaskValue(data, secret string) string {
	if secret == "" {
		return s.Mask(data)
	}
	re := regexp.MustCompile(regexp.QuoteMeta(secret))
	return s.Mask(re.ReplaceAllString(data, "***MASKED***"))
}
