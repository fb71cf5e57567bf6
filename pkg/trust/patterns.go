// Package trust screens externally authored kanban items before they can
// reach an agent: creator allow-listing, text sanitisation, secret
// redaction, and prompt-injection detection.
package trust

import (
	"log/slog"
	"regexp"
	"strings"
)

// CompiledPattern is one pre-compiled detection rule.
type CompiledPattern struct {
	Name  string
	Regex *regexp.Regexp
}

// namedPattern pairs a stable name with its source expression. Order
// matters: scans report matches in declaration order.
type namedPattern struct {
	name    string
	pattern string
}

// builtinInjectionPatterns flag text that tries to steer the agent away
// from its task. Matching runs against sanitised input, so invisible
// characters cannot split a phrase. The set errs toward review: a hit
// quarantines, it never deletes.
var builtinInjectionPatterns = []namedPattern{
	{"override_instructions", `(?i)\b(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|directions|prompts?|context|rules)`},
	{"role_reassignment", `(?i)\byou\s+are\s+now\s+(a|an|the|in)\b`},
	{"new_instructions", `(?i)\bnew\s+(system\s+)?instructions?\s*:`},
	{"system_block", `(?i)<\s*/?\s*system\s*>`},
	{"system_prefix", `(?im)^\s*system\s*:`},
	{"prompt_exfiltration", `(?i)\b(print|reveal|show|repeat|output)\s+(your|the)\s+(system\s+)?prompt`},
	{"jailbreak_dan", `(?i)\bdo\s+anything\s+now\b`},
	{"pipe_to_shell", `curl[^\n|]*\|\s*(ba|z)?sh`},
	{"sudo_exec", `(?i)\brun\s+.{0,40}\bwith\s+sudo\b`},
}

// secretRedactionPatterns match credentials that must never survive into
// task text: GitHub tokens, API keys of the sk- family, and KEY=value
// environment assignments.
var secretRedactionPatterns = []string{
	`ghp_[A-Za-z0-9]{36}`,
	`github_pat_[A-Za-z0-9_]{22,255}`,
	`sk-[A-Za-z0-9_-]{20,}`,
	`[A-Z][A-Z0-9_]*_API_KEY=\S+`,
}

// Redacted replaces each secret match.
const Redacted = "[REDACTED]"

// invisibleRune reports characters stripped during sanitisation:
// zero-width characters and bidirectional controls, both used to hide
// instructions from human reviewers while staying visible to the model.
func invisibleRune(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\ufeff':
		return true
	}
	if r >= '\u202a' && r <= '\u202e' {
		return true
	}
	if r >= '\u2066' && r <= '\u2069' {
		return true
	}
	return false
}

// Sanitize strips invisible characters from text. Apply before any scan
// and again when assembling agent prompts.
func Sanitize(text string) string {
	if !strings.ContainsFunc(text, invisibleRune) {
		return text
	}
	return strings.Map(func(r rune) rune {
		if invisibleRune(r) {
			return -1
		}
		return r
	}, text)
}

// compilePatterns compiles an ordered pattern set, logging and skipping
// any entry that fails to compile.
func compilePatterns(patterns []namedPattern) []*CompiledPattern {
	out := make([]*CompiledPattern, 0, len(patterns))
	for _, np := range patterns {
		compiled, err := regexp.Compile(np.pattern)
		if err != nil {
			slog.Error("Failed to compile trust pattern, skipping",
				"pattern", np.name, "error", err)
			continue
		}
		out = append(out, &CompiledPattern{Name: np.name, Regex: compiled})
	}
	return out
}

// compileRedactors compiles the secret redaction set.
func compileRedactors() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(secretRedactionPatterns))
	for _, pattern := range secretRedactionPatterns {
		out = append(out, regexp.MustCompile(pattern))
	}
	return out
}
