// Package secrets detects and redacts credentials in free text. The
// scanner combines known token formats with a Shannon-entropy heuristic
// for opaque random strings, and is used by the audit log (every field
// passes through Redact before encoding) and the scan command.
package secrets

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Redacted replaces every matched secret.
const Redacted = "***REDACTED***"

// RedactionFailed is returned in place of the input when the scanner
// itself fails, so a scanner bug can never leak the text it was asked
// to clean.
const RedactionFailed = "***REDACTION_FAILED***"

type pattern struct {
	kind string
	re   *regexp.Regexp
	// group selects the submatch to redact; 0 redacts the whole match.
	// Assignment-style patterns keep the key and redact only the value.
	group int
}

var knownPatterns = []pattern{
	{kind: "pem-private-key", re: regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{kind: "aws-access-key", re: regexp.MustCompile(`\b(?:AKIA|ASIA|ABIA|ACCA)[0-9A-Z]{16}\b`)},
	{kind: "github-token", re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{kind: "slack-token", re: regexp.MustCompile(`\bxox[abprs]-[0-9A-Za-z-]{10,}\b`)},
	{kind: "stripe-key", re: regexp.MustCompile(`\b[sr]k_(?:live|test)_[0-9a-zA-Z]{16,}\b`)},
	{kind: "google-api-key", re: regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`)},
	{kind: "jwt", re: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`)},
	{kind: "bearer-token", re: regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9._~+/=-]{16,})`), group: 1},
	{kind: "credential-assignment", re: regexp.MustCompile(`(?i)\b(?:password|passwd|secret|token|api[_-]?key|access[_-]?key)\s*[:=]\s*["']?([^\s"',;]{8,})`), group: 1},
}

var (
	base64Run = regexp.MustCompile(`[A-Za-z0-9+/_-]{32,}={0,2}`)
	hexRun    = regexp.MustCompile(`\b[0-9a-fA-F]{40,}\b`)
)

// Finding describes one detected secret. The secret value itself is
// never carried, only a masked excerpt for operator context.
type Finding struct {
	Kind    string
	Line    int
	Excerpt string
}

// Scanner is stateless and safe for concurrent use once constructed.
type Scanner struct {
	// MinEntropy is the Shannon entropy (bits per character) above which
	// an opaque run counts as a secret.
	MinEntropy float64
	// MinRunLength is the shortest base64/hex run considered.
	MinRunLength int
	// Observer, when set before first use, is told how many secrets each
	// Scan or Redact turned up. It must tolerate concurrent calls.
	Observer func(found int)

	patterns []pattern
}

// NewScanner returns a Scanner with the default sensitivity. The run
// length floor of 40 keeps task ids and other structured identifiers
// (which run in the high thirties) below the heuristic while still
// catching opaque credentials.
func NewScanner() *Scanner {
	return &Scanner{MinEntropy: 4.5, MinRunLength: 40, patterns: knownPatterns}
}

// Scan reports all findings in |text| without modifying it.
func (s *Scanner) Scan(text string) []Finding {
	var findings []Finding
	for _, p := range s.patterns {
		for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
			var start, end = matchBounds(m, p.group)
			findings = append(findings, Finding{
				Kind:    p.kind,
				Line:    1 + strings.Count(text[:start], "\n"),
				Excerpt: excerpt(text[start:end]),
			})
		}
	}
	findings = append(findings, s.entropyFindings(text)...)
	if s.Observer != nil {
		s.Observer(len(findings))
	}
	return findings
}

// Redact replaces every finding in |text| with the Redacted marker.
// It fails closed: any internal error yields RedactionFailed for the
// whole text rather than risking a partial leak.
func (s *Scanner) Redact(text string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = RedactionFailed
		}
	}()

	out = text
	for _, p := range s.patterns {
		out = redactPattern(out, p)
	}
	out = s.redactEntropyRuns(out)
	if s.Observer != nil {
		s.Observer(strings.Count(out, Redacted) - strings.Count(text, Redacted))
	}
	return out
}

func redactPattern(text string, p pattern) string {
	var matches = p.re.FindAllStringSubmatchIndex(text, -1)
	if matches == nil {
		return text
	}
	var b strings.Builder
	var last int
	for _, m := range matches {
		var start, end = matchBounds(m, p.group)
		if start < last {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(Redacted)
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

func (s *Scanner) redactEntropyRuns(text string) string {
	for _, re := range []*regexp.Regexp{hexRun, base64Run} {
		var matches = re.FindAllStringIndex(text, -1)
		if matches == nil {
			continue
		}
		var b strings.Builder
		var last int
		for _, m := range matches {
			var run = text[m[0]:m[1]]
			if !s.secretRun(run) {
				continue
			}
			b.WriteString(text[last:m[0]])
			b.WriteString(Redacted)
			last = m[1]
		}
		b.WriteString(text[last:])
		text = b.String()
	}
	return text
}

func (s *Scanner) entropyFindings(text string) []Finding {
	var findings []Finding
	var seen = make(map[int]bool)
	for _, p := range []struct {
		kind string
		re   *regexp.Regexp
	}{
		{"high-entropy-hex", hexRun},
		{"high-entropy-string", base64Run},
	} {
		for _, m := range p.re.FindAllStringIndex(text, -1) {
			var run = text[m[0]:m[1]]
			if seen[m[0]] || !s.secretRun(run) {
				continue
			}
			seen[m[0]] = true
			findings = append(findings, Finding{
				Kind:    p.kind,
				Line:    1 + strings.Count(text[:m[0]], "\n"),
				Excerpt: excerpt(run),
			})
		}
	}
	return findings
}

// secretRun decides whether an opaque run is random enough to treat as
// a credential. Hex runs get a lower bar: sixteen symbols cap entropy
// at four bits per character.
func (s *Scanner) secretRun(run string) bool {
	if len(run) < s.MinRunLength {
		return false
	}
	var threshold = s.MinEntropy
	if isHex(run) {
		threshold = 3.5
	}
	return shannon(run) >= threshold
}

func isHex(run string) bool {
	for _, r := range run {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// shannon computes entropy in bits per character.
func shannon(run string) float64 {
	if run == "" {
		return 0
	}
	var counts = make(map[rune]int)
	for _, r := range run {
		counts[r]++
	}
	var h float64
	var n = float64(len(run))
	for _, c := range counts {
		var p = float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

func matchBounds(m []int, group int) (int, int) {
	if group > 0 && 2*group+1 < len(m) && m[2*group] >= 0 {
		return m[2*group], m[2*group+1]
	}
	return m[0], m[1]
}

// excerpt masks all but the leading characters of a matched secret.
func excerpt(match string) string {
	var head = match
	if len(head) > 6 {
		head = head[:6]
	}
	return fmt.Sprintf("%s... (%d chars)", head, len(match))
}
