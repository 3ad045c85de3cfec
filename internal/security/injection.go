package security

import (
	"regexp"
	"strings"

	"github.com/opensource-db/kestrel/internal/domain"
	"github.com/opensource-db/kestrel/internal/engine"
)

// scanTarget selects which rendering of the template a pattern runs
// against. Keyword patterns run with string literals stripped so a
// parameterized template mentioning "union" inside a quoted literal
// stays legal; tautology and comment patterns need the raw text.
type scanTarget int

const (
	scanRaw scanTarget = iota
	scanStripped
)

type injectionPattern struct {
	name   string
	target scanTarget
	re     *regexp.Regexp
}

// The catalogue is structural: it flags query SHAPES, not words.
// Parameter values never pass through here; they travel as opaque
// bound data.
var injectionCatalogue = []injectionPattern{
	{
		name:   "union_based",
		target: scanStripped,
		re:     regexp.MustCompile(`(?i)\bunion\b(\s+all)?[\s(]+select\b`),
	},
	{
		name:   "boolean_blind_tautology",
		target: scanRaw,
		re:     regexp.MustCompile(`(?i)\b(or|and)\s+'[^']*'\s*=\s*'[^']*'`),
	},
	{
		name:   "boolean_blind_numeric",
		target: scanStripped,
		re:     regexp.MustCompile(`(?i)\b(or|and)\s+(\d+)\s*=\s*(\d+)\b`),
	},
	{
		name:   "time_based",
		target: scanStripped,
		re:     regexp.MustCompile(`(?i)\b(sleep|pg_sleep|benchmark)\s*\(|\bwaitfor\s+delay\b`),
	},
	{
		name:   "comment_truncation",
		target: scanRaw,
		re:     regexp.MustCompile(`(?i)['")]\s*(--|#)|;\s*(--|#)`),
	},
	{
		name:   "stacked_query",
		target: scanStripped,
		re:     regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop|alter|create|truncate|grant|exec)\b`),
	},
	{
		name:   "hex_encoding_evasion",
		target: scanStripped,
		re:     regexp.MustCompile(`(?i)\b0x[0-9a-f]{6,}\b|\b(char|chr|unhex)\s*\(\s*\d+`),
	},
	{
		name:   "url_encoding_evasion",
		target: scanRaw,
		re:     regexp.MustCompile(`(?i)%27|%22|%3b|%2d%2d`),
	},
	{
		name:   "file_exfiltration",
		target: scanStripped,
		re:     regexp.MustCompile(`(?i)\bload_file\s*\(|\binto\s+(out|dump)file\b`),
	},
}

// Detector scans SQL templates for structural injection red flags
// before any pooled connection is touched.
type Detector struct {
	enabled   bool
	maxLength int
}

func NewDetector(cfg domain.SecurityConfig) *Detector {
	maxLength := cfg.MaxQueryLength
	if maxLength <= 0 {
		maxLength = 100_000
	}
	return &Detector{
		enabled:   cfg.EnableSQLInjectionDetection,
		maxLength: maxLength,
	}
}

// Scan rejects templates that match the catalogue. The length bound
// applies even with detection disabled.
func (d *Detector) Scan(query string) error {
	if len(query) > d.maxLength {
		return domain.E(domain.ErrSecurityViolation,
			"query length %d exceeds limit %d", len(query), d.maxLength)
	}
	if !d.enabled {
		return nil
	}
	if strings.TrimSpace(query) == "" {
		return domain.E(domain.ErrValidation, "empty query")
	}

	stripped := engine.StripLiterals(query)
	for _, p := range injectionCatalogue {
		text := query
		if p.target == scanStripped {
			text = stripped
		}
		if p.re.MatchString(text) {
			return domain.E(domain.ErrSecurityViolation,
				"query matches injection pattern %s", p.name)
		}
	}
	return nil
}
