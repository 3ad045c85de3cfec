package security

import (
	"strings"
	"testing"

	"github.com/opensource-db/kestrel/internal/domain"
)

func newTestDetector() *Detector {
	return NewDetector(domain.SecurityConfig{
		EnableSQLInjectionDetection: true,
		MaxQueryLength:              10_000,
	})
}

func TestDetectorRejectsHostileTemplates(t *testing.T) {
	d := newTestDetector()
	hostile := []struct {
		name  string
		query string
	}{
		{"tautology", "SELECT * FROM users WHERE name = '' OR '1'='1'"},
		{"numeric tautology", "SELECT * FROM users WHERE id = 1 OR 1=1"},
		{"union probe", "SELECT name FROM users UNION SELECT password FROM credentials"},
		{"stacked drop", "SELECT 1; DROP TABLE users"},
		{"comment truncation", "SELECT * FROM users WHERE name = 'x' --"},
		{"time based", "SELECT * FROM users WHERE id = 1 AND sleep(5)"},
		{"pg time based", "SELECT pg_sleep(10)"},
		{"hex evasion", "SELECT 0xdeadbeef12"},
		{"url encoded quote", "SELECT * FROM users WHERE name = %27admin%27"},
		{"outfile exfiltration", "SELECT password FROM users INTO OUTFILE '/tmp/x'"},
	}
	for _, tc := range hostile {
		t.Run(tc.name, func(t *testing.T) {
			err := d.Scan(tc.query)
			if err == nil {
				t.Fatalf("template accepted: %q", tc.query)
			}
			if domain.KindOf(err) != domain.ErrSecurityViolation {
				t.Errorf("expected security_violation, got %v", domain.KindOf(err))
			}
		})
	}
}

func TestDetectorAcceptsParameterizedTemplates(t *testing.T) {
	d := newTestDetector()
	legal := []struct {
		name  string
		query string
	}{
		{"parameterized select", "SELECT name FROM users WHERE id = ?"},
		{"parameterized insert", "INSERT INTO orders (user_id, total) VALUES (?, ?)"},
		{"join", "SELECT u.name, o.total FROM users u JOIN orders o ON o.user_id = u.id WHERE u.id = ?"},
		{"keyword inside literal", "SELECT * FROM articles WHERE title = 'union select explained'"},
		{"legit or clause", "SELECT * FROM users WHERE age > ? OR verified = ?"},
		{"ddl", "CREATE TABLE audit_log (id INTEGER PRIMARY KEY, entry TEXT)"},
	}
	for _, tc := range legal {
		t.Run(tc.name, func(t *testing.T) {
			if err := d.Scan(tc.query); err != nil {
				t.Errorf("template rejected: %q: %v", tc.query, err)
			}
		})
	}
}

func TestDetectorLengthBoundAppliesWhenDisabled(t *testing.T) {
	d := NewDetector(domain.SecurityConfig{
		EnableSQLInjectionDetection: false,
		MaxQueryLength:              32,
	})

	// Patterns are off, so a hostile but short template passes.
	if err := d.Scan("SELECT 1 OR 1=1"); err != nil {
		t.Errorf("disabled detector must not pattern-match: %v", err)
	}

	long := "SELECT '" + strings.Repeat("a", 64) + "'"
	err := d.Scan(long)
	if domain.KindOf(err) != domain.ErrSecurityViolation {
		t.Errorf("length bound must hold regardless, got %v", err)
	}
}

func TestDetectorRejectsEmptyQuery(t *testing.T) {
	d := newTestDetector()
	if err := d.Scan("   "); domain.KindOf(err) != domain.ErrValidation {
		t.Errorf("expected validation_error for blank template, got %v", err)
	}
}
