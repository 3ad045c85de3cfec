package engine

import (
	"strings"
	"testing"

	"github.com/opensource-db/kestrel/internal/domain"
)

func TestRebindDollarNumber(t *testing.T) {
	d := postgresDialect()
	cases := []struct {
		name  string
		query string
		want  string
	}{
		{
			"simple",
			"SELECT * FROM users WHERE id = ? AND age > ?",
			"SELECT * FROM users WHERE id = $1 AND age > $2",
		},
		{
			"question mark inside string literal untouched",
			"SELECT * FROM notes WHERE body = 'what?' AND id = ?",
			"SELECT * FROM notes WHERE body = 'what?' AND id = $1",
		},
		{
			"question mark inside comment untouched",
			"SELECT id FROM t -- why?\nWHERE id = ?",
			"SELECT id FROM t -- why?\nWHERE id = $1",
		},
		{
			"block comment untouched",
			"SELECT /* ? */ id FROM t WHERE id = ?",
			"SELECT /* ? */ id FROM t WHERE id = $1",
		},
		{
			"no placeholders",
			"SELECT 1",
			"SELECT 1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := d.rebind(tc.query); got != tc.want {
				t.Errorf("rebind(%q) = %q, want %q", tc.query, got, tc.want)
			}
		})
	}
}

func TestRebindQuestionMarkIsIdentity(t *testing.T) {
	d := sqliteDialect()
	q := "INSERT INTO t (a, b) VALUES (?, ?)"
	if got := d.rebind(q); got != q {
		t.Errorf("question-mark dialect must not rewrite, got %q", got)
	}
}

func TestCountParams(t *testing.T) {
	sqlite := sqliteDialect()
	pg := postgresDialect()

	cases := []struct {
		name  string
		d     dialect
		query string
		want  int
	}{
		{"two marks", sqlite, "SELECT * FROM t WHERE a = ? AND b = ?", 2},
		{"mark in literal ignored", sqlite, "SELECT * FROM t WHERE a = '?' AND b = ?", 1},
		{"mark in comment ignored", sqlite, "SELECT ? -- trailing ?", 1},
		{"dollar style counted", pg, "SELECT * FROM t WHERE a = $1 AND b = $2", 2},
		{"dollar reuse counts highest", pg, "SELECT * FROM t WHERE a = $1 OR b = $1", 1},
		{"none", sqlite, "SELECT 1", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.d.countParams(tc.query); got != tc.want {
				t.Errorf("countParams(%q) = %d, want %d", tc.query, got, tc.want)
			}
		})
	}
}

func TestStripLiterals(t *testing.T) {
	got := StripLiterals("SELECT name FROM users WHERE note = 'x -- not a comment' -- real comment")
	if strings.Contains(got, "not a comment") {
		t.Errorf("string literal leaked through: %q", got)
	}
	if strings.Contains(got, "real comment") {
		t.Errorf("comment leaked through: %q", got)
	}
	if !strings.Contains(got, "SELECT name FROM users") {
		t.Errorf("bare SQL lost: %q", got)
	}
}

func TestStripLiteralsEscapedQuote(t *testing.T) {
	got := StripLiterals("SELECT 'it''s quoted' AS v, id FROM t")
	if strings.Contains(got, "quoted") {
		t.Errorf("escaped-quote literal leaked through: %q", got)
	}
	if !strings.Contains(got, "AS v, id FROM t") {
		t.Errorf("SQL after literal lost: %q", got)
	}
}

func TestSavepointName(t *testing.T) {
	valid := []string{"sp1", "_mark", "Checkpoint_2"}
	for _, name := range valid {
		if _, err := savepointName(name); err != nil {
			t.Errorf("savepointName(%q) rejected: %v", name, err)
		}
	}

	invalid := []string{"", "1sp", "sp; DROP TABLE users", "sp'x", strings.Repeat("a", 64)}
	for _, name := range invalid {
		_, err := savepointName(name)
		if err == nil {
			t.Errorf("savepointName(%q) accepted", name)
			continue
		}
		if domain.KindOf(err) != domain.ErrValidation {
			t.Errorf("savepointName(%q): expected validation_error, got %v", name, domain.KindOf(err))
		}
	}
}

func TestSQLIsolationMapping(t *testing.T) {
	pg := postgresDialect()
	if pg.sqlIsolation(domain.ReadCommitted).String() != "Read Committed" {
		t.Error("postgres must honor the requested level")
	}

	lite := sqliteDialect()
	if got := lite.sqlIsolation(domain.ReadCommitted); got.String() != "Default" {
		t.Errorf("sqlite must fall back to the driver default, got %v", got)
	}
}
