package security

import (
	"testing"

	"github.com/opensource-db/kestrel/internal/domain"
)

func TestClassifySQL(t *testing.T) {
	cases := []struct {
		name   string
		query  string
		action domain.Action
		target string
	}{
		{"select", "SELECT name FROM users WHERE id = ?", domain.ActionRead, "users"},
		{"select qualified", "SELECT * FROM public.orders", domain.ActionRead, "orders"},
		{"cte", "WITH recent AS (SELECT 1) SELECT * FROM recent", domain.ActionRead, "recent"},
		{"insert", "INSERT INTO orders (id) VALUES (?)", domain.ActionWrite, "orders"},
		{"update", "UPDATE accounts SET balance = ? WHERE id = ?", domain.ActionWrite, "accounts"},
		{"delete", "DELETE FROM sessions WHERE expired = 1", domain.ActionDelete, "sessions"},
		{"create", "CREATE TABLE archive (id INTEGER)", domain.ActionAdmin, "archive"},
		{"drop", "DROP TABLE archive", domain.ActionAdmin, "archive"},
		{"bare update", "UPDATE", domain.ActionWrite, ""},
		{"unknown verb", "MERGE INTO t USING s", domain.ActionAdmin, ""},
		{"empty", "", domain.ActionAdmin, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := Classify(domain.EnginePostgres, tc.query)
			if st.Action != tc.action {
				t.Errorf("action = %v, want %v", st.Action, tc.action)
			}
			if st.Target != tc.target {
				t.Errorf("target = %q, want %q", st.Target, tc.target)
			}
		})
	}
}

func TestClassifyRedis(t *testing.T) {
	cases := []struct {
		query  string
		action domain.Action
		target string
	}{
		{"GET user:1", domain.ActionRead, "user:1"},
		{"SET user:1 ?", domain.ActionWrite, "user:1"},
		{"DEL user:1", domain.ActionDelete, "user:1"},
		{"FLUSHALL", domain.ActionAdmin, ""},
		{"GET ?", domain.ActionRead, ""},
	}
	for _, tc := range cases {
		st := Classify(domain.EngineRedis, tc.query)
		if st.Action != tc.action || st.Target != tc.target {
			t.Errorf("Classify(%q) = %+v, want %v/%q", tc.query, st, tc.action, tc.target)
		}
	}
}

func TestClassifyMongo(t *testing.T) {
	cases := []struct {
		query  string
		action domain.Action
		target string
	}{
		{`{"find": "users", "filter": {}}`, domain.ActionRead, "users"},
		{`{"insert": "orders", "documents": []}`, domain.ActionWrite, "orders"},
		{`{"delete": "sessions", "deletes": []}`, domain.ActionDelete, "sessions"},
		{`{"dropDatabase": 1}`, domain.ActionAdmin, ""},
		{`not json`, domain.ActionAdmin, ""},
	}
	for _, tc := range cases {
		st := Classify(domain.EngineMongo, tc.query)
		if st.Action != tc.action || st.Target != tc.target {
			t.Errorf("Classify(%q) = %+v, want %v/%q", tc.query, st, tc.action, tc.target)
		}
	}
}

func TestRedactStripsLiterals(t *testing.T) {
	got := Redact("SELECT * FROM users WHERE ssn = '123-45-6789' AND name = 'O''Brien'")
	want := "SELECT * FROM users WHERE ssn = '?' AND name = '?'"
	if got != want {
		t.Errorf("Redact = %q, want %q", got, want)
	}
}

func TestComplexityScore(t *testing.T) {
	if got := complexityScore("SELECT * FROM t"); got != 0 {
		t.Errorf("flat select scored %d", got)
	}
	q := "SELECT * FROM a JOIN b ON a.id = b.id WHERE a.x IN (SELECT x FROM c) UNION SELECT * FROM d"
	if got := complexityScore(q); got < 3 {
		t.Errorf("structural query scored %d, expected at least 3", got)
	}
}
