package engine

import (
	"database/sql"
	"regexp"
	"strconv"
	"strings"

	"github.com/opensource-db/kestrel/internal/domain"
)

// dialect captures the per-backend SQL quirks: placeholder style,
// isolation support, last-insert-id behavior and introspection
// queries.
type dialect struct {
	typ            domain.EngineType
	placeholder    placeholderStyle
	lastInsertID   bool
	defaultTxLevel bool // engine ignores requested isolation on BEGIN
	features       domain.Features

	listTablesSQL string
	columnsSQL    string // one ? placeholder: table name
	indexesSQL    string // one ? placeholder: table name
}

type placeholderStyle int

const (
	questionMark placeholderStyle = iota // ?     (mysql, sqlite)
	dollarNumber                         // $1..n (postgres)
)

// rebind converts ? placeholders to the dialect's native style.
// Placeholders inside string literals and comments are left alone.
func (d dialect) rebind(query string) string {
	if d.placeholder == questionMark {
		return query
	}
	var out strings.Builder
	n := 1
	for _, seg := range splitLiterals(query) {
		if seg.literal {
			out.WriteString(seg.text)
			continue
		}
		for i := 0; i < len(seg.text); i++ {
			if seg.text[i] == '?' {
				out.WriteByte('$')
				out.WriteString(strconv.Itoa(n))
				n++
			} else {
				out.WriteByte(seg.text[i])
			}
		}
	}
	return out.String()
}

// countParams records the expected parameter count at prepare time so
// query/execute can reject mismatches before touching the network.
func (d dialect) countParams(query string) int {
	max := 0
	count := 0
	for _, seg := range splitLiterals(query) {
		if seg.literal {
			continue
		}
		count += strings.Count(seg.text, "?")
		for _, m := range dollarParamRe.FindAllString(seg.text, -1) {
			if n, err := strconv.Atoi(m[1:]); err == nil && n > max {
				max = n
			}
		}
	}
	if d.placeholder == dollarNumber && max > count {
		return max
	}
	return count
}

var dollarParamRe = regexp.MustCompile(`\$([0-9]+)`)

// segment is a run of query text that is either a literal (string or
// comment) or plain SQL.
type segment struct {
	text    string
	literal bool
}

// splitLiterals walks the query once, separating single-quoted
// strings, double-quoted identifiers and comments from bare SQL so
// placeholder handling and injection scanning never fire inside
// literals.
func splitLiterals(query string) []segment {
	var segs []segment
	var cur strings.Builder
	flush := func(lit bool) {
		if cur.Len() > 0 {
			segs = append(segs, segment{text: cur.String(), literal: lit})
			cur.Reset()
		}
	}

	i := 0
	for i < len(query) {
		c := query[i]
		switch {
		case c == '\'' || c == '"':
			flush(false)
			quote := c
			cur.WriteByte(c)
			i++
			for i < len(query) {
				cur.WriteByte(query[i])
				if query[i] == quote {
					// Doubled quote is an escape.
					if i+1 < len(query) && query[i+1] == quote {
						i++
						cur.WriteByte(query[i])
					} else {
						i++
						break
					}
				}
				i++
			}
			flush(true)
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			flush(false)
			for i < len(query) && query[i] != '\n' {
				cur.WriteByte(query[i])
				i++
			}
			flush(true)
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			flush(false)
			cur.WriteString("/*")
			i += 2
			for i < len(query) {
				if query[i] == '*' && i+1 < len(query) && query[i+1] == '/' {
					cur.WriteString("*/")
					i += 2
					break
				}
				cur.WriteByte(query[i])
				i++
			}
			flush(true)
		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush(false)
	return segs
}

// StripLiterals returns the query with string literals and comments
// removed, for keyword scanning.
func StripLiterals(query string) string {
	var out strings.Builder
	for _, seg := range splitLiterals(query) {
		if !seg.literal {
			out.WriteString(seg.text)
		} else {
			out.WriteByte(' ')
		}
	}
	return out.String()
}

// sqlIsolation maps a granted level onto database/sql.
func (d dialect) sqlIsolation(level domain.IsolationLevel) sql.IsolationLevel {
	if d.defaultTxLevel {
		return sql.LevelDefault
	}
	switch level {
	case domain.Serializable:
		return sql.LevelSerializable
	case domain.RepeatableRead:
		return sql.LevelRepeatableRead
	case domain.ReadCommitted:
		return sql.LevelReadCommitted
	case domain.ReadUncommitted:
		return sql.LevelReadUncommitted
	default:
		return sql.LevelDefault
	}
}

// savepointName validates a savepoint identifier. Savepoint syntax
// cannot be parameterized, so only plain identifiers are accepted.
var savepointNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func savepointName(name string) (string, error) {
	if !savepointNameRe.MatchString(name) {
		return "", domain.E(domain.ErrValidation, "invalid savepoint name %q", name)
	}
	return name, nil
}

func postgresDialect() dialect {
	return dialect{
		typ:          domain.EnginePostgres,
		placeholder:  dollarNumber,
		lastInsertID: false,
		features: domain.Features{
			Transactions:       true,
			Savepoints:         true,
			PreparedStatements: true,
			JSONValues:         true,
			SchemaIntrospect:   true,
			Isolation: []domain.IsolationLevel{
				domain.Serializable, domain.RepeatableRead,
				domain.ReadCommitted, domain.ReadUncommitted,
			},
		},
		listTablesSQL: `SELECT table_name FROM information_schema.tables
			WHERE table_schema = 'public' AND table_type = 'BASE TABLE' ORDER BY table_name`,
		columnsSQL: `SELECT table_name, column_name, data_type, is_nullable = 'YES'
			FROM information_schema.columns
			WHERE table_schema = 'public' AND table_name = ? ORDER BY ordinal_position`,
		indexesSQL: `SELECT tablename, indexname, indexdef LIKE '%UNIQUE%'
			FROM pg_indexes WHERE schemaname = 'public' AND tablename = ? ORDER BY indexname`,
	}
}

func mysqlDialect() dialect {
	return dialect{
		typ:          domain.EngineMySQL,
		placeholder:  questionMark,
		lastInsertID: true,
		features: domain.Features{
			Transactions:       true,
			Savepoints:         true,
			PreparedStatements: true,
			JSONValues:         true,
			SchemaIntrospect:   true,
			Isolation: []domain.IsolationLevel{
				domain.Serializable, domain.RepeatableRead,
				domain.ReadCommitted, domain.ReadUncommitted,
			},
		},
		listTablesSQL: `SELECT table_name FROM information_schema.tables
			WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name`,
		columnsSQL: `SELECT table_name, column_name, data_type, is_nullable = 'YES'
			FROM information_schema.columns
			WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`,
		indexesSQL: `SELECT DISTINCT table_name, index_name, non_unique = 0
			FROM information_schema.statistics
			WHERE table_schema = DATABASE() AND table_name = ? ORDER BY index_name`,
	}
}

func sqliteDialect() dialect {
	return dialect{
		typ:            domain.EngineSQLite,
		placeholder:    questionMark,
		lastInsertID:   true,
		defaultTxLevel: true, // sqlite transactions are always serializable
		features: domain.Features{
			Transactions:       true,
			Savepoints:         true,
			PreparedStatements: true,
			JSONValues:         true,
			SchemaIntrospect:   true,
			Isolation:          []domain.IsolationLevel{domain.Serializable},
		},
		listTablesSQL: `SELECT name FROM sqlite_master
			WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
		columnsSQL: `SELECT m.name, p.name, p.type, p."notnull" = 0
			FROM sqlite_master m JOIN pragma_table_info(m.name) p
			WHERE m.type = 'table' AND m.name = ? ORDER BY p.cid`,
		indexesSQL: `SELECT m.name, il.name, il."unique" = 1
			FROM sqlite_master m JOIN pragma_index_list(m.name) il
			WHERE m.type = 'table' AND m.name = ? ORDER BY il.name`,
	}
}
