package engine

import (
	"database/sql"
	"strings"
	"time"

	"github.com/opensource-db/kestrel/internal/domain"
)

// driverArgs performs the total mapping from neutral Values to the
// engine's native wire types. Conversion failure is an
// unsupported_operation, never a silent string fallback.
func driverArgs(typ domain.EngineType, features domain.Features, params []domain.Value) ([]any, error) {
	args := make([]any, len(params))
	for i, p := range params {
		a, err := driverArg(typ, features, p)
		if err != nil {
			return nil, domain.Wrap(domain.ErrUnsupported, err, "parameter %d", i+1)
		}
		args[i] = a
	}
	return args, nil
}

func driverArg(typ domain.EngineType, features domain.Features, v domain.Value) (any, error) {
	switch v.Kind() {
	case domain.KindNull:
		return nil, nil
	case domain.KindBool:
		b, _ := v.AsBool()
		if typ == domain.EngineSQLite || typ == domain.EngineMySQL {
			// Both store booleans as integers.
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return b, nil
	case domain.KindInt64:
		i, _ := v.AsInt64()
		return i, nil
	case domain.KindFloat64:
		f, _ := v.AsFloat64()
		return f, nil
	case domain.KindString:
		s, _ := v.AsString()
		return s, nil
	case domain.KindBinary:
		b, _ := v.AsBinary()
		return b, nil
	case domain.KindJSON:
		if !features.JSONValues {
			return nil, domain.E(domain.ErrUnsupported, "engine %s does not support json values", typ)
		}
		j, _ := v.AsJSON()
		return string(j), nil
	case domain.KindDateTime:
		t, _ := v.AsDateTime()
		if typ == domain.EngineSQLite {
			return t.Format(time.RFC3339Nano), nil
		}
		return t, nil
	default:
		return nil, domain.E(domain.ErrUnsupported, "unknown value kind %s", v.Kind())
	}
}

// scanRows materializes a database/sql row set into neutral Values,
// steering text-ish columns to String and json columns to Json by
// database type name.
func scanRows(rows *sql.Rows) (*domain.QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	res := &domain.QueryResult{Columns: cols, Rows: [][]domain.Value{}}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make([]domain.Value, len(cols))
		for i, rv := range raw {
			v, err := neutralValue(rv, types[i].DatabaseTypeName())
			if err != nil {
				return nil, err
			}
			row[i] = v
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowCount = len(res.Rows)
	return res, nil
}

func neutralValue(raw any, dbType string) (domain.Value, error) {
	if b, ok := raw.([]byte); ok {
		switch {
		case isJSONType(dbType):
			return domain.JSON(append([]byte(nil), b...)), nil
		case isTextType(dbType):
			return domain.String(string(b)), nil
		}
	}
	if s, ok := raw.(string); ok && isJSONType(dbType) {
		return domain.JSON([]byte(s)), nil
	}
	return domain.FromNative(raw)
}

func isJSONType(dbType string) bool {
	switch strings.ToUpper(dbType) {
	case "JSON", "JSONB":
		return true
	}
	return false
}

func isTextType(dbType string) bool {
	up := strings.ToUpper(dbType)
	switch {
	case strings.Contains(up, "CHAR"), strings.Contains(up, "TEXT"),
		up == "UUID", up == "NAME", up == "ENUM", up == "SET",
		strings.Contains(up, "DECIMAL"), strings.Contains(up, "NUMERIC"):
		return true
	}
	return false
}
