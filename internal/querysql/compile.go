// Package querysql compiles record queries into parameterized SQLite
// predicates over the JSON data column of the records table.
//
// A record query is a subset match: every field of the query must be
// present in the record with a deeply equal value. Scalar fields compile
// to exact predicates; object and array fields compile to a type check
// only, so callers must re-check candidates with ir.IsSubset.
//
// All values are parameters, never interpolated. Every query orders by
// key with COLLATE BINARY so results are deterministic.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/ccmrt/internal/ir"
)

// Compiled is a compiled query.
type Compiled struct {
	SQL    string
	Params []any
	// Exact is true when the SQL alone decides the match and no Go-side
	// re-check is needed.
	Exact bool
}

// Compile builds a SELECT over records of (db, store) matching query.
// A nil or empty query selects every record.
func Compile(db, store string, query ir.IRObject) (Compiled, error) {
	var (
		where  = []string{"db = ?", "store = ?"}
		params = []any{db, store}
		exact  = true
	)

	for _, field := range query.SortedKeys() {
		path := jsonPath(field)
		switch v := query[field].(type) {
		case ir.IRString:
			where = append(where, "json_type(data, ?) = 'text' AND json_extract(data, ?) = ?")
			params = append(params, path, path, string(v))
		case ir.IRInt:
			where = append(where, "json_type(data, ?) = 'integer' AND json_extract(data, ?) = ?")
			params = append(params, path, path, int64(v))
		case ir.IRBool:
			where = append(where, "json_type(data, ?) = ?")
			params = append(params, path, boolType(bool(v)))
		case ir.IRNull:
			where = append(where, "json_type(data, ?) = 'null'")
			params = append(params, path)
		case ir.IRArray:
			where = append(where, "json_type(data, ?) = 'array'")
			params = append(params, path)
			exact = false
		case ir.IRObject:
			where = append(where, "json_type(data, ?) = 'object'")
			params = append(params, path)
			exact = false
		default:
			return Compiled{}, fmt.Errorf("query field %q: unsupported value %T", field, v)
		}
	}

	sql := "SELECT data FROM records WHERE " + strings.Join(where, " AND ") +
		" ORDER BY key COLLATE BINARY ASC"
	return Compiled{SQL: sql, Params: params, Exact: exact}, nil
}

// jsonPath quotes a top-level field name as a SQLite JSON path. Dotted
// query fields address a field literally named with a dot.
func jsonPath(field string) string {
	return `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
}

func boolType(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
