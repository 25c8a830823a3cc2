package store

import (
	"strings"

	"github.com/roach88/chora/internal/entity"
)

// listOrder is the ORDER BY of every entity listing. id breaks ties between
// rows with the same updated_at so pages never overlap.
const listOrder = "updated_at DESC, id COLLATE BINARY ASC"

// predicate is one parameterized condition on the entities table.
// Values are always bound, never interpolated.
type predicate struct {
	column string
	value  any
}

// filterPredicates turns the non-empty fields of f into predicates, in a
// fixed column order.
func filterPredicates(f entity.Filter) []predicate {
	var preds []predicate
	if f.Type != "" {
		preds = append(preds, predicate{column: "type", value: f.Type})
	}
	if f.Status != "" {
		preds = append(preds, predicate{column: "status", value: f.Status})
	}
	return preds
}

// compileWhere returns " WHERE a = ? AND b = ?" and its arguments, or an
// empty clause when preds is empty.
func compileWhere(preds []predicate) (string, []any) {
	if len(preds) == 0 {
		return "", nil
	}
	parts := make([]string, len(preds))
	args := make([]any, len(preds))
	for i, p := range preds {
		parts[i] = p.column + " = ?"
		args[i] = p.value
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// listQuery compiles a paged listing of entities matching f.
func listQuery(f entity.Filter, limit, offset int) (string, []any) {
	where, args := compileWhere(filterPredicates(f))
	query := "SELECT " + entityColumns + " FROM entities" + where +
		" ORDER BY " + listOrder + " LIMIT ? OFFSET ?"
	return query, append(args, limit, offset)
}

// countQuery compiles a count of entities matching f.
func countQuery(f entity.Filter) (string, []any) {
	where, args := compileWhere(filterPredicates(f))
	return "SELECT COUNT(*) FROM entities" + where, args
}
