package generator

import (
	"fmt"
	"strings"
)

// Select describes a SELECT over one class table
type Select struct {
	Columns string
	Table   string
	Where   string
	OrderBy string
	Limit   string
	Offset  string
	GroupBy string
}

// String renders the statement, leaving out empty clauses
func (s Select) String() string {
	columns := s.Columns
	if columns == "" {
		columns = "*"
	}
	parts := []string{"SELECT", columns, "FROM", Ident(s.Table)}
	if s.Where != "" {
		parts = append(parts, "WHERE", s.Where)
	}
	if s.GroupBy != "" {
		parts = append(parts, "GROUP BY", s.GroupBy)
	}
	if s.OrderBy != "" {
		parts = append(parts, "ORDER BY", s.OrderBy)
	}
	if s.Limit != "" {
		parts = append(parts, "LIMIT", s.Limit)
	}
	if s.Offset != "" {
		parts = append(parts, "OFFSET", s.Offset)
	}
	return strings.Join(parts, " ")
}

// Insert renders an INSERT of already-placeholdered values
func Insert(table string, columns, values []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		Ident(table),
		strings.Join(Idents(columns), ", "),
		strings.Join(values, ", "),
	)
}

// Update renders an UPDATE returning the changed rows
func Update(table string, sets []string, where string) string {
	stmt := fmt.Sprintf("UPDATE %s SET %s", Ident(table), strings.Join(sets, ", "))
	if where != "" {
		stmt += " WHERE " + where
	}
	return stmt + " RETURNING *"
}

// DeleteCount deletes matching rows and selects how many went away
func DeleteCount(table, where string) string {
	if where == "" {
		where = "TRUE"
	}
	return fmt.Sprintf("WITH deleted AS (DELETE FROM %s WHERE %s RETURNING *) SELECT count(*) FROM deleted", Ident(table), where)
}

// Explain wraps a query so Postgres reports its plan instead of rows
func Explain(query string) string {
	return "EXPLAIN (ANALYZE, FORMAT JSON) " + query
}
