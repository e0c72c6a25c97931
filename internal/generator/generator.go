// Package generator assembles Postgres statement text. Identifiers are quoted
// inline; every value goes through Args as a positional parameter.
package generator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// Args collects bind values and hands out their positional placeholders.
// One Args is threaded through a whole statement so placeholder numbers
// stay unique across nested clauses.
type Args struct {
	start  int
	values []any
}

// NewArgs starts numbering placeholders at start.
func NewArgs(start int) *Args {
	if start < 1 {
		start = 1
	}
	return &Args{start: start}
}

// Add binds v and returns its placeholder.
func (a *Args) Add(v any) string {
	a.values = append(a.values, v)
	return "$" + strconv.Itoa(a.start+len(a.values)-1)
}

// Next is the index the next Add will use.
func (a *Args) Next() int { return a.start + len(a.values) }

// Len is the number of bound values.
func (a *Args) Len() int { return len(a.values) }

// Values returns the bound values in placeholder order.
func (a *Args) Values() []any { return a.values }

// Ident quotes a table or column name.
func Ident(name string) string {
	return pq.QuoteIdentifier(name)
}

// Idents quotes each name.
func Idents(names []string) []string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = Ident(name)
	}
	return quoted
}

// Literal quotes a string constant such as a JSON key in a path expression.
func Literal(s string) string {
	return pq.QuoteLiteral(s)
}

// JSONPath renders a dotted field as a jsonb path. The last hop uses ->> when
// text is wanted.
func JSONPath(field string, asText bool) string {
	parts := strings.Split(field, ".")
	var b strings.Builder
	b.WriteString(Ident(parts[0]))
	for i, p := range parts[1:] {
		if asText && i == len(parts)-2 {
			b.WriteString("->>")
		} else {
			b.WriteString("->")
		}
		b.WriteString(Literal(p))
	}
	return b.String()
}

// Script joins statements into a runnable script, one per line.
func Script(statements []string) string {
	var lines []string
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s;", strings.TrimSuffix(stmt, ";")))
	}
	return strings.Join(lines, "\n")
}
