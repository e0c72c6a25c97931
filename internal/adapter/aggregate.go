package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/koba/pgobjects/internal/apierror"
	"github.com/koba/pgobjects/internal/database"
	"github.com/koba/pgobjects/internal/generator"
	"github.com/koba/pgobjects/internal/schema"
	"github.com/koba/pgobjects/internal/where"
	"github.com/koba/pgobjects/internal/wire"
)

var dateParts = map[string]string{
	"$dayOfMonth":   "DAY",
	"$dayOfWeek":    "DOW",
	"$dayOfYear":    "DOY",
	"$isoDayOfWeek": "ISODOW",
	"$isoWeekYear":  "ISOYEAR",
	"$hour":         "HOUR",
	"$minute":       "MINUTE",
	"$second":       "SECOND",
	"$millisecond":  "MILLISECONDS",
	"$month":        "MONTH",
	"$week":         "WEEK",
	"$year":         "YEAR",
}

var accumulators = []struct{ op, fn string }{
	{"$max", "MAX"},
	{"$min", "MIN"},
	{"$avg", "AVG"},
	{"$push", "json_agg"},
}

type pipeline struct {
	schema  schema.Schema
	args    *generator.Args
	sel     generator.Select
	columns []string
	groupBy []string

	groupAliases []string
	counts       []string
	pushed       []string
	aggregated   bool
}

// Aggregate runs a pipeline of $match, $group, $project, $sort, $limit and
// $skip stages as one statement.
func (a *Adapter) Aggregate(ctx context.Context, className string, s schema.Schema, stages []wire.Document, explain bool) (results []wire.Document, err error) {
	defer func(start time.Time) { a.observe("aggregate", start, err) }(time.Now())
	a.log.Debugw("aggregate", "className", className, "stages", len(stages))

	p := &pipeline{schema: schema.Normalize(s), args: generator.NewArgs(1), sel: generator.Select{Table: className}}
	for _, stage := range stages {
		for _, e := range stage {
			if err := p.stage(e.Key, e.Value); err != nil {
				return nil, err
			}
		}
	}
	p.sel.Columns = strings.Join(p.columns, ", ")
	p.sel.GroupBy = strings.Join(p.groupBy, ", ")

	stmt := p.sel.String()
	if explain {
		return a.explain(ctx, stmt, p.args.Values())
	}
	rows, err := a.query(ctx, stmt, p.args.Values())
	if database.Is(err, database.RelationMissing) {
		return []wire.Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", className, err)
	}
	return p.decode(rows)
}

func (p *pipeline) stage(name string, raw any) error {
	if name == "$limit" || name == "$skip" {
		n, ok := wire.ToFloat(raw)
		if !ok {
			return apierror.New(apierror.InvalidQuery, "%s must be a number", name)
		}
		if name == "$limit" {
			p.sel.Limit = p.args.Add(int64(n))
		} else {
			p.sel.Offset = p.args.Add(int64(n))
		}
		return nil
	}

	doc, ok := wire.AsDocument(raw)
	if !ok {
		return apierror.New(apierror.InvalidQuery, "%s must be an object", name)
	}
	switch name {
	case "$match":
		return p.match(doc)
	case "$group":
		return p.group(doc)
	case "$project":
		p.project(doc)
	case "$sort":
		p.sort(doc)
	default:
		return apierror.New(apierror.InvalidQuery, "unsupported aggregate stage %s", name)
	}
	return nil
}

// aggregateField turns a "$field" reference into a column name.
func aggregateField(v any) string {
	s, _ := v.(string)
	s = strings.TrimPrefix(s, "$")
	switch s {
	case "_created_at":
		return schema.CreatedAt
	case "_updated_at":
		return schema.UpdatedAt
	case "_id":
		return schema.ObjectIDField
	}
	return s
}

func (p *pipeline) match(doc wire.Document) error {
	renamed := make(wire.Document, 0, len(doc))
	for _, e := range doc {
		key := e.Key
		if key == "_id" {
			key = schema.ObjectIDField
		}
		renamed = append(renamed, wire.Entry{Key: key, Value: e.Value})
	}
	w, err := where.Build(p.schema, renamed, p.args, where.Options{})
	if err != nil {
		return err
	}
	if w.Pattern == "" {
		return nil
	}
	if p.sel.Where != "" {
		p.sel.Where = fmt.Sprintf("(%s) AND (%s)", p.sel.Where, w.Pattern)
		return nil
	}
	p.sel.Where = w.Pattern
	return nil
}

func (p *pipeline) group(doc wire.Document) error {
	for _, e := range doc {
		if e.Key == "_id" {
			if err := p.groupID(e.Value); err != nil {
				return err
			}
			continue
		}
		acc, ok := wire.AsDocument(e.Value)
		if !ok || len(acc) != 1 {
			return apierror.New(apierror.InvalidQuery, "bad accumulator for %s", e.Key)
		}
		if err := p.accumulate(e.Key, acc[0].Key, acc[0].Value); err != nil {
			return err
		}
	}
	return nil
}

func (p *pipeline) groupID(v any) error {
	switch id := v.(type) {
	case nil:
		return nil
	case string:
		col := generator.Ident(aggregateField(id))
		p.columns = append(p.columns, col+" AS "+generator.Ident(schema.ObjectIDField))
		p.groupBy = append(p.groupBy, col)
		return nil
	}
	id, ok := wire.AsDocument(v)
	if !ok {
		return apierror.New(apierror.InvalidQuery, "bad $group _id")
	}
	for _, e := range id {
		var expr string
		if src, ok := e.Value.(string); ok {
			expr = generator.Ident(aggregateField(src))
		} else {
			op, ok := wire.AsDocument(e.Value)
			if !ok || len(op) != 1 {
				return apierror.New(apierror.InvalidQuery, "bad $group _id field %s", e.Key)
			}
			part, ok := dateParts[op[0].Key]
			if !ok {
				return apierror.New(apierror.InvalidQuery, "unsupported date operator %s", op[0].Key)
			}
			expr = fmt.Sprintf("EXTRACT(%s FROM %s AT TIME ZONE 'UTC')::integer", part, generator.Ident(aggregateField(op[0].Value)))
		}
		p.columns = append(p.columns, expr+" AS "+generator.Ident(e.Key))
		p.groupBy = append(p.groupBy, expr)
		p.groupAliases = append(p.groupAliases, e.Key)
	}
	return nil
}

func (p *pipeline) accumulate(alias, op string, v any) error {
	as := " AS " + generator.Ident(alias)
	p.aggregated = true
	if op == "$sum" {
		if _, ok := v.(string); ok {
			p.columns = append(p.columns, "SUM("+generator.Ident(aggregateField(v))+")"+as)
			return nil
		}
		n, ok := wire.ToFloat(v)
		if !ok {
			return apierror.New(apierror.InvalidQuery, "bad $sum for %s", alias)
		}
		expr := "COUNT(*)"
		if n != 1 {
			expr = fmt.Sprintf("COUNT(*) * %s", p.args.Add(n))
		}
		p.columns = append(p.columns, expr+as)
		p.counts = append(p.counts, alias)
		return nil
	}
	for _, acc := range accumulators {
		if acc.op == op {
			p.columns = append(p.columns, acc.fn+"("+generator.Ident(aggregateField(v))+")"+as)
			if op == "$push" {
				p.pushed = append(p.pushed, alias)
			}
			return nil
		}
	}
	return apierror.New(apierror.InvalidQuery, "unsupported accumulator %s", op)
}

func (p *pipeline) project(doc wire.Document) {
	var columns []string
	for _, e := range doc {
		if e.Value == true {
			columns = append(columns, generator.Ident(e.Key))
			continue
		}
		if n, ok := wire.ToFloat(e.Value); ok && n == 1 {
			columns = append(columns, generator.Ident(e.Key))
		}
	}
	if p.grouped() {
		p.columns = append(p.columns, columns...)
		return
	}
	p.columns = columns
}

func (p *pipeline) sort(doc wire.Document) {
	renamed := make(wire.Document, 0, len(doc))
	for _, e := range doc {
		key := e.Key
		if key == "_id" {
			key = schema.ObjectIDField
		}
		renamed = append(renamed, wire.Entry{Key: key, Value: e.Value})
	}
	p.sel.OrderBy = sortClause(renamed)
}

func (p *pipeline) grouped() bool {
	return len(p.groupBy) > 0 || p.aggregated
}

func (p *pipeline) decode(rows []schema.Row) ([]wire.Document, error) {
	s := p.schema
	if p.grouped() {
		s = schema.Schema{ClassName: p.schema.ClassName, Fields: map[string]schema.Field{}}
		for name, f := range p.schema.Fields {
			if f.Type != schema.TypeRelation {
				s.Fields[name] = f
			}
		}
	}
	out := make([]wire.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := wire.DecodeRow(s, row)
		if err != nil {
			return nil, err
		}
		for _, name := range p.pushed {
			if text, ok := row[name].(string); ok {
				list, err := wire.ParseValue([]byte(text))
				if err != nil {
					return nil, fmt.Errorf("failed to decode %s: %w", name, err)
				}
				doc.Set(name, list)
			}
		}
		for _, name := range p.counts {
			if n, ok := wire.ToFloat(row[name]); ok {
				doc.Set(name, int64(n))
			}
		}
		if len(p.groupAliases) > 0 {
			id := wire.Document{}
			for _, alias := range p.groupAliases {
				v, _ := doc.Get(alias)
				id = append(id, wire.Entry{Key: alias, Value: v})
				doc.Delete(alias)
			}
			doc.Set(schema.ObjectIDField, id)
		} else if !doc.Has(schema.ObjectIDField) {
			doc.Set(schema.ObjectIDField, nil)
		}
		out = append(out, doc)
	}
	return out, nil
}
