package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/koba/pgobjects/internal/database"
	"github.com/koba/pgobjects/internal/generator"
	"github.com/koba/pgobjects/internal/schema"
	"github.com/koba/pgobjects/internal/where"
	"github.com/koba/pgobjects/internal/wire"
)

// FindOptions shape a Find.
type FindOptions struct {
	Skip int
	// Limit caps the result size when set.
	Limit *int
	// Sort maps field names, dotted paths allowed, to 1 or -1.
	Sort wire.Document
	// Keys restricts the selected columns. "ACL" selects both permission
	// arrays and "$score" the text search rank.
	Keys            []string
	CaseInsensitive bool
	Explain         bool
}

// Find returns the objects of className matching query. A missing class
// table yields no objects.
func (a *Adapter) Find(ctx context.Context, className string, s schema.Schema, query wire.Document, opts FindOptions) (objects []wire.Document, err error) {
	defer func(start time.Time) { a.observe("find", start, err) }(time.Now())
	a.log.Debugw("find", "className", className)
	s = schema.Normalize(s)

	args := generator.NewArgs(1)
	w, err := where.Build(s, query, args, where.Options{CaseInsensitive: opts.CaseInsensitive})
	if err != nil {
		return nil, err
	}
	sel := generator.Select{
		Columns: findColumns(s, opts.Keys, w.Text),
		Table:   className,
		Where:   w.Pattern,
		OrderBy: sortClause(opts.Sort),
	}
	if len(w.Sorts) > 0 {
		sel.OrderBy = strings.Join(w.Sorts, ", ")
	}
	if opts.Limit != nil {
		sel.Limit = args.Add(*opts.Limit)
	}
	if opts.Skip > 0 {
		sel.Offset = args.Add(opts.Skip)
	}

	stmt := sel.String()
	if opts.Explain {
		return a.explain(ctx, stmt, args.Values())
	}
	rows, err := a.query(ctx, stmt, args.Values())
	if database.Is(err, database.RelationMissing) {
		return []wire.Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", className, err)
	}
	return decodeRows(s, rows)
}

func (a *Adapter) query(ctx context.Context, stmt string, values []any) ([]schema.Row, error) {
	rows, err := a.db.DB().QueryContext(ctx, stmt, values...)
	if err != nil {
		return nil, err
	}
	return database.ScanRows(rows)
}

func (a *Adapter) explain(ctx context.Context, stmt string, values []any) ([]wire.Document, error) {
	rows, err := a.query(ctx, generator.Explain(stmt), values)
	if err != nil {
		return nil, fmt.Errorf("explain: %w", err)
	}
	out := make([]wire.Document, 0, len(rows))
	for _, row := range rows {
		doc := wire.Document{}
		for col, raw := range row {
			if text, ok := raw.(string); ok {
				if plan, err := wire.ParseValue([]byte(text)); err == nil {
					raw = plan
				}
			}
			doc.Set(col, raw)
		}
		out = append(out, doc)
	}
	return out, nil
}

func decodeRows(s schema.Schema, rows []schema.Row) ([]wire.Document, error) {
	out := make([]wire.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := wire.DecodeRow(s, row)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func findColumns(s schema.Schema, keys []string, text *where.TextSearch) string {
	if len(keys) == 0 {
		return "*"
	}
	var columns []string
	for _, key := range keys {
		switch {
		case key == "ACL":
			columns = append(columns, generator.Ident(schema.ReadPerm), generator.Ident(schema.WritePerm))
		case key == "$score":
			if text != nil {
				columns = append(columns, fmt.Sprintf("ts_rank_cd(to_tsvector(%s, %s), to_tsquery(%s, %s), 32) AS score",
					text.Language, generator.Ident(text.Field), text.Language, text.Term))
			}
		default:
			if f, ok := s.Fields[key]; ok && f.Type != schema.TypeRelation {
				columns = append(columns, generator.Ident(key))
			}
		}
	}
	if len(columns) == 0 {
		return "*"
	}
	return strings.Join(columns, ", ")
}

func sortClause(sort wire.Document) string {
	var parts []string
	for _, e := range sort {
		col := generator.Ident(e.Key)
		if strings.Contains(e.Key, ".") {
			col = generator.JSONPath(e.Key, false)
		}
		dir := "DESC"
		if n, ok := wire.ToFloat(e.Value); ok && n == 1 {
			dir = "ASC"
		}
		parts = append(parts, col+" "+dir)
	}
	return strings.Join(parts, ", ")
}

// Count counts the objects matching query. With estimate and no constraint
// the planner statistics are used when they are known.
func (a *Adapter) Count(ctx context.Context, className string, s schema.Schema, query wire.Document, estimate bool) (count int64, err error) {
	defer func(start time.Time) { a.observe("count", start, err) }(time.Now())
	s = schema.Normalize(s)

	args := generator.NewArgs(1)
	w, err := where.Build(s, query, args, where.Options{})
	if err != nil {
		return 0, err
	}
	if w.Pattern == "" && estimate {
		var tuples sql.NullFloat64
		err := a.db.DB().QueryRowContext(ctx, `SELECT reltuples FROM pg_class WHERE relname = $1`, className).Scan(&tuples)
		switch {
		case err == nil && tuples.Valid && tuples.Float64 >= 0:
			return int64(tuples.Float64), nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return 0, fmt.Errorf("count %s: %w", className, err)
		}
	}

	stmt := generator.Select{Columns: "count(*)", Table: className, Where: w.Pattern}.String()
	err = a.db.DB().QueryRowContext(ctx, stmt, args.Values()...).Scan(&count)
	if database.Is(err, database.RelationMissing) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", className, err)
	}
	return count, nil
}

// Distinct returns the distinct non-null values of fieldName among the
// objects matching query. Array fields contribute their elements.
func (a *Adapter) Distinct(ctx context.Context, className string, s schema.Schema, query wire.Document, fieldName string) (values []any, err error) {
	defer func(start time.Time) { a.observe("distinct", start, err) }(time.Now())
	s = schema.Normalize(s)

	args := generator.NewArgs(1)
	w, err := where.Build(s, query, args, where.Options{})
	if err != nil {
		return nil, err
	}

	field, declared := s.Fields[fieldName]
	nested := strings.Contains(fieldName, ".")
	expr := generator.Ident(fieldName)
	switch {
	case nested:
		expr = generator.JSONPath(fieldName, false)
	case declared && schema.IsTextArray(field):
		expr = fmt.Sprintf("unnest(%s)", expr)
	case declared && field.Type == schema.TypeArray:
		expr = fmt.Sprintf("jsonb_array_elements(%s)", expr)
	}
	stmt := generator.Select{
		Columns: "DISTINCT " + expr + " AS " + generator.Ident("value"),
		Table:   className,
		Where:   w.Pattern,
	}.String()

	rows, err := a.query(ctx, stmt, args.Values())
	if database.Is(err, database.RelationMissing, database.MissingColumn) {
		return []any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("distinct %s.%s: %w", className, fieldName, err)
	}

	single := schema.Schema{ClassName: className, Fields: map[string]schema.Field{}}
	if declared && field.Type != schema.TypeRelation {
		single.Fields[fieldName] = field
	}
	values = make([]any, 0, len(rows))
	for _, row := range rows {
		raw := row["value"]
		if raw == nil {
			continue
		}
		var value any
		switch {
		case nested || (declared && field.Type == schema.TypeArray && !schema.IsTextArray(field)):
			text, _ := raw.(string)
			value, err = wire.ParseValue([]byte(text))
		case declared && schema.IsTextArray(field):
			value = raw
		default:
			var doc wire.Document
			doc, err = wire.DecodeRow(single, schema.Row{fieldName: raw})
			value, _ = doc.Get(fieldName)
		}
		if err != nil {
			return nil, fmt.Errorf("distinct %s.%s: %w", className, fieldName, err)
		}
		if value != nil {
			values = append(values, value)
		}
	}
	return values, nil
}
