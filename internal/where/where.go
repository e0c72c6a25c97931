// Package where compiles constraint documents into a parameterized boolean
// SQL expression for a single class table.
package where

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/koba/pgobjects/internal/apierror"
	"github.com/koba/pgobjects/internal/generator"
	"github.com/koba/pgobjects/internal/schema"
	"github.com/koba/pgobjects/internal/wire"
)

// maxIntPlusOne is compared against Number columns when the constraint is a
// boolean. No stored double equals it, so the match is always empty.
const maxIntPlusOne = 9223372036854775808.0

const earthRadiusMeters = 6371 * 1000

var authDataField = regexp.MustCompile(`^_auth_data_([a-zA-Z0-9_]+)$`)

var comparators = []struct{ op, sql string }{
	{"$gt", ">"},
	{"$lt", "<"},
	{"$gte", ">="},
	{"$lte", "<="},
}

// Options tune compilation.
type Options struct {
	// CaseInsensitive compares username and email lower-cased.
	CaseInsensitive bool
}

// TextSearch records a $text clause so a $score projection can rank by it.
type TextSearch struct {
	Field    string
	Language string
	Term     string
}

// Result is a compiled constraint document. Pattern is empty when the
// document places no constraint.
type Result struct {
	Pattern string
	Values  []any
	Sorts   []string
	Text    *TextSearch
}

// Compile compiles query with placeholders numbered from start.
func Compile(s schema.Schema, query wire.Document, start int, opts Options) (Result, error) {
	args := generator.NewArgs(start)
	res, err := Build(s, query, args, opts)
	if err != nil {
		return Result{}, err
	}
	res.Values = args.Values()
	return res, nil
}

// Build compiles query, binding values into args. Result.Values stays empty;
// the caller owns args.
func Build(s schema.Schema, query wire.Document, args *generator.Args, opts Options) (Result, error) {
	c := &compiler{schema: s, args: args, opts: opts}
	pattern, err := c.document(query)
	if err != nil {
		return Result{}, err
	}
	return Result{Pattern: pattern, Sorts: c.sorts, Text: c.text}, nil
}

type compiler struct {
	schema schema.Schema
	args   *generator.Args
	opts   Options
	sorts  []string
	text   *TextSearch
}

func (c *compiler) document(doc wire.Document) (string, error) {
	var patterns []string
	for _, e := range doc {
		frags, err := c.field(e.Key, e.Value)
		if err != nil {
			return "", err
		}
		patterns = append(patterns, frags...)
	}
	return strings.Join(patterns, " AND "), nil
}

func (c *compiler) field(name string, value any) ([]string, error) {
	if name == "$or" || name == "$and" || name == "$nor" {
		return c.combine(name, value)
	}

	field, known := c.schema.Fields[name]
	isArray := known && field.Type == schema.TypeArray
	ops, isDoc := wire.AsDocument(value)

	if !known && isDoc && len(ops) == 1 {
		if exists, ok := ops.Get("$exists"); ok && exists == false {
			return nil, nil
		}
	}
	if authDataField.MatchString(name) {
		return nil, nil
	}

	dotted := strings.Contains(name, ".")
	col := generator.Ident(name)
	if dotted {
		col = generator.JSONPath(name, true)
	}

	var patterns []string
	switch v := value.(type) {
	case nil:
		return []string{col + " IS NULL"}, nil
	case string:
		if c.opts.CaseInsensitive && (name == "username" || name == "email") {
			return []string{fmt.Sprintf("LOWER(%s) = LOWER(%s)", col, c.args.Add(v))}, nil
		}
		if dotted {
			return []string{fmt.Sprintf("%s = %s::text", col, c.args.Add(v))}, nil
		}
		return []string{fmt.Sprintf("%s = %s", col, c.args.Add(v))}, nil
	case bool:
		if dotted {
			return []string{fmt.Sprintf("%s = %s::text", col, c.args.Add(v))}, nil
		}
		if known && field.Type == schema.TypeNumber {
			return []string{fmt.Sprintf("%s = %s", col, c.args.Add(maxIntPlusOne))}, nil
		}
		return []string{fmt.Sprintf("%s = %s", col, c.args.Add(v))}, nil
	}
	if wire.IsNumber(value) {
		if dotted {
			return []string{fmt.Sprintf("%s = %s::text", col, c.args.Add(value))}, nil
		}
		return []string{fmt.Sprintf("%s = %s", col, c.args.Add(value))}, nil
	}
	if !isDoc {
		return nil, unsupported(value)
	}

	if dotted {
		frags, err := c.dottedMembership(name, ops)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, frags...)
	}

	if ne, ok := ops.Get("$ne"); ok {
		switch {
		case isArray:
			encoded, err := wire.JSON([]any{ne})
			if err != nil {
				return nil, err
			}
			patterns = append(patterns, fmt.Sprintf("NOT array_contains(%s, %s::jsonb)", col, c.args.Add(encoded)))
		case ne == nil:
			return append(patterns, col+" IS NOT NULL"), nil
		case isRelativeTime(ne):
			return nil, relativeOperatorErr()
		default:
			if p, ok := wire.AsGeoPoint(ne); ok {
				patterns = append(patterns, fmt.Sprintf("(NOT %s ~= POINT(%s, %s) OR %s IS NULL)",
					col, c.args.Add(p.Longitude), c.args.Add(p.Latitude), col))
				break
			}
			lhs := c.castDotted(name, col, ne)
			patterns = append(patterns, fmt.Sprintf("(%s <> %s OR %s IS NULL)", lhs, c.args.Add(wire.ToStorage(ne)), lhs))
		}
	}

	if eq, ok := ops.Get("$eq"); ok {
		switch {
		case eq == nil:
			patterns = append(patterns, col+" IS NULL")
		case isRelativeTime(eq):
			return nil, relativeOperatorErr()
		default:
			lhs := c.castDotted(name, col, eq)
			patterns = append(patterns, fmt.Sprintf("%s = %s", lhs, c.args.Add(wire.ToStorage(eq))))
		}
	}

	if !dotted {
		frags, err := c.membership(col, field, isArray, ops)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, frags...)
	}

	if all, ok := ops.Get("$all"); ok {
		frag, err := c.all(col, isArray, all)
		if err != nil {
			return nil, err
		}
		if frag != "" {
			patterns = append(patterns, frag)
		}
	}

	if exists, ok := ops.Get("$exists"); ok {
		if isRelativeTime(exists) {
			return nil, relativeOperatorErr()
		}
		if truthy(exists) {
			patterns = append(patterns, col+" IS NOT NULL")
		} else {
			patterns = append(patterns, col+" IS NULL")
		}
	}

	if containedBy, ok := ops.Get("$containedBy"); ok {
		list, ok := containedBy.([]any)
		if !ok {
			return nil, apierror.New(apierror.InvalidQuery, "bad $containedBy: should be an array")
		}
		encoded, err := wire.JSON(list)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, fmt.Sprintf("%s <@ %s::jsonb", col, c.args.Add(encoded)))
	}

	if text, ok := ops.Get("$text"); ok {
		frag, err := c.textSearch(name, col, text)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, frag)
	}

	geo, err := c.geo(col, ops)
	if err != nil {
		return nil, err
	}
	patterns = append(patterns, geo...)

	if re, ok := ops.Get("$regex"); ok {
		frag, err := c.regex(col, re, ops)
		if err != nil {
			return nil, err
		}
		if frag != "" {
			patterns = append(patterns, frag)
		}
	}

	typed, err := c.typedLiteral(col, isArray, value)
	if err != nil {
		return nil, err
	}
	if typed != "" {
		patterns = append(patterns, typed)
	}

	for _, cmp := range comparators {
		raw, ok := ops.Get(cmp.op)
		if !ok || !comparisonOperand(raw) {
			continue
		}
		bound := wire.ToStorage(raw)
		if isRelativeTime(raw) {
			if !known || field.Type != schema.TypeDate {
				return nil, apierror.New(apierror.InvalidJSON, "$relativeTime can only be used with Date field")
			}
			text, _ := wire.String(raw, "$relativeTime")
			t, err := relativeTimeToDate(text, now())
			if err != nil {
				return nil, err
			}
			bound = wire.FormatISO(t)
		}
		lhs := c.castDotted(name, col, raw)
		patterns = append(patterns, fmt.Sprintf("%s %s %s", lhs, cmp.sql, c.args.Add(bound)))
	}

	if len(patterns) == 0 {
		return nil, unsupported(value)
	}
	return patterns, nil
}

func (c *compiler) combine(op string, value any) ([]string, error) {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return nil, apierror.New(apierror.InvalidQuery, "Bad %s format - use an array value.", op)
	}
	var clauses []string
	for _, item := range list {
		sub, ok := wire.AsDocument(item)
		if !ok {
			return nil, apierror.New(apierror.InvalidQuery, "Bad %s format - use an array of objects.", op)
		}
		pattern, err := c.document(sub)
		if err != nil {
			return nil, err
		}
		if pattern != "" {
			clauses = append(clauses, "("+pattern+")")
		}
	}
	if len(clauses) == 0 {
		clauses = []string{"TRUE"}
	}
	sep := " OR "
	if op == "$and" {
		sep = " AND "
	}
	pattern := "(" + strings.Join(clauses, sep) + ")"
	if op == "$nor" {
		pattern = "NOT " + pattern
	}
	return []string{pattern}, nil
}

// dottedMembership handles $in and $nin on a path inside a JSON column.
func (c *compiler) dottedMembership(name string, ops wire.Document) ([]string, error) {
	path := "(" + generator.JSONPath(name, false) + ")"
	var patterns []string
	if in, ok := ops.Get("$in"); ok {
		encoded, err := wire.JSON(in)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, fmt.Sprintf("%s::jsonb @> %s", c.args.Add(encoded), path))
	}
	if nin, ok := ops.Get("$nin"); ok {
		encoded, err := wire.JSON(nin)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, fmt.Sprintf("(%s IS NULL OR NOT %s::jsonb @> %s)", path, c.args.Add(encoded), path))
	}
	return patterns, nil
}

func (c *compiler) membership(col string, field schema.Field, isArray bool, ops wire.Document) ([]string, error) {
	inRaw, hasIn := ops.Get("$in")
	ninRaw, hasNin := ops.Get("$nin")
	in, inOK := inRaw.([]any)
	nin, ninOK := ninRaw.([]any)
	if hasIn && !inOK {
		return nil, apierror.New(apierror.InvalidQuery, "bad $in value")
	}
	if hasNin && !ninOK {
		return nil, apierror.New(apierror.InvalidQuery, "bad $nin value")
	}

	var patterns []string
	if hasIn {
		if schema.IsTextArray(field) {
			patterns = append(patterns, c.overlap(col, in))
		} else {
			frag, err := c.inList(col, isArray, flatten(in), false)
			if err != nil {
				return nil, err
			}
			patterns = append(patterns, frag)
		}
	}
	if hasNin {
		frag, err := c.inList(col, isArray, flatten(nin), true)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, frag)
	}
	return patterns, nil
}

// overlap matches a text[] column sharing any element with list. A null in
// list also admits rows where the column is null.
func (c *compiler) overlap(col string, list []any) string {
	allowNull := false
	var elems []string
	for _, item := range list {
		if item == nil {
			allowNull = true
			continue
		}
		elems = append(elems, c.args.Add(wire.ToStorage(item)))
	}
	overlap := fmt.Sprintf("%s && ARRAY[%s]::text[]", col, strings.Join(elems, ", "))
	if allowNull {
		return fmt.Sprintf("(%s IS NULL OR %s)", col, overlap)
	}
	return overlap
}

func (c *compiler) inList(col string, isArray bool, list []any, notIn bool) (string, error) {
	if len(list) == 0 {
		if notIn {
			return "1 = 1", nil
		}
		return col + " IS NULL", nil
	}
	if isArray {
		encoded, err := wire.JSON(list)
		if err != nil {
			return "", err
		}
		frag := fmt.Sprintf("array_contains(%s, %s::jsonb)", col, c.args.Add(encoded))
		if notIn {
			frag = "NOT " + frag
		}
		return frag, nil
	}

	allowNull := false
	var elems []string
	for _, item := range list {
		if item == nil {
			allowNull = true
			continue
		}
		elems = append(elems, c.args.Add(wire.ToStorage(item)))
	}
	switch {
	case len(elems) == 0 && notIn:
		return col + " IS NOT NULL", nil
	case len(elems) == 0:
		return col + " IS NULL", nil
	case notIn && allowNull:
		return fmt.Sprintf("(%s IS NOT NULL AND %s NOT IN (%s))", col, col, strings.Join(elems, ", ")), nil
	case notIn:
		return fmt.Sprintf("%s NOT IN (%s)", col, strings.Join(elems, ", ")), nil
	case allowNull:
		return fmt.Sprintf("(%s IS NULL OR %s IN (%s))", col, col, strings.Join(elems, ", ")), nil
	default:
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(elems, ", ")), nil
	}
}

func (c *compiler) all(col string, isArray bool, raw any) (string, error) {
	list, ok := raw.([]any)
	if !ok {
		return "", apierror.New(apierror.InvalidQuery, "bad $all value")
	}
	if !isArray {
		if len(list) == 1 {
			return fmt.Sprintf("%s = %s", col, c.args.Add(wire.ToStorage(list[0]))), nil
		}
		return "", nil
	}

	regexCount, startsWith := 0, 0
	prefixes := make([]any, 0, len(list))
	for _, item := range list {
		doc, ok := wire.AsDocument(item)
		if !ok {
			continue
		}
		re, ok := doc.Get("$regex")
		if !ok {
			continue
		}
		regexCount++
		if isStartsWithRegex(re) {
			startsWith++
			prefixes = append(prefixes, processRegexPattern(re.(string))[1:]+"%")
		}
	}
	if regexCount > 0 && startsWith != len(list) {
		return "", apierror.New(apierror.InvalidQuery, "All $all values must be of regex type or none")
	}
	if startsWith > 0 {
		encoded, err := wire.JSON(prefixes)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("array_contains_all_regex(%s, %s::jsonb)", col, c.args.Add(encoded)), nil
	}
	encoded, err := wire.JSON(list)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("array_contains_all(%s, %s::jsonb)", col, c.args.Add(encoded)), nil
}

func (c *compiler) textSearch(name, col string, raw any) (string, error) {
	text, ok := wire.AsDocument(raw)
	if !ok {
		return "", apierror.New(apierror.InvalidQuery, "bad $text: should be object")
	}
	searchRaw, _ := text.Get("$search")
	search, ok := wire.AsDocument(searchRaw)
	if !ok {
		return "", apierror.New(apierror.InvalidQuery, "bad $text: $search, should be object")
	}
	termRaw, _ := search.Get("$term")
	term, ok := termRaw.(string)
	if !ok {
		return "", apierror.New(apierror.InvalidQuery, "bad $text: $term, should be string")
	}
	language := "english"
	if raw, ok := search.Get("$language"); ok {
		s, ok := raw.(string)
		if !ok {
			return "", apierror.New(apierror.InvalidQuery, "bad $text: $language, should be string")
		}
		language = s
	}
	if raw, ok := search.Get("$caseSensitive"); ok {
		b, ok := raw.(bool)
		if !ok {
			return "", apierror.New(apierror.InvalidQuery, "bad $text: $caseSensitive, should be boolean")
		}
		if b {
			return "", apierror.New(apierror.InvalidQuery, "bad $text: $caseSensitive not supported, please use $regex or create a separate lower case column.")
		}
	}
	if raw, ok := search.Get("$diacriticSensitive"); ok {
		b, ok := raw.(bool)
		if !ok {
			return "", apierror.New(apierror.InvalidQuery, "bad $text: $diacriticSensitive, should be boolean")
		}
		if !b {
			return "", apierror.New(apierror.InvalidQuery, "bad $text: $diacriticSensitive - false not supported, install Postgres Unaccent Extension")
		}
	}

	lang := c.args.Add(language)
	termArg := c.args.Add(term)
	c.text = &TextSearch{Field: name, Language: lang, Term: termArg}
	return fmt.Sprintf("to_tsvector(%s, %s) @@ to_tsquery(%s, %s)", lang, col, lang, termArg), nil
}

func (c *compiler) regex(col string, raw any, ops wire.Document) (string, error) {
	re, ok := raw.(string)
	if !ok {
		return "", apierror.New(apierror.InvalidQuery, "bad $regex value")
	}
	if re == "" {
		return "", nil
	}
	operator := "~"
	if optsRaw, ok := ops.Get("$options"); ok {
		opts, _ := optsRaw.(string)
		if strings.Contains(opts, "i") {
			operator = "~*"
		}
		if strings.Contains(opts, "x") {
			re = removeWhiteSpace(re)
		}
	}
	return fmt.Sprintf("%s %s %s", col, operator, c.args.Add(processRegexPattern(re))), nil
}

func (c *compiler) typedLiteral(col string, isArray bool, value any) (string, error) {
	switch wire.TypeOf(value) {
	case wire.TypePointer:
		if isArray {
			encoded, err := wire.JSON([]any{value})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("array_contains(%s, %s::jsonb)", col, c.args.Add(encoded)), nil
		}
		return fmt.Sprintf("%s = %s", col, c.args.Add(wire.ToStorage(value))), nil
	case wire.TypeDate:
		return fmt.Sprintf("%s = %s", col, c.args.Add(wire.ToStorage(value))), nil
	case wire.TypeGeoPoint:
		p, ok := wire.AsGeoPoint(value)
		if !ok {
			return "", apierror.New(apierror.InvalidQuery, "bad GeoPoint value")
		}
		return fmt.Sprintf("%s ~= POINT(%s, %s)", col, c.args.Add(p.Longitude), c.args.Add(p.Latitude)), nil
	case wire.TypePolygon:
		doc, _ := wire.AsDocument(value)
		coords, _ := doc.Get("coordinates")
		polygon, err := wire.PolygonToSQL(coords)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s ~= %s::polygon", col, c.args.Add(polygon)), nil
	}
	return "", nil
}

// castDotted casts a JSON path to the SQL type of the compared value.
func (c *compiler) castDotted(name, col string, value any) string {
	if !strings.Contains(name, ".") {
		return col
	}
	switch {
	case wire.IsNumber(value):
		return fmt.Sprintf("CAST ((%s) AS double precision)", col)
	default:
		if _, ok := value.(bool); ok {
			return fmt.Sprintf("CAST ((%s) AS boolean)", col)
		}
	}
	return col
}

// truthy follows JavaScript: false, 0, "" and null are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if n, ok := wire.ToFloat(v); ok {
		return n != 0
	}
	return true
}

func flatten(list []any) []any {
	out := make([]any, 0, len(list))
	for _, item := range list {
		if nested, ok := item.([]any); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, item)
	}
	return out
}

// comparisonOperand mirrors the truthiness rule for comparison operands: zero is
// admitted, null, false and "" are not.
func comparisonOperand(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	return true
}

func isRelativeTime(v any) bool {
	doc, ok := wire.AsDocument(v)
	return ok && doc.Has("$relativeTime")
}

func relativeOperatorErr() error {
	return apierror.New(apierror.InvalidJSON, "$relativeTime can only be used with the $lt, $lte, $gt, and $gte operators")
}

func unsupported(value any) error {
	encoded, _ := wire.JSON(value)
	return apierror.New(apierror.OperationForbidden, "Postgres doesn't support this query type yet %s", encoded)
}
