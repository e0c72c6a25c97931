// Package update compiles update documents into SET fragments and object
// documents into INSERT column lists.
package update

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/koba/pgobjects/internal/apierror"
	"github.com/koba/pgobjects/internal/generator"
	"github.com/koba/pgobjects/internal/schema"
	"github.com/koba/pgobjects/internal/wire"
)

// Result holds compiled SET fragments and, from Compile, their values.
type Result struct {
	Fragments []string
	Values    []any
}

// Compile compiles doc with placeholders numbered from start.
func Compile(s schema.Schema, doc wire.Document, start int) (Result, error) {
	args := generator.NewArgs(start)
	frags, err := Build(s, doc, args)
	if err != nil {
		return Result{}, err
	}
	return Result{Fragments: frags, Values: args.Values()}, nil
}

// Build compiles doc, binding values into args.
func Build(s schema.Schema, doc wire.Document, args *generator.Args) ([]string, error) {
	original := doc
	dotNotation := map[string]bool{}
	for _, e := range doc {
		components := strings.Split(e.Key, ".")
		dotNotation[components[0]] = len(components) > 1
	}
	folded := foldAuthData(foldDotFields(doc))

	var frags []string
	for _, e := range folded {
		name, value := e.Key, e.Value
		col := generator.Ident(name)

		if value == nil {
			frags = append(frags, col+" = NULL")
			continue
		}
		if name == schema.AuthData {
			frag, err := authDataUpdate(col, value, args)
			if err != nil {
				return nil, err
			}
			frags = append(frags, frag)
			continue
		}
		if op, opDoc, ok := wire.OpOf(value); ok {
			frag, err := opUpdate(col, op, opDoc, args)
			if err != nil {
				return nil, err
			}
			frags = append(frags, frag)
			continue
		}
		if name == schema.UpdatedAt {
			frags = append(frags, fmt.Sprintf("%s = %s", col, args.Add(wire.ToStorage(value))))
			continue
		}

		switch v := value.(type) {
		case string, bool:
			frags = append(frags, fmt.Sprintf("%s = %s", col, args.Add(v)))
			continue
		case time.Time:
			frags = append(frags, fmt.Sprintf("%s = %s", col, args.Add(v)))
			continue
		}
		if wire.IsNumber(value) {
			frags = append(frags, fmt.Sprintf("%s = %s", col, args.Add(value)))
			continue
		}

		switch wire.TypeOf(value) {
		case wire.TypePointer, wire.TypeDate, wire.TypeFile:
			frags = append(frags, fmt.Sprintf("%s = %s", col, args.Add(wire.ToStorage(value))))
			continue
		case wire.TypeGeoPoint:
			p, ok := wire.AsGeoPoint(value)
			if !ok {
				return nil, unsupported(value)
			}
			frags = append(frags, fmt.Sprintf("%s = POINT(%s, %s)", col, args.Add(p.Longitude), args.Add(p.Latitude)))
			continue
		case wire.TypePolygon:
			doc, _ := wire.AsDocument(value)
			coords, _ := doc.Get("coordinates")
			polygon, err := wire.PolygonToSQL(coords)
			if err != nil {
				return nil, err
			}
			frags = append(frags, fmt.Sprintf("%s = %s::polygon", col, args.Add(polygon)))
			continue
		case wire.TypeBytes:
			encoded, err := wire.JSON(value)
			if err != nil {
				return nil, err
			}
			frags = append(frags, fmt.Sprintf("%s = %s::jsonb", col, args.Add(encoded)))
			continue
		case wire.TypeRelation:
			continue
		}

		field, known := s.Fields[name]
		if obj, ok := wire.AsDocument(value); ok && known && field.Type == schema.TypeObject {
			frag, err := objectUpdate(name, col, obj, original, dotNotation[name], args)
			if err != nil {
				return nil, err
			}
			frags = append(frags, frag)
			continue
		}
		if list, ok := value.([]any); ok && known && field.Type == schema.TypeArray {
			frag, err := arrayUpdate(col, field, list, args)
			if err != nil {
				return nil, err
			}
			frags = append(frags, frag)
			continue
		}
		return nil, unsupported(value)
	}
	return frags, nil
}

func opUpdate(col, op string, opDoc wire.Document, args *generator.Args) (string, error) {
	switch op {
	case "Increment":
		amount, _ := opDoc.Get("amount")
		if !wire.IsNumber(amount) {
			return "", apierror.New(apierror.InvalidJSON, "bad Increment amount")
		}
		return fmt.Sprintf("%s = COALESCE(%s, 0) + %s", col, col, args.Add(amount)), nil
	case "Add", "Remove", "AddUnique":
		objects, _ := opDoc.Get("objects")
		encoded, err := wire.JSON(objects)
		if err != nil {
			return "", err
		}
		fn := map[string]string{"Add": "array_add", "Remove": "array_remove", "AddUnique": "array_add_unique"}[op]
		return fmt.Sprintf("%s = %s(COALESCE(%s, '[]'::jsonb), %s::jsonb)", col, fn, col, args.Add(encoded)), nil
	case "Delete":
		return col + " = NULL", nil
	default:
		encoded, _ := wire.JSON(opDoc)
		return "", apierror.New(apierror.OperationForbidden, "Postgres doesn't support update %s yet", encoded)
	}
}

// authDataUpdate merges each provider into the stored authData object. A
// provider set to a Delete op becomes JSON null.
func authDataUpdate(col string, value any, args *generator.Args) (string, error) {
	providers, ok := wire.AsDocument(value)
	if !ok {
		return "", unsupported(value)
	}
	expr := fmt.Sprintf("COALESCE(%s, '{}'::jsonb)", col)
	for _, p := range providers {
		data := p.Value
		if op, _, ok := wire.OpOf(data); ok && op == "Delete" {
			data = nil
		}
		encoded, err := wire.JSON(data)
		if err != nil {
			return "", err
		}
		expr = fmt.Sprintf("json_object_set_key(%s, %s::text, %s::jsonb)", expr, args.Add(p.Key), args.Add(encoded))
	}
	return fmt.Sprintf("%s = %s", col, expr), nil
}

// objectUpdate merges into a JSON column: keys deleted through "name.key"
// are removed, "name.key" increments are applied to the stored number, and
// the remaining keys overwrite.
func objectUpdate(name, col string, value, original wire.Document, dotted bool, args *generator.Args) (string, error) {
	value = value.Clone()
	var increments, deletes []string
	for _, e := range original {
		components := strings.Split(e.Key, ".")
		if len(components) != 2 || components[0] != name {
			continue
		}
		op, opDoc, ok := wire.OpOf(e.Value)
		if !ok {
			continue
		}
		key := components[1]
		switch op {
		case "Increment":
			amount, _ := opDoc.Get("amount")
			if !wire.IsNumber(amount) {
				return "", apierror.New(apierror.InvalidJSON, "bad Increment amount")
			}
			k := args.Add(key)
			increments = append(increments, fmt.Sprintf("jsonb_build_object(%s::text, COALESCE((%s->>%s::text)::numeric, 0) + %s)", k, col, k, args.Add(amount)))
			value.Delete(key)
		case "Delete":
			deletes = append(deletes, key)
			value.Delete(key)
		}
	}

	base := "'{}'::jsonb"
	if dotted {
		base = fmt.Sprintf("COALESCE(%s, '{}'::jsonb)", col)
	}
	var b strings.Builder
	b.WriteString(base)
	for _, key := range deletes {
		b.WriteString(" - ")
		b.WriteString(args.Add(key))
		b.WriteString("::text")
	}
	for _, inc := range increments {
		b.WriteString(" || ")
		b.WriteString(inc)
	}
	encoded, err := wire.JSON(value)
	if err != nil {
		return "", err
	}
	b.WriteString(" || ")
	b.WriteString(args.Add(encoded))
	b.WriteString("::jsonb")
	return fmt.Sprintf("%s = (%s)", col, b.String()), nil
}

// arrayUpdate replaces a whole array. text[] columns take the strings as a
// native array; jsonb columns get JSON-encoded elements.
func arrayUpdate(col string, field schema.Field, list []any, args *generator.Args) (string, error) {
	if schema.IsTextArray(field) {
		strs := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return "", apierror.New(apierror.InvalidJSON, "bad array element %v for a string array", item)
			}
			strs[i] = s
		}
		return fmt.Sprintf("%s = %s::text[]", col, args.Add(pq.Array(strs))), nil
	}

	allStrings := true
	elems := make([]string, len(list))
	for i, item := range list {
		if s, ok := item.(string); ok {
			elems[i] = s
			continue
		}
		allStrings = false
		encoded, err := wire.JSON(item)
		if err != nil {
			return "", err
		}
		elems[i] = encoded
	}
	if allStrings {
		return fmt.Sprintf("%s = array_to_json(%s::text[])::jsonb", col, args.Add(pq.Array(elems))), nil
	}
	for i, item := range list {
		if s, ok := item.(string); ok {
			encoded, err := wire.JSON(s)
			if err != nil {
				return "", err
			}
			elems[i] = encoded
		}
	}
	return fmt.Sprintf("%s = array_to_json(%s::json[])::jsonb", col, args.Add(pq.Array(elems))), nil
}

func unsupported(value any) error {
	encoded, _ := wire.JSON(value)
	return apierror.New(apierror.OperationForbidden, "Postgres doesn't support update %s yet", encoded)
}
