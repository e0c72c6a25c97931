package update

import (
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/koba/pgobjects/internal/apierror"
	"github.com/koba/pgobjects/internal/generator"
	"github.com/koba/pgobjects/internal/schema"
	"github.com/koba/pgobjects/internal/wire"
)

// Insert is a compiled object insert.
type Insert struct {
	Columns      []string
	Placeholders []string
	Values       []any
	// Object is the input after dot and authData folding.
	Object wire.Document
}

// Statement renders the INSERT for className.
func (i Insert) Statement(className string) string {
	return generator.Insert(className, i.Columns, i.Placeholders)
}

// CompileInsert compiles object into an insert against the normalized schema.
// Geo points are bound last as POINT(lng, lat).
func CompileInsert(s schema.Schema, object wire.Document) (Insert, error) {
	s = schema.Normalize(s)
	folded := foldAuthData(foldDotFields(object))
	if err := validateKeys(folded); err != nil {
		return Insert{}, err
	}

	args := generator.NewArgs(1)
	ins := Insert{Object: folded}
	type geoColumn struct {
		name  string
		point wire.GeoPoint
	}
	var geoColumns []geoColumn

	for _, e := range folded {
		name, value := e.Key, e.Value
		if value == nil {
			continue
		}
		field, known := s.Fields[name]
		if !known {
			if name != schema.AuthData {
				return Insert{}, apierror.New(apierror.OperationForbidden, "field %s is not declared on class %s", name, s.ClassName)
			}
			field = schema.Field{Type: schema.TypeObject}
		}

		var bound any
		cast := ""
		switch field.Type {
		case schema.TypeDate:
			switch v := value.(type) {
			case time.Time:
				bound = v
			case string:
				bound = v
			default:
				iso, ok := wire.String(value, "iso")
				if !ok {
					return Insert{}, badValue(name, value)
				}
				bound = iso
			}
		case schema.TypePointer:
			id, ok := wire.String(value, "objectId")
			if !ok {
				return Insert{}, badValue(name, value)
			}
			bound = id
		case schema.TypeFile:
			fileName, ok := wire.String(value, "name")
			if !ok {
				return Insert{}, badValue(name, value)
			}
			bound = fileName
		case schema.TypeArray:
			list, ok := value.([]any)
			if !ok {
				return Insert{}, badValue(name, value)
			}
			if schema.IsTextArray(field) {
				strs := make([]string, len(list))
				for i, item := range list {
					s, ok := item.(string)
					if !ok {
						return Insert{}, badValue(name, value)
					}
					strs[i] = s
				}
				bound, cast = pq.Array(strs), "::text[]"
			} else {
				encoded, err := wire.JSON(list)
				if err != nil {
					return Insert{}, err
				}
				bound, cast = encoded, "::jsonb"
			}
		case schema.TypeObject, schema.TypeBytes:
			encoded, err := wire.JSON(value)
			if err != nil {
				return Insert{}, err
			}
			bound, cast = encoded, "::jsonb"
		case schema.TypePolygon:
			doc, _ := wire.AsDocument(value)
			coords, _ := doc.Get("coordinates")
			polygon, err := wire.PolygonToSQL(coords)
			if err != nil {
				return Insert{}, err
			}
			bound, cast = polygon, "::polygon"
		case schema.TypeGeoPoint:
			p, ok := wire.AsGeoPoint(value)
			if !ok {
				return Insert{}, badValue(name, value)
			}
			geoColumns = append(geoColumns, geoColumn{name: name, point: p})
			continue
		case schema.TypeString, schema.TypeNumber, schema.TypeBoolean:
			bound = value
		case schema.TypeRelation:
			continue
		default:
			return Insert{}, apierror.New(apierror.OperationForbidden, "Type %s not supported yet", field.Type)
		}
		ins.Columns = append(ins.Columns, name)
		ins.Placeholders = append(ins.Placeholders, args.Add(bound)+cast)
	}

	for _, g := range geoColumns {
		ins.Columns = append(ins.Columns, g.name)
		ins.Placeholders = append(ins.Placeholders, fmt.Sprintf("POINT(%s, %s)", args.Add(g.point.Longitude), args.Add(g.point.Latitude)))
	}
	ins.Values = args.Values()
	return ins, nil
}

func badValue(name string, value any) error {
	encoded, _ := wire.JSON(value)
	return apierror.New(apierror.InvalidJSON, "bad value for field %s: %s", name, encoded)
}
