package wire

import (
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/koba/pgobjects/internal/schema"
)

var storedDateFields = map[string]bool{
	"expiresAt":                      true,
	"_email_verify_token_expires_at": true,
	"_account_lockout_expires_at":    true,
	"_perishable_token_expires_at":   true,
	"_password_changed_at":           true,
}

// DecodeRow turns a storage row back into a wire object. Null columns are
// omitted and relation fields are rendered from the schema alone.
func DecodeRow(s schema.Schema, row schema.Row) (Document, error) {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	for name, f := range s.Fields {
		if _, ok := row[name]; !ok && f.Type == schema.TypeRelation {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)

	doc := make(Document, 0, len(keys))
	for _, name := range keys {
		field, known := s.Fields[name]
		if known && field.Type == schema.TypeRelation {
			doc = append(doc, Entry{Key: name, Value: Document{
				{Key: "__type", Value: TypeRelation},
				{Key: "className", Value: field.TargetClass},
			}})
			continue
		}
		raw := row[name]
		if raw == nil {
			continue
		}
		value, err := decodeColumn(name, field, known, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode column %s: %w", name, err)
		}
		doc = append(doc, Entry{Key: name, Value: value})
	}
	return doc, nil
}

func decodeColumn(name string, field schema.Field, known bool, raw any) (any, error) {
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	if name == schema.CreatedAt || name == schema.UpdatedAt {
		if t, ok := raw.(time.Time); ok {
			return FormatISO(t), nil
		}
		return raw, nil
	}
	if !known {
		if t, ok := raw.(time.Time); ok {
			return DateObject(t), nil
		}
		return raw, nil
	}

	switch field.Type {
	case schema.TypePointer:
		return Document{
			{Key: "__type", Value: TypePointer},
			{Key: "className", Value: field.TargetClass},
			{Key: "objectId", Value: raw},
		}, nil
	case schema.TypeGeoPoint:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected point value %T", raw)
		}
		p, err := ParsePoint(s)
		if err != nil {
			return nil, err
		}
		return p.Object(), nil
	case schema.TypePolygon:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected polygon value %T", raw)
		}
		coords, err := ParsePolygon(s)
		if err != nil {
			return nil, err
		}
		return Document{{Key: "__type", Value: TypePolygon}, {Key: "coordinates", Value: coords}}, nil
	case schema.TypeFile:
		return Document{{Key: "__type", Value: TypeFile}, {Key: "name", Value: raw}}, nil
	case schema.TypeDate:
		switch t := raw.(type) {
		case time.Time:
			return DateObject(t), nil
		case string:
			if storedDateFields[name] {
				return Document{{Key: "__type", Value: TypeDate}, {Key: "iso", Value: t}}, nil
			}
		}
		return raw, nil
	case schema.TypeNumber:
		if f, ok := ToFloat(raw); ok {
			return f, nil
		}
		return raw, nil
	case schema.TypeArray:
		if schema.IsTextArray(field) {
			return decodeTextArray(raw)
		}
		return decodeJSON(raw)
	case schema.TypeObject, schema.TypeBytes:
		return decodeJSON(raw)
	default:
		return raw, nil
	}
}

func decodeJSON(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return raw, nil
	}
	return ParseValue([]byte(s))
}

func decodeTextArray(raw any) (any, error) {
	var arr pq.StringArray
	if err := arr.Scan(raw); err != nil {
		return nil, err
	}
	out := make([]any, len(arr))
	for i, s := range arr {
		out[i] = s
	}
	return out, nil
}
