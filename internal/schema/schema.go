package schema

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

// Type is the logical type of a class field
type Type string

const (
	TypeString   Type = "String"
	TypeNumber   Type = "Number"
	TypeBoolean  Type = "Boolean"
	TypeDate     Type = "Date"
	TypeObject   Type = "Object"
	TypeArray    Type = "Array"
	TypePointer  Type = "Pointer"
	TypeRelation Type = "Relation"
	TypeGeoPoint Type = "GeoPoint"
	TypePolygon  Type = "Polygon"
	TypeBytes    Type = "Bytes"
	TypeFile     Type = "File"
)

// Reserved names
const (
	UserClass     = "_User"
	MetadataTable = "_SCHEMA"
	JoinPrefix    = "_Join:"
	ObjectIDField = "objectId"
	CreatedAt     = "createdAt"
	UpdatedAt     = "updatedAt"
	ReadPerm      = "_rperm"
	WritePerm     = "_wperm"
	AuthData      = "authData"
)

// Field describes one field of a class
type Field struct {
	Type         Type   `json:"type"`
	TargetClass  string `json:"targetClass,omitempty"`
	Contents     *Field `json:"contents,omitempty"`
	Required     *bool  `json:"required,omitempty"`
	DefaultValue any    `json:"defaultValue,omitempty"`
}

// IndexKey is one indexed field with its direction.
type IndexKey struct {
	Field     string
	Direction any
}

// Index lists the indexed fields in declaration order. It encodes as a JSON
// object keyed by field. A submitted index may instead be the delete marker
// {"__op": "Delete"}.
type Index []IndexKey

// DeleteIndex is the delete marker.
func DeleteIndex() Index {
	return Index{{Field: "__op", Direction: "Delete"}}
}

// IsDelete reports whether the index is a delete marker.
func (i Index) IsDelete() bool {
	if len(i) != 1 || i[0].Field != "__op" {
		return false
	}
	op, ok := i[0].Direction.(string)
	return ok && op == "Delete"
}

// Fields returns the indexed field names in declaration order.
func (i Index) Fields() []string {
	fields := make([]string, len(i))
	for n, key := range i {
		fields[n] = key.Field
	}
	return fields
}

func (i Index) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for n, key := range i {
		if n > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(key.Field)
		if err != nil {
			return nil, err
		}
		dir, err := json.Marshal(key.Direction)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(dir)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (i *Index) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("index must be an object, got %v", tok)
	}
	out := Index{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		field, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected index key %v", keyTok)
		}
		dir, err := dec.Token()
		if err != nil {
			return err
		}
		if _, nested := dir.(json.Delim); nested {
			return fmt.Errorf("index field %s must have a scalar direction", field)
		}
		if n, ok := dir.(json.Number); ok {
			if dir, err = n.Float64(); err != nil {
				return err
			}
		}
		out = append(out, IndexKey{Field: field, Direction: dir})
	}
	*i = out
	return nil
}

// CLP holds class-level permissions. Its contents are opaque to storage.
type CLP map[string]any

// Schema is the logical description of a class
type Schema struct {
	ClassName             string           `json:"className"`
	Fields                map[string]Field `json:"fields"`
	ClassLevelPermissions CLP              `json:"classLevelPermissions,omitempty"`
	Indexes               map[string]Index `json:"indexes,omitempty"`
}

// Clone returns a copy whose maps can be mutated independently.
func (s Schema) Clone() Schema {
	out := Schema{ClassName: s.ClassName, Fields: make(map[string]Field, len(s.Fields))}
	for name, f := range s.Fields {
		out.Fields[name] = f
	}
	if s.ClassLevelPermissions != nil {
		out.ClassLevelPermissions = make(CLP, len(s.ClassLevelPermissions))
		for k, v := range s.ClassLevelPermissions {
			out.ClassLevelPermissions[k] = v
		}
	}
	if s.Indexes != nil {
		out.Indexes = make(map[string]Index, len(s.Indexes))
		for k, v := range s.Indexes {
			out.Indexes[k] = v
		}
	}
	return out
}

// FieldNames returns the declared field names in sorted order.
func (s Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Marshal encodes the schema for the metadata table.
func (s Schema) Marshal() ([]byte, error) {
	if s.Fields == nil {
		s.Fields = map[string]Field{}
	}
	return json.Marshal(s)
}

// Unmarshal decodes a stored metadata document. The className argument wins
// over whatever the document carries.
func Unmarshal(className string, data []byte) (Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return Schema{}, err
	}
	if className != "" {
		s.ClassName = className
	}
	if s.Fields == nil {
		s.Fields = map[string]Field{}
	}
	return s, nil
}
