package schema

import (
	"fmt"
	"sort"
)

var userStorageFields = map[string]Field{
	"_hashed_password":               {Type: TypeString},
	"_password_history":              {Type: TypeArray},
	"_email_verify_token":            {Type: TypeString},
	"_email_verify_token_expires_at": {Type: TypeDate},
	"_perishable_token":              {Type: TypeString},
	"_perishable_token_expires_at":   {Type: TypeDate},
	"_account_lockout_expires_at":    {Type: TypeDate},
	"_failed_login_count":            {Type: TypeNumber},
	"_password_changed_at":           {Type: TypeDate},
}

// SystemClasses are created by PerformInitialization and dropped by DeleteAllClasses.
var SystemClasses = []string{
	"_PushStatus",
	"_JobStatus",
	"_JobSchedule",
	"_Hooks",
	"_GlobalConfig",
	"_GraphQLConfig",
	"_Audience",
	"_Idempotency",
}

// IsStorageField reports whether name only exists in storage and never reaches callers.
func IsStorageField(name string) bool {
	if name == ReadPerm || name == WritePerm {
		return true
	}
	_, ok := userStorageFields[name]
	return ok
}

// Normalize returns the storage form of s: permission arrays on every class
// and the credential bookkeeping columns on the user class.
func Normalize(s Schema) Schema {
	out := s.Clone()
	out.Fields[WritePerm] = Field{Type: TypeArray, Contents: &Field{Type: TypeString}}
	out.Fields[ReadPerm] = Field{Type: TypeArray, Contents: &Field{Type: TypeString}}
	if s.ClassName == UserClass {
		for name, f := range userStorageFields {
			if _, ok := out.Fields[name]; !ok {
				out.Fields[name] = f
			}
		}
	}
	return out
}

// Public strips storage-only fields and fills class-level permission defaults.
func Public(s Schema) Schema {
	out := s.Clone()
	for name := range out.Fields {
		if IsStorageField(name) {
			delete(out.Fields, name)
		}
	}
	out.ClassLevelPermissions = mergeCLP(s.ClassLevelPermissions)
	if out.Indexes == nil {
		out.Indexes = map[string]Index{}
	}
	return out
}

func mergeCLP(stored CLP) CLP {
	var clp CLP
	if stored == nil {
		clp = CLP{"protectedFields": map[string]any{"*": []any{}}}
		for _, op := range []string{"find", "get", "count", "create", "update", "delete", "addField"} {
			clp[op] = map[string]any{"*": true}
		}
		return clp
	}
	clp = CLP{"protectedFields": map[string]any{}}
	for _, op := range []string{"find", "get", "count", "create", "update", "delete", "addField"} {
		clp[op] = map[string]any{}
	}
	for k, v := range stored {
		clp[k] = v
	}
	return clp
}

// ColumnType maps a logical field to its Postgres column type.
func ColumnType(f Field) (string, error) {
	switch f.Type {
	case TypeString, TypeFile, TypePointer:
		return "text", nil
	case TypeDate:
		return "timestamp with time zone", nil
	case TypeObject, TypeBytes:
		return "jsonb", nil
	case TypeBoolean:
		return "boolean", nil
	case TypeNumber:
		return "double precision", nil
	case TypeGeoPoint:
		return "point", nil
	case TypePolygon:
		return "polygon", nil
	case TypeArray:
		if f.Contents != nil && f.Contents.Type == TypeString {
			return "text[]", nil
		}
		return "jsonb", nil
	default:
		return "", fmt.Errorf("no type for %q yet", f.Type)
	}
}

// IsTextArray reports whether the field is stored as a native text array.
func IsTextArray(f Field) bool {
	return f.Type == TypeArray && f.Contents != nil && f.Contents.Type == TypeString
}

// JoinTableName names the table backing a relation field.
func JoinTableName(className, fieldName string) string {
	return JoinPrefix + fieldName + ":" + className
}

// JoinTables lists the join tables needed by the relation fields of s.
func JoinTables(s Schema) []string {
	var tables []string
	for name, f := range s.Fields {
		if f.Type == TypeRelation {
			tables = append(tables, JoinTableName(s.ClassName, name))
		}
	}
	sort.Strings(tables)
	return tables
}
