package update

import (
	"regexp"
	"strings"

	"github.com/koba/pgobjects/internal/apierror"
	"github.com/koba/pgobjects/internal/schema"
	"github.com/koba/pgobjects/internal/wire"
)

var authDataKey = regexp.MustCompile(`^_auth_data_([a-zA-Z0-9_]+)$`)

// foldDotFields rewrites "a.b.c": v keys into nested objects under "a".
// A Delete op on a dotted key leaves the intermediate objects but sets nothing.
func foldDotFields(doc wire.Document) wire.Document {
	out := doc.Clone()
	for _, e := range doc {
		if !strings.Contains(e.Key, ".") {
			continue
		}
		components := strings.Split(e.Key, ".")
		out.Delete(e.Key)

		root, _ := out.Get(components[0])
		current, ok := wire.AsDocument(root)
		if !ok {
			current = wire.Document{}
		}
		out.Set(components[0], setPath(current, components[1:], e.Value))
	}
	return out
}

func setPath(doc wire.Document, path []string, value any) wire.Document {
	doc = doc.Clone()
	if len(path) == 1 {
		if op, _, ok := wire.OpOf(value); ok && op == "Delete" {
			return doc
		}
		doc.Set(path[0], value)
		return doc
	}
	child, _ := doc.Get(path[0])
	childDoc, ok := wire.AsDocument(child)
	if !ok {
		childDoc = wire.Document{}
	}
	doc.Set(path[0], setPath(childDoc, path[1:], value))
	return doc
}

// foldAuthData moves "_auth_data_<provider>" keys into the authData object.
func foldAuthData(doc wire.Document) wire.Document {
	out := doc.Clone()
	for _, e := range doc {
		m := authDataKey.FindStringSubmatch(e.Key)
		if m == nil {
			continue
		}
		out.Delete(e.Key)
		existing, _ := out.Get(schema.AuthData)
		authData, ok := wire.AsDocument(existing)
		if !ok {
			authData = wire.Document{}
		} else {
			authData = authData.Clone()
		}
		authData.Set(m[1], e.Value)
		out.Set(schema.AuthData, authData)
	}
	return out
}

// validateKeys rejects object keys that contain '$' or '.' at any depth.
func validateKeys(doc wire.Document) error {
	for _, e := range doc {
		if nested, ok := wire.AsDocument(e.Value); ok {
			if err := validateKeys(nested); err != nil {
				return err
			}
		}
		if strings.Contains(e.Key, "$") || strings.Contains(e.Key, ".") {
			return apierror.New(apierror.InvalidNestedKey, "Nested keys should not contain the '$' or '.' characters")
		}
	}
	return nil
}
