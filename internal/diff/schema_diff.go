package diff

import (
	"sort"

	"github.com/koba/pgobjects/internal/apierror"
	"github.com/koba/pgobjects/internal/schema"
)

// Action represents the type of change
type Action string

const (
	ActionAdd  Action = "ADD"
	ActionDrop Action = "DROP"
)

// DefaultIndexName is the implicit objectId index every class starts with.
const DefaultIndexName = "_id_"

// IndexChange represents a change to an index
type IndexChange struct {
	IndexName string
	Action    Action
	Fields    []string
}

// IndexDiff represents the index changes submitted for a class
type IndexDiff struct {
	ClassName string
	Changes   []IndexChange
	// Indexes is the declared index set once the changes are applied.
	Indexes map[string]schema.Index
}

// Added returns the changes that create an index.
func (d *IndexDiff) Added() []IndexChange {
	return d.filter(ActionAdd)
}

// Dropped returns the changes that remove an index.
func (d *IndexDiff) Dropped() []IndexChange {
	return d.filter(ActionDrop)
}

func (d *IndexDiff) filter(action Action) []IndexChange {
	var out []IndexChange
	for _, c := range d.Changes {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

// CompareIndexes applies submitted index changes to the existing declared
// indexes. A submitted index is either a field map or a delete marker.
func CompareIndexes(className string, existing, submitted map[string]schema.Index, fields map[string]schema.Field) (*IndexDiff, error) {
	result := &IndexDiff{ClassName: className, Indexes: make(map[string]schema.Index, len(existing)+len(submitted))}
	for name, idx := range existing {
		result.Indexes[name] = idx
	}
	if len(result.Indexes) == 0 {
		result.Indexes[DefaultIndexName] = schema.Index{{Field: "_id", Direction: 1}}
	}

	names := make([]string, 0, len(submitted))
	for name := range submitted {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		idx := submitted[name]
		_, exists := result.Indexes[name]
		switch {
		case exists && !idx.IsDelete():
			return nil, apierror.New(apierror.InvalidQuery, "Index %s exists, cannot update.", name)
		case !exists && idx.IsDelete():
			return nil, apierror.New(apierror.InvalidQuery, "Index %s does not exist, cannot delete.", name)
		case idx.IsDelete():
			delete(result.Indexes, name)
			result.Changes = append(result.Changes, IndexChange{IndexName: name, Action: ActionDrop})
		default:
			keys := idx.Fields()
			for _, key := range keys {
				if _, ok := fields[key]; !ok {
					return nil, apierror.New(apierror.InvalidQuery, "Field %s does not exist, cannot add index.", key)
				}
			}
			result.Indexes[name] = idx
			result.Changes = append(result.Changes, IndexChange{IndexName: name, Action: ActionAdd, Fields: keys})
		}
	}
	return result, nil
}

// MissingColumns lists declared fields that have no backing column yet.
// Relation fields live in join tables and never need a column.
func MissingColumns(fields map[string]schema.Field, columns []schema.Column) []string {
	present := make(map[string]bool, len(columns))
	for _, col := range columns {
		present[col.Name] = true
	}
	var missing []string
	for name, f := range fields {
		if f.Type == schema.TypeRelation || present[name] {
			continue
		}
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return missing
}

// RemoveFields drops names from s and reports which of them own a column.
func RemoveFields(s schema.Schema, names []string) (schema.Schema, []string) {
	out := s.Clone()
	var columns []string
	for _, name := range names {
		f, ok := out.Fields[name]
		if !ok || f.Type != schema.TypeRelation {
			columns = append(columns, name)
		}
		delete(out.Fields, name)
	}
	return out, columns
}
