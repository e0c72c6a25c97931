package adapter

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/koba/pgobjects/internal/apierror"
	"github.com/koba/pgobjects/internal/database"
	"github.com/koba/pgobjects/internal/generator"
	"github.com/koba/pgobjects/internal/schema"
	"github.com/koba/pgobjects/internal/update"
	"github.com/koba/pgobjects/internal/where"
	"github.com/koba/pgobjects/internal/wire"
)

var uniqueConstraint = regexp.MustCompile(`unique_([a-zA-Z]+)`)

func duplicateValue(err error) error {
	apiErr := apierror.Wrap(apierror.DuplicateValue, err, "A duplicate value for a field with unique values was provided")
	constraint, _ := database.Detail(err)
	if m := uniqueConstraint.FindStringSubmatch(constraint); m != nil {
		apiErr.DuplicatedField = m[1]
	}
	return apiErr
}

// CreateObject inserts one object and returns it as stored, with dotted and
// auth data keys folded.
func (a *Adapter) CreateObject(ctx context.Context, className string, s schema.Schema, object wire.Document) (created wire.Document, err error) {
	defer func(start time.Time) { a.observe("createObject", start, err) }(time.Now())
	a.log.Debugw("createObject", "className", className)

	ins, err := update.CompileInsert(s, object)
	if err != nil {
		return nil, err
	}
	if _, err := a.db.DB().ExecContext(ctx, ins.Statement(className), ins.Values...); err != nil {
		if database.Is(err, database.UniqueViolation) {
			return nil, duplicateValue(err)
		}
		return nil, fmt.Errorf("createObject %s: %w", className, err)
	}
	return ins.Object, nil
}

// UpdateObjectsByQuery applies doc to every object matching query and returns
// the updated objects.
func (a *Adapter) UpdateObjectsByQuery(ctx context.Context, className string, s schema.Schema, query, doc wire.Document) (objects []wire.Document, err error) {
	defer func(start time.Time) { a.observe("updateObjectsByQuery", start, err) }(time.Now())
	a.log.Debugw("updateObjectsByQuery", "className", className)
	s = schema.Normalize(s)

	args := generator.NewArgs(1)
	sets, err := update.Build(s, doc, args)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, apierror.New(apierror.InvalidJSON, "update of %s changes nothing", className)
	}
	w, err := where.Build(s, query, args, where.Options{})
	if err != nil {
		return nil, err
	}

	rows, err := a.query(ctx, generator.Update(className, sets, w.Pattern), args.Values())
	if err != nil {
		if database.Is(err, database.UniqueViolation) {
			return nil, duplicateValue(err)
		}
		return nil, fmt.Errorf("updateObjectsByQuery %s: %w", className, err)
	}
	return decodeRows(s, rows)
}

// FindOneAndUpdate updates the objects matching query and returns the first
// one, or nil when nothing matched.
func (a *Adapter) FindOneAndUpdate(ctx context.Context, className string, s schema.Schema, query, doc wire.Document) (wire.Document, error) {
	objects, err := a.UpdateObjectsByQuery(ctx, className, s, query, doc)
	if err != nil || len(objects) == 0 {
		return nil, err
	}
	return objects[0], nil
}

// UpsertOneObject creates an object from query and doc combined, updating
// the matching object instead when the insert hits a unique constraint.
func (a *Adapter) UpsertOneObject(ctx context.Context, className string, s schema.Schema, query, doc wire.Document) (err error) {
	defer func(start time.Time) { a.observe("upsertOneObject", start, err) }(time.Now())

	combined := query.Clone()
	for _, e := range doc {
		combined.Set(e.Key, e.Value)
	}
	_, err = a.CreateObject(ctx, className, s, combined)
	if !apierror.HasCode(err, apierror.DuplicateValue) {
		return err
	}
	_, err = a.FindOneAndUpdate(ctx, className, s, query, doc)
	return err
}

// DeleteObjectsByQuery deletes the objects matching query and returns how
// many went away. Deleting nothing is ObjectNotFound; a missing class table
// deletes nothing without error.
func (a *Adapter) DeleteObjectsByQuery(ctx context.Context, className string, s schema.Schema, query wire.Document) (count int64, err error) {
	defer func(start time.Time) { a.observe("deleteObjectsByQuery", start, err) }(time.Now())
	a.log.Debugw("deleteObjectsByQuery", "className", className)
	s = schema.Normalize(s)

	w, err := where.Compile(s, query, 1, where.Options{})
	if err != nil {
		return 0, err
	}
	err = a.db.DB().QueryRowContext(ctx, generator.DeleteCount(className, w.Pattern), w.Values...).Scan(&count)
	if database.Is(err, database.RelationMissing) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("deleteObjectsByQuery %s: %w", className, err)
	}
	if count == 0 {
		return 0, apierror.New(apierror.ObjectNotFound, "Object not found.")
	}
	return count, nil
}
