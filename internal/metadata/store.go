// Package metadata reads and writes the reserved table that stores one schema
// document per class.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/koba/pgobjects/internal/database"
	"github.com/koba/pgobjects/internal/generator"
	"github.com/koba/pgobjects/internal/schema"
)

const (
	insertSchema  = `INSERT INTO "_SCHEMA" ("className", "schema", "isParseClass") VALUES ($1, $2, $3)`
	selectSchema  = `SELECT "schema" FROM "_SCHEMA" WHERE "className" = $1`
	selectAll     = `SELECT "className", "schema" FROM "_SCHEMA" ORDER BY "className"`
	fieldDeclared = `SELECT "schema" FROM "_SCHEMA" WHERE "className" = $1 AND ("schema"::json->'fields'->$2) IS NOT NULL`
	setPath       = `UPDATE "_SCHEMA" SET "schema" = jsonb_set("schema", $1::text[], $2::jsonb) WHERE "className" = $3`
	replaceSchema = `UPDATE "_SCHEMA" SET "schema" = $1 WHERE "className" = $2`
	deleteSchema  = `DELETE FROM "_SCHEMA" WHERE "className" = $1`
)

// EnsureTable creates the metadata table. Losing a creation race to another
// process is not an error.
func EnsureTable(ctx context.Context, q database.Executor) error {
	_, err := q.ExecContext(ctx, generator.CreateMetadataTable)
	err = database.Ignore(err, database.DuplicateRelation, database.DuplicateObject, database.UniqueViolation)
	if err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}
	return nil
}

// Insert registers a class. The logical schema is stored, not the normalized one.
func Insert(ctx context.Context, q database.Executor, s schema.Schema) error {
	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal schema %s: %w", s.ClassName, err)
	}
	if _, err := q.ExecContext(ctx, insertSchema, s.ClassName, string(data), true); err != nil {
		return fmt.Errorf("failed to insert schema %s: %w", s.ClassName, err)
	}
	return nil
}

// Get loads one class schema. A missing row or a missing metadata table
// reports found == false.
func Get(ctx context.Context, q database.Executor, className string) (s schema.Schema, found bool, err error) {
	var data []byte
	err = q.QueryRowContext(ctx, selectSchema, className).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows), database.Is(err, database.RelationMissing):
		return schema.Schema{}, false, nil
	case err != nil:
		return schema.Schema{}, false, fmt.Errorf("failed to get schema %s: %w", className, err)
	}
	s, err = schema.Unmarshal(className, data)
	if err != nil {
		return schema.Schema{}, false, fmt.Errorf("failed to decode schema %s: %w", className, err)
	}
	return s, true, nil
}

// All loads every class schema ordered by class name.
func All(ctx context.Context, q database.Executor) ([]schema.Schema, error) {
	rows, err := q.QueryContext(ctx, selectAll)
	if database.Is(err, database.RelationMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	defer rows.Close()

	var schemas []schema.Schema
	for rows.Next() {
		var className string
		var data []byte
		if err := rows.Scan(&className, &data); err != nil {
			return nil, fmt.Errorf("failed to scan schema: %w", err)
		}
		s, err := schema.Unmarshal(className, data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode schema %s: %w", className, err)
		}
		schemas = append(schemas, s)
	}
	return schemas, rows.Err()
}

// FieldDeclared reports whether the stored schema of className declares name.
func FieldDeclared(ctx context.Context, q database.Executor, className, name string) (bool, error) {
	rows, err := q.QueryContext(ctx, fieldDeclared, className, name)
	if err != nil {
		return false, fmt.Errorf("failed to check field %s.%s: %w", className, name, err)
	}
	defer rows.Close()
	found := rows.Next()
	return found, rows.Err()
}

// SetField declares or replaces one field in the stored schema.
func SetField(ctx context.Context, q database.Executor, className, name string, field schema.Field) error {
	return SetPath(ctx, q, className, []string{"fields", name}, field)
}

// SetPath replaces the value at path inside the stored schema document.
func SetPath(ctx context.Context, q database.Executor, className string, path []string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %v: %w", path, err)
	}
	if _, err := q.ExecContext(ctx, setPath, pq.Array(path), string(data), className); err != nil {
		return fmt.Errorf("failed to update schema %s: %w", className, err)
	}
	return nil
}

// Replace overwrites the stored schema of s.ClassName.
func Replace(ctx context.Context, q database.Executor, s schema.Schema) error {
	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal schema %s: %w", s.ClassName, err)
	}
	if _, err := q.ExecContext(ctx, replaceSchema, string(data), s.ClassName); err != nil {
		return fmt.Errorf("failed to replace schema %s: %w", s.ClassName, err)
	}
	return nil
}

// Delete removes the row of className.
func Delete(ctx context.Context, q database.Executor, className string) error {
	if _, err := q.ExecContext(ctx, deleteSchema, className); err != nil {
		return fmt.Errorf("failed to delete schema %s: %w", className, err)
	}
	return nil
}
