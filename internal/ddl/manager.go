// Package ddl evolves class tables together with their metadata rows. Every
// mutation runs in one transaction so the stored schema and the table
// structure change together; errors caused by a concurrent caller doing the
// same change are absorbed.
package ddl

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/koba/pgobjects/internal/apierror"
	"github.com/koba/pgobjects/internal/database"
	"github.com/koba/pgobjects/internal/diff"
	"github.com/koba/pgobjects/internal/generator"
	"github.com/koba/pgobjects/internal/metadata"
	"github.com/koba/pgobjects/internal/schema"
)

// ChangeFunc is called after a schema mutation commits.
type ChangeFunc func(ctx context.Context, className string)

// Manager applies schema changes.
type Manager struct {
	db       *database.Postgres
	log      *zap.SugaredLogger
	onChange ChangeFunc
}

// NewManager creates a Manager over db. A nil log uses the global logger.
func NewManager(db *database.Postgres, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.S()
	}
	return &Manager{db: db, log: log}
}

// OnChange registers fn to run after each committed schema mutation.
func (m *Manager) OnChange(fn ChangeFunc) {
	m.onChange = fn
}

func (m *Manager) changed(ctx context.Context, className string) {
	if m.onChange != nil {
		m.onChange(ctx, className)
	}
}

var metadataRaces = []database.Kind{database.DuplicateRelation, database.DuplicateObject, database.UniqueViolation}

// EnsureMetadataTable creates the metadata table if needed.
func (m *Manager) EnsureMetadataTable(ctx context.Context) error {
	return metadata.EnsureTable(ctx, m.db.DB())
}

// CreateTable creates the class table and its join tables.
func (m *Manager) CreateTable(ctx context.Context, s schema.Schema) error {
	return m.db.WithTx(ctx, func(tx *database.Tx) error {
		return m.createTable(ctx, tx, s)
	})
}

func (m *Manager) createTable(ctx context.Context, tx *database.Tx, s schema.Schema) error {
	normalized := schema.Normalize(s)
	stmt, err := generator.NewDDLGenerator(s.ClassName).CreateTable(normalized)
	if err != nil {
		return apierror.Wrap(apierror.InvalidJSON, err, "cannot create table %s", s.ClassName)
	}
	if _, err := tx.ExecTolerant(ctx, []database.Kind{database.DuplicateRelation}, stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.ClassName, err)
	}
	for _, join := range schema.JoinTables(normalized) {
		if _, err := tx.ExecContext(ctx, generator.CreateJoinTable(join)); err != nil {
			return fmt.Errorf("failed to create join table %s: %w", join, err)
		}
	}
	return nil
}

// CreateClass creates the table, registers the schema and applies its
// declared indexes. It returns the schema as callers see it.
func (m *Manager) CreateClass(ctx context.Context, s schema.Schema) (schema.Schema, error) {
	m.log.Debugw("createClass", "className", s.ClassName)
	err := m.db.WithTx(ctx, func(tx *database.Tx) error {
		return m.createClass(ctx, tx, s)
	})
	if err != nil {
		return schema.Schema{}, classError(s.ClassName, err)
	}
	m.changed(ctx, s.ClassName)
	return schema.Public(s), nil
}

func (m *Manager) createClass(ctx context.Context, tx *database.Tx, s schema.Schema) error {
	if _, err := tx.ExecTolerant(ctx, metadataRaces, generator.CreateMetadataTable); err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}
	if err := m.createTable(ctx, tx, s); err != nil {
		return err
	}
	if err := metadata.Insert(ctx, tx, s); err != nil {
		return err
	}
	if s.Indexes == nil {
		return nil
	}
	indexDiff, err := diff.CompareIndexes(s.ClassName, nil, s.Indexes, schema.Normalize(s).Fields)
	if err != nil {
		return err
	}
	return applyIndexes(ctx, tx, indexDiff)
}

// classError reports a unique violation that names the class as an
// already existing class.
func classError(className string, err error) error {
	if database.Is(err, database.UniqueViolation) {
		if _, message := database.Detail(err); strings.Contains(message, className) {
			return apierror.Wrap(apierror.DuplicateValue, err, "Class %s already exists.", className)
		}
	}
	return err
}

var errFieldExists = apierror.New(apierror.OperationForbidden, "Attempted to add a field that already exists")

// AddFieldIfNotExists adds a column, or a join table for a relation, and
// declares the field. A missing class table is created with just this field.
func (m *Manager) AddFieldIfNotExists(ctx context.Context, className, name string, field schema.Field) error {
	m.log.Debugw("addFieldIfNotExists", "className", className, "field", name)
	declared, err := metadata.FieldDeclared(ctx, m.db.DB(), className, name)
	if err != nil && !database.Is(err, database.RelationMissing) {
		return err
	}
	if declared {
		return errFieldExists
	}

	err = m.db.WithTx(ctx, func(tx *database.Tx) error {
		if field.Type == schema.TypeRelation {
			if _, err := tx.ExecContext(ctx, generator.CreateJoinTable(schema.JoinTableName(className, name))); err != nil {
				return fmt.Errorf("failed to create join table: %w", err)
			}
		} else {
			stmt, err := generator.NewDDLGenerator(className).AddColumn(name, field)
			if err != nil {
				return apierror.Wrap(apierror.InvalidJSON, err, "cannot add field %s", name)
			}
			kind, err := tx.ExecTolerant(ctx, []database.Kind{database.DuplicateColumn, database.RelationMissing}, stmt)
			if err != nil {
				return fmt.Errorf("failed to add column %s: %w", name, err)
			}
			if kind == database.RelationMissing {
				return m.createClass(ctx, tx, schema.Schema{
					ClassName: className,
					Fields:    map[string]schema.Field{name: field},
				})
			}
		}

		declared, err := metadata.FieldDeclared(ctx, tx, className, name)
		if err != nil {
			return err
		}
		if declared {
			return errFieldExists
		}
		return metadata.SetField(ctx, tx, className, name, field)
	})
	if err != nil {
		return classError(className, err)
	}
	m.changed(ctx, className)
	return nil
}

// UpdateFieldOptions replaces the stored declaration of an existing field.
func (m *Manager) UpdateFieldOptions(ctx context.Context, className, name string, field schema.Field) error {
	err := m.db.WithTx(ctx, func(tx *database.Tx) error {
		return metadata.SetField(ctx, tx, className, name, field)
	})
	if err != nil {
		return err
	}
	m.changed(ctx, className)
	return nil
}

// SetClassLevelPermissions stores the class-level permissions of a class.
func (m *Manager) SetClassLevelPermissions(ctx context.Context, className string, clp schema.CLP) error {
	if err := metadata.SetPath(ctx, m.db.DB(), className, []string{"classLevelPermissions"}, clp); err != nil {
		return err
	}
	m.changed(ctx, className)
	return nil
}

// SetIndexesWithSchemaFormat applies submitted index changes on top of the
// existing declared indexes. Submitted entries are either field maps or
// {"__op": "Delete"}.
func (m *Manager) SetIndexesWithSchemaFormat(ctx context.Context, className string, submitted, existing map[string]schema.Index, fields map[string]schema.Field) error {
	if submitted == nil {
		return nil
	}
	indexDiff, err := diff.CompareIndexes(className, existing, submitted, fields)
	if err != nil {
		return err
	}
	err = m.db.WithTx(ctx, func(tx *database.Tx) error {
		return applyIndexes(ctx, tx, indexDiff)
	})
	if err != nil {
		return err
	}
	m.changed(ctx, className)
	return nil
}

func applyIndexes(ctx context.Context, tx *database.Tx, indexDiff *diff.IndexDiff) error {
	for _, stmt := range generator.NewDDLGenerator(indexDiff.ClassName).Generate(indexDiff) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply index change: %w", err)
		}
	}
	return metadata.SetPath(ctx, tx, indexDiff.ClassName, []string{"indexes"}, indexDiff.Indexes)
}

// GetIndexes lists the indexes present on the class table.
func (m *Manager) GetIndexes(ctx context.Context, className string) ([]schema.TableIndex, error) {
	return database.Indexes(ctx, m.db.DB(), className)
}

// EnsureUniqueness creates a unique index over fieldNames. Existing
// duplicates are reported as DuplicateValue.
func (m *Manager) EnsureUniqueness(ctx context.Context, className string, fieldNames []string) error {
	columns := sortedCopy(fieldNames)
	name := className + "_unique_" + strings.Join(columns, "_")
	stmt := generator.NewDDLGenerator(className).CreateIndex(name, columns, true)
	_, err := m.db.DB().ExecContext(ctx, stmt)
	return indexError(name, err)
}

// EnsureIndex creates a plain index over fieldNames, optionally on
// lower(column) for case-insensitive lookups. An empty indexName derives one
// from the field names.
func (m *Manager) EnsureIndex(ctx context.Context, className string, fieldNames []string, indexName string, caseInsensitive bool) error {
	if indexName == "" {
		indexName = "parse_default_" + strings.Join(sortedCopy(fieldNames), "_")
	}
	g := generator.NewDDLGenerator(className)
	stmt := g.CreateIndex(indexName, fieldNames, false)
	if caseInsensitive {
		stmt = g.CreateCaseInsensitiveIndex(indexName, fieldNames)
	}
	_, err := m.db.DB().ExecContext(ctx, stmt)
	return indexError(indexName, err)
}

func indexError(indexName string, err error) error {
	if err == nil {
		return nil
	}
	_, message := database.Detail(err)
	switch {
	case database.Is(err, database.DuplicateRelation) && strings.Contains(message, indexName):
		return nil
	case database.Is(err, database.UniqueViolation) && strings.Contains(message, indexName):
		return apierror.Wrap(apierror.DuplicateValue, err, "A duplicate value for a field with unique values was provided")
	}
	return fmt.Errorf("failed to create index %s: %w", indexName, err)
}

func sortedCopy(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

// DeleteClass drops the class table, its join tables and its metadata row.
func (m *Manager) DeleteClass(ctx context.Context, className string) error {
	m.log.Debugw("deleteClass", "className", className)
	stored, _, err := metadata.Get(ctx, m.db.DB(), className)
	if err != nil {
		return err
	}
	err = m.db.WithTx(ctx, func(tx *database.Tx) error {
		tables := append([]string{className}, schema.JoinTables(stored)...)
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, generator.NewDDLGenerator(table).DropTable()); err != nil {
				return fmt.Errorf("failed to drop %s: %w", table, err)
			}
		}
		exists, err := database.TableExists(ctx, tx, schema.MetadataTable)
		if err != nil || !exists {
			return err
		}
		return metadata.Delete(ctx, tx, className)
	})
	if err != nil {
		return err
	}
	m.changed(ctx, className)
	return nil
}

// DeleteAllClasses drops every registered class, the system classes, all
// join tables and the metadata table. Without a metadata table nothing is
// dropped.
func (m *Manager) DeleteAllClasses(ctx context.Context) error {
	start := time.Now()
	exists, err := database.TableExists(ctx, m.db.DB(), schema.MetadataTable)
	if err != nil || !exists {
		return err
	}
	schemas, err := metadata.All(ctx, m.db.DB())
	if err != nil {
		return err
	}
	existing, err := database.GetAllTables(ctx, m.db.DB())
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	var tables []string
	add := func(names ...string) {
		for _, name := range names {
			if !seen[name] {
				seen[name] = true
				tables = append(tables, name)
			}
		}
	}
	add(schema.MetadataTable)
	add(schema.SystemClasses...)
	for _, s := range schemas {
		add(s.ClassName)
		add(schema.JoinTables(s)...)
	}
	for _, table := range existing {
		if strings.HasPrefix(table, schema.JoinPrefix) {
			add(table)
		}
	}

	err = m.db.WithTx(ctx, func(tx *database.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, generator.NewDDLGenerator(table).DropTable()); err != nil {
				return fmt.Errorf("failed to drop %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Debugw("deleteAllClasses done", "tables", len(tables), "duration", time.Since(start))
	m.changed(ctx, "")
	return nil
}

// DeleteFields removes fields from the stored schema and drops their columns.
// Relation fields only lose their declaration. A missing table has no columns
// to drop.
func (m *Manager) DeleteFields(ctx context.Context, className string, s schema.Schema, names []string) error {
	updated, columns := diff.RemoveFields(s, names)
	updated.ClassName = className
	err := m.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := metadata.Replace(ctx, tx, updated); err != nil {
			return err
		}
		if len(columns) == 0 {
			return nil
		}
		drop := generator.NewDDLGenerator(className).DropColumns(columns)
		if _, err := tx.ExecTolerant(ctx, []database.Kind{database.RelationMissing}, drop); err != nil {
			return fmt.Errorf("failed to drop columns of %s: %w", className, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.changed(ctx, className)
	return nil
}

// GetAllClasses returns every registered class as callers see it.
func (m *Manager) GetAllClasses(ctx context.Context) ([]schema.Schema, error) {
	if err := m.EnsureMetadataTable(ctx); err != nil {
		return nil, err
	}
	stored, err := metadata.All(ctx, m.db.DB())
	if err != nil {
		return nil, err
	}
	out := make([]schema.Schema, len(stored))
	for i, s := range stored {
		out[i] = schema.Public(s)
	}
	return out, nil
}

// GetClass returns one registered class as callers see it.
func (m *Manager) GetClass(ctx context.Context, className string) (schema.Schema, error) {
	stored, found, err := metadata.Get(ctx, m.db.DB(), className)
	if err != nil {
		return schema.Schema{}, err
	}
	if !found {
		return schema.Schema{}, apierror.New(apierror.ObjectNotFound, "Class %s does not exist.", className)
	}
	return schema.Public(stored), nil
}

// ClassExists reports whether the class table exists.
func (m *Manager) ClassExists(ctx context.Context, className string) (bool, error) {
	return database.TableExists(ctx, m.db.DB(), className)
}

// SchemaUpgrade adds the columns of declared fields that the table lacks.
// The stored schema is left alone.
func (m *Manager) SchemaUpgrade(ctx context.Context, s schema.Schema) error {
	columns, err := database.Columns(ctx, m.db.DB(), s.ClassName)
	if err != nil {
		return err
	}
	normalized := schema.Normalize(s)
	missing := diff.MissingColumns(normalized.Fields, columns)
	if len(missing) == 0 {
		return nil
	}
	m.log.Infow("upgrading schema", "className", s.ClassName, "columns", missing)
	g := generator.NewDDLGenerator(s.ClassName)
	return m.db.WithTx(ctx, func(tx *database.Tx) error {
		for _, name := range missing {
			stmt, err := g.AddColumn(name, normalized.Fields[name])
			if err != nil {
				return apierror.Wrap(apierror.InvalidJSON, err, "cannot add field %s", name)
			}
			if _, err := tx.ExecTolerant(ctx, []database.Kind{database.DuplicateColumn}, stmt); err != nil {
				return fmt.Errorf("failed to add column %s: %w", name, err)
			}
		}
		return nil
	})
}

// PerformInitialization creates the metadata table and the volatile class
// tables, upgrades those tables, then installs the helper SQL functions.
func (m *Manager) PerformInitialization(ctx context.Context, volatile []schema.Schema) error {
	if err := m.EnsureMetadataTable(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range volatile {
		s := s
		g.Go(func() error {
			if err := m.CreateTable(gctx, s); err != nil && !database.Is(err, database.DuplicateRelation) {
				return err
			}
			return m.SchemaUpgrade(gctx, s)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return m.db.WithTx(ctx, func(tx *database.Tx) error {
		for _, fn := range generator.HelperFunctions() {
			if _, err := tx.ExecContext(ctx, fn); err != nil {
				return fmt.Errorf("failed to install helper function: %w", err)
			}
		}
		return nil
	})
}
