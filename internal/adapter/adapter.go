// Package adapter is the storage adapter callers talk to. It compiles object
// queries and updates into single statements and routes schema mutations
// through the DDL manager, caching class schemas between calls.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/koba/pgobjects/internal/database"
	"github.com/koba/pgobjects/internal/ddl"
	"github.com/koba/pgobjects/internal/metrics"
	"github.com/koba/pgobjects/internal/schema"
)

// SchemaChannel is the NOTIFY channel announcing schema mutations.
const SchemaChannel = "schema.change"

const defaultCacheSize = 256

// Adapter serves object and schema operations over one connection pool.
type Adapter struct {
	db       *database.Postgres
	ddl      *ddl.Manager
	log      *zap.SugaredLogger
	cache    *lru.ARCCache
	senderID string
	notify   bool

	cacheSize int
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger used by the adapter and its transactions.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(a *Adapter) {
		a.log = log
	}
}

// WithSchemaCacheSize bounds the number of cached class schemas.
func WithSchemaCacheSize(size int) Option {
	return func(a *Adapter) {
		a.cacheSize = size
	}
}

// WithSchemaNotifications makes every committed schema mutation NOTIFY other
// processes on SchemaChannel.
func WithSchemaNotifications() Option {
	return func(a *Adapter) {
		a.notify = true
	}
}

// New creates an Adapter over an opened database.
func New(db *database.Postgres, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		db:        db,
		log:       zap.S(),
		senderID:  uuid.NewString(),
		cacheSize: defaultCacheSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cacheSize <= 0 {
		a.cacheSize = defaultCacheSize
	}
	cache, err := lru.NewARC(a.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema cache: %w", err)
	}
	a.cache = cache
	db.SetLogger(a.log)
	a.ddl = ddl.NewManager(db, a.log)
	a.ddl.OnChange(a.schemaChanged)
	return a, nil
}

// SenderID identifies this adapter in schema change notifications.
func (a *Adapter) SenderID() string {
	return a.senderID
}

// Close closes the underlying pool.
func (a *Adapter) Close() error {
	return a.db.Close()
}

func (a *Adapter) observe(operation string, start time.Time, err error) {
	metrics.Observe(operation, start, err, database.Classify(err).String())
}

func (a *Adapter) evict(className string) {
	if className == "" {
		a.cache.Purge()
		return
	}
	a.cache.Remove(className)
}

func (a *Adapter) schemaChanged(ctx context.Context, className string) {
	a.evict(className)
	if a.notify {
		a.notifySchemaChange(ctx, className)
	}
}

// PerformInitialization prepares the metadata table, the system class tables
// and the helper SQL functions.
func (a *Adapter) PerformInitialization(ctx context.Context) (err error) {
	defer func(start time.Time) { a.observe("performInitialization", start, err) }(time.Now())
	a.log.Debugw("performInitialization")
	return a.ddl.PerformInitialization(ctx, schema.VolatileClasses())
}

// CreateClass creates the class table and registers its schema.
func (a *Adapter) CreateClass(ctx context.Context, className string, s schema.Schema) (out schema.Schema, err error) {
	defer func(start time.Time) { a.observe("createClass", start, err) }(time.Now())
	s.ClassName = className
	return a.ddl.CreateClass(ctx, s)
}

// AddFieldIfNotExists adds one field to a class, creating the class when its
// table is missing.
func (a *Adapter) AddFieldIfNotExists(ctx context.Context, className, fieldName string, field schema.Field) (err error) {
	defer func(start time.Time) { a.observe("addFieldIfNotExists", start, err) }(time.Now())
	return a.ddl.AddFieldIfNotExists(ctx, className, fieldName, field)
}

// UpdateFieldOptions replaces the stored declaration of a field.
func (a *Adapter) UpdateFieldOptions(ctx context.Context, className, fieldName string, field schema.Field) (err error) {
	defer func(start time.Time) { a.observe("updateFieldOptions", start, err) }(time.Now())
	return a.ddl.UpdateFieldOptions(ctx, className, fieldName, field)
}

// SetClassLevelPermissions stores the class-level permissions of a class.
func (a *Adapter) SetClassLevelPermissions(ctx context.Context, className string, clp schema.CLP) (err error) {
	defer func(start time.Time) { a.observe("setClassLevelPermissions", start, err) }(time.Now())
	return a.ddl.SetClassLevelPermissions(ctx, className, clp)
}

// SetIndexesWithSchemaFormat applies submitted index changes.
func (a *Adapter) SetIndexesWithSchemaFormat(ctx context.Context, className string, submitted, existing map[string]schema.Index, fields map[string]schema.Field) (err error) {
	defer func(start time.Time) { a.observe("setIndexesWithSchemaFormat", start, err) }(time.Now())
	return a.ddl.SetIndexesWithSchemaFormat(ctx, className, submitted, existing, fields)
}

// GetIndexes lists the indexes present on the class table.
func (a *Adapter) GetIndexes(ctx context.Context, className string) (indexes []schema.TableIndex, err error) {
	defer func(start time.Time) { a.observe("getIndexes", start, err) }(time.Now())
	return a.ddl.GetIndexes(ctx, className)
}

// EnsureUniqueness creates a unique index over fieldNames.
func (a *Adapter) EnsureUniqueness(ctx context.Context, className string, fieldNames []string) (err error) {
	defer func(start time.Time) { a.observe("ensureUniqueness", start, err) }(time.Now())
	return a.ddl.EnsureUniqueness(ctx, className, fieldNames)
}

// EnsureIndex creates a plain or case-insensitive index over fieldNames.
func (a *Adapter) EnsureIndex(ctx context.Context, className string, fieldNames []string, indexName string, caseInsensitive bool) (err error) {
	defer func(start time.Time) { a.observe("ensureIndex", start, err) }(time.Now())
	return a.ddl.EnsureIndex(ctx, className, fieldNames, indexName, caseInsensitive)
}

// DeleteClass drops a class and its metadata.
func (a *Adapter) DeleteClass(ctx context.Context, className string) (err error) {
	defer func(start time.Time) { a.observe("deleteClass", start, err) }(time.Now())
	return a.ddl.DeleteClass(ctx, className)
}

// DeleteAllClasses drops every class and the metadata table.
func (a *Adapter) DeleteAllClasses(ctx context.Context) (err error) {
	defer func(start time.Time) { a.observe("deleteAllClasses", start, err) }(time.Now())
	return a.ddl.DeleteAllClasses(ctx)
}

// DeleteFields removes fields from a class.
func (a *Adapter) DeleteFields(ctx context.Context, className string, s schema.Schema, fieldNames []string) (err error) {
	defer func(start time.Time) { a.observe("deleteFields", start, err) }(time.Now())
	return a.ddl.DeleteFields(ctx, className, s, fieldNames)
}

// GetAllClasses lists every registered class.
func (a *Adapter) GetAllClasses(ctx context.Context) (classes []schema.Schema, err error) {
	defer func(start time.Time) { a.observe("getAllClasses", start, err) }(time.Now())
	return a.ddl.GetAllClasses(ctx)
}

// GetClass returns one registered class, from the cache when possible.
func (a *Adapter) GetClass(ctx context.Context, className string) (s schema.Schema, err error) {
	defer func(start time.Time) { a.observe("getClass", start, err) }(time.Now())
	if cached, ok := a.cache.Get(className); ok {
		return cached.(schema.Schema).Clone(), nil
	}
	s, err = a.ddl.GetClass(ctx, className)
	if err != nil {
		return schema.Schema{}, err
	}
	a.cache.Add(className, s.Clone())
	return s, nil
}

// ClassExists reports whether the class table exists.
func (a *Adapter) ClassExists(ctx context.Context, className string) (ok bool, err error) {
	defer func(start time.Time) { a.observe("classExists", start, err) }(time.Now())
	return a.ddl.ClassExists(ctx, className)
}
