package ddl

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koba/pgobjects/internal/apierror"
	"github.com/koba/pgobjects/internal/database"
	"github.com/koba/pgobjects/internal/generator"
	"github.com/koba/pgobjects/internal/schema"
)

const (
	fieldDeclaredSQL = `SELECT "schema" FROM "_SCHEMA" WHERE "className" = $1 AND ("schema"::json->'fields'->$2) IS NOT NULL`
	insertSchemaSQL  = `INSERT INTO "_SCHEMA" ("className", "schema", "isParseClass") VALUES ($1, $2, $3)`
	setPathSQL       = `UPDATE "_SCHEMA" SET "schema" = jsonb_set("schema", $1::text[], $2::jsonb) WHERE "className" = $3`
)

var q = regexp.QuoteMeta

func newManager(t *testing.T) (*Manager, sqlmock.Sqlmock, *[]string) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	m := NewManager(database.Wrap(db), nil)
	var changed []string
	m.OnChange(func(_ context.Context, className string) {
		changed = append(changed, className)
	})
	return m, mock, &changed
}

func expectTolerant(mock sqlmock.Sqlmock, n string, stmt string) {
	mock.ExpectExec(q("SAVEPOINT tolerant_" + n)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("RELEASE SAVEPOINT tolerant_" + n)).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestCreateClass(t *testing.T) {
	m, mock, changed := newManager(t)
	s := schema.Schema{
		ClassName: "Item",
		Fields: map[string]schema.Field{
			"objectId": {Type: schema.TypeString},
			"name":     {Type: schema.TypeString},
			"members":  {Type: schema.TypeRelation, TargetClass: "_User"},
		},
		Indexes: map[string]schema.Index{"name_1": {{Field: "name", Direction: 1}}},
	}

	mock.ExpectBegin()
	expectTolerant(mock, "1", generator.CreateMetadataTable)
	expectTolerant(mock, "2", `CREATE TABLE IF NOT EXISTS "Item" ("_rperm" text[], "_wperm" text[], "name" text, "objectId" text, PRIMARY KEY ("objectId"))`)
	mock.ExpectExec(q(`CREATE TABLE IF NOT EXISTS "_Join:members:Item"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(insertSchemaSQL)).WithArgs("Item", sqlmock.AnyArg(), true).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(q(`CREATE INDEX IF NOT EXISTS "name_1" ON "Item" ("name")`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(setPathSQL)).
		WithArgs(`{"indexes"}`, `{"_id_":{"_id":1},"name_1":{"name":1}}`, "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := m.CreateClass(context.Background(), s)
	require.NoError(t, err)
	assert.NotContains(t, out.Fields, schema.ReadPerm)
	assert.Equal(t, map[string]any{"*": true}, out.ClassLevelPermissions["find"])
	assert.Equal(t, []string{"Item"}, *changed)
}

func TestCreateTableTwice(t *testing.T) {
	m, mock, _ := newManager(t)
	s := schema.Schema{ClassName: "Item", Fields: map[string]schema.Field{
		"objectId": {Type: schema.TypeString},
		"members":  {Type: schema.TypeRelation, TargetClass: "_User"},
	}}
	create := `CREATE TABLE IF NOT EXISTS "Item" ("_rperm" text[], "_wperm" text[], "objectId" text, PRIMARY KEY ("objectId"))`

	mock.ExpectBegin()
	expectTolerant(mock, "1", create)
	mock.ExpectExec(q(`CREATE TABLE IF NOT EXISTS "_Join:members:Item"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(q("SAVEPOINT tolerant_1")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(create)).WillReturnError(&pq.Error{Code: "42P07"})
	mock.ExpectExec(q("ROLLBACK TO SAVEPOINT tolerant_1")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(`CREATE TABLE IF NOT EXISTS "_Join:members:Item"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ctx := context.Background()
	require.NoError(t, m.CreateTable(ctx, s))
	require.NoError(t, m.CreateTable(ctx, s))
}

func TestCreateClassAlreadyExists(t *testing.T) {
	m, mock, changed := newManager(t)
	s := schema.Schema{ClassName: "Item", Fields: map[string]schema.Field{"name": {Type: schema.TypeString}}}

	mock.ExpectBegin()
	expectTolerant(mock, "1", generator.CreateMetadataTable)
	expectTolerant(mock, "2", `CREATE TABLE IF NOT EXISTS "Item"`)
	mock.ExpectExec(q(insertSchemaSQL)).WillReturnError(&pq.Error{
		Code:    "23505",
		Message: `duplicate key value violates unique constraint "_SCHEMA_pkey"`,
		Detail:  `Key ("className")=(Item) already exists.`,
	})
	mock.ExpectRollback()

	_, err := m.CreateClass(context.Background(), s)
	require.Error(t, err)
	var apiErr *apierror.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierror.DuplicateValue, apiErr.Code)
	assert.Equal(t, "Class Item already exists.", apiErr.Message)
	assert.Empty(t, *changed)
}

func TestAddFieldAlreadyDeclaredFailsBeforeAlter(t *testing.T) {
	m, mock, _ := newManager(t)
	mock.ExpectQuery(q(fieldDeclaredSQL)).WithArgs("Item", "score").
		WillReturnRows(sqlmock.NewRows([]string{"schema"}).AddRow([]byte(`{}`)))

	err := m.AddFieldIfNotExists(context.Background(), "Item", "score", schema.Field{Type: schema.TypeNumber})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Attempted to add a field that already exists")
}

func TestAddFieldIfNotExists(t *testing.T) {
	m, mock, changed := newManager(t)
	mock.ExpectQuery(q(fieldDeclaredSQL)).WithArgs("Item", "score").WillReturnRows(sqlmock.NewRows([]string{"schema"}))
	mock.ExpectBegin()
	expectTolerant(mock, "1", `ALTER TABLE "Item" ADD COLUMN "score" double precision`)
	mock.ExpectQuery(q(fieldDeclaredSQL)).WithArgs("Item", "score").WillReturnRows(sqlmock.NewRows([]string{"schema"}))
	mock.ExpectExec(q(setPathSQL)).WithArgs(`{"fields","score"}`, `{"type":"Number"}`, "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.AddFieldIfNotExists(context.Background(), "Item", "score", schema.Field{Type: schema.TypeNumber}))
	assert.Equal(t, []string{"Item"}, *changed)
}

func TestAddFieldCreatesMissingClass(t *testing.T) {
	m, mock, _ := newManager(t)
	mock.ExpectQuery(q(fieldDeclaredSQL)).WithArgs("Item", "score").WillReturnError(&pq.Error{Code: "42P01"})
	mock.ExpectBegin()
	mock.ExpectExec(q("SAVEPOINT tolerant_1")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(`ALTER TABLE "Item" ADD COLUMN "score" double precision`)).WillReturnError(&pq.Error{Code: "42P01"})
	mock.ExpectExec(q("ROLLBACK TO SAVEPOINT tolerant_1")).WillReturnResult(sqlmock.NewResult(0, 0))
	expectTolerant(mock, "2", generator.CreateMetadataTable)
	expectTolerant(mock, "3", `CREATE TABLE IF NOT EXISTS "Item" ("_rperm" text[], "_wperm" text[], "score" double precision)`)
	mock.ExpectExec(q(insertSchemaSQL)).WithArgs("Item", `{"className":"Item","fields":{"score":{"type":"Number"}}}`, true).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, m.AddFieldIfNotExists(context.Background(), "Item", "score", schema.Field{Type: schema.TypeNumber}))
}

func TestAddRelationFieldCreatesJoinTable(t *testing.T) {
	m, mock, _ := newManager(t)
	field := schema.Field{Type: schema.TypeRelation, TargetClass: "_User"}
	mock.ExpectQuery(q(fieldDeclaredSQL)).WithArgs("Item", "members").WillReturnRows(sqlmock.NewRows([]string{"schema"}))
	mock.ExpectBegin()
	mock.ExpectExec(q(generator.CreateJoinTable("_Join:members:Item"))).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(fieldDeclaredSQL)).WithArgs("Item", "members").WillReturnRows(sqlmock.NewRows([]string{"schema"}))
	mock.ExpectExec(q(setPathSQL)).WithArgs(`{"fields","members"}`, `{"type":"Relation","targetClass":"_User"}`, "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.AddFieldIfNotExists(context.Background(), "Item", "members", field))
}

func TestSetIndexesWithSchemaFormat(t *testing.T) {
	m, mock, _ := newManager(t)
	fields := map[string]schema.Field{"name": {Type: schema.TypeString}}
	existing := map[string]schema.Index{
		"_id_": {{Field: "_id", Direction: 1}},
		"old":  {{Field: "name", Direction: 1}},
	}
	submitted := map[string]schema.Index{
		"old":    schema.DeleteIndex(),
		"byName": {{Field: "name", Direction: -1}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(q(`CREATE INDEX IF NOT EXISTS "byName" ON "Item" ("name")`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(`DROP INDEX IF EXISTS "old"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(setPathSQL)).WithArgs(`{"indexes"}`, `{"_id_":{"_id":1},"byName":{"name":-1}}`, "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.SetIndexesWithSchemaFormat(context.Background(), "Item", submitted, existing, fields))
}

func TestSetIndexesRejectsUnknownField(t *testing.T) {
	m, _, _ := newManager(t)
	err := m.SetIndexesWithSchemaFormat(context.Background(), "Item",
		map[string]schema.Index{"bad": {{Field: "missing", Direction: 1}}}, nil, map[string]schema.Field{})
	assert.True(t, apierror.HasCode(err, apierror.InvalidQuery))
}

func TestEnsureUniqueness(t *testing.T) {
	m, mock, _ := newManager(t)
	stmt := `CREATE UNIQUE INDEX IF NOT EXISTS "Item_unique_email_username" ON "Item" ("email", "username")`

	mock.ExpectExec(q(stmt)).WillReturnError(&pq.Error{Code: "42P07", Message: `relation "Item_unique_email_username" already exists`})
	assert.NoError(t, m.EnsureUniqueness(context.Background(), "Item", []string{"username", "email"}))

	mock.ExpectExec(q(stmt)).WillReturnError(&pq.Error{Code: "23505", Message: `could not create unique index "Item_unique_email_username"`})
	err := m.EnsureUniqueness(context.Background(), "Item", []string{"username", "email"})
	assert.True(t, apierror.HasCode(err, apierror.DuplicateValue))
}

func TestEnsureIndexCaseInsensitive(t *testing.T) {
	m, mock, _ := newManager(t)
	mock.ExpectExec(q(`CREATE INDEX IF NOT EXISTS "parse_default_email" ON "_User" (lower("email") varchar_pattern_ops)`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.NoError(t, m.EnsureIndex(context.Background(), "_User", []string{"email"}, "", true))
}

func TestDeleteClass(t *testing.T) {
	m, mock, changed := newManager(t)
	mock.ExpectQuery(q(`SELECT "schema" FROM "_SCHEMA" WHERE "className" = $1`)).WithArgs("Item").
		WillReturnRows(sqlmock.NewRows([]string{"schema"}).
			AddRow([]byte(`{"fields":{"members":{"type":"Relation","targetClass":"_User"}}}`)))
	mock.ExpectBegin()
	mock.ExpectExec(q(`DROP TABLE IF EXISTS "Item"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(`DROP TABLE IF EXISTS "_Join:members:Item"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT EXISTS")).WithArgs("_SCHEMA").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(q(`DELETE FROM "_SCHEMA" WHERE "className" = $1`)).WithArgs("Item").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.DeleteClass(context.Background(), "Item"))
	assert.Equal(t, []string{"Item"}, *changed)
}

func TestDeleteAllClassesWithoutMetadata(t *testing.T) {
	m, mock, _ := newManager(t)
	mock.ExpectQuery(q("SELECT EXISTS")).WithArgs("_SCHEMA").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	assert.NoError(t, m.DeleteAllClasses(context.Background()))
}

func TestDeleteAllClasses(t *testing.T) {
	m, mock, _ := newManager(t)
	mock.ExpectQuery(q("SELECT EXISTS")).WithArgs("_SCHEMA").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(q(`SELECT "className", "schema" FROM "_SCHEMA"`)).
		WillReturnRows(sqlmock.NewRows([]string{"className", "schema"}).AddRow("Item", []byte(`{"fields":{}}`)))
	mock.ExpectQuery(q("FROM information_schema.tables")).
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("Item").AddRow("_Join:stale:Old"))
	mock.ExpectBegin()
	for _, table := range append(append([]string{"_SCHEMA"}, schema.SystemClasses...), "Item", "_Join:stale:Old") {
		mock.ExpectExec(q(`DROP TABLE IF EXISTS "` + table + `"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	assert.NoError(t, m.DeleteAllClasses(context.Background()))
}

func TestDeleteFields(t *testing.T) {
	m, mock, _ := newManager(t)
	s := schema.Schema{ClassName: "Item", Fields: map[string]schema.Field{
		"a":   {Type: schema.TypeString},
		"b":   {Type: schema.TypeString},
		"rel": {Type: schema.TypeRelation, TargetClass: "_User"},
	}}
	mock.ExpectBegin()
	mock.ExpectExec(q(`UPDATE "_SCHEMA" SET "schema" = $1 WHERE "className" = $2`)).
		WithArgs(`{"className":"Item","fields":{"b":{"type":"String"}}}`, "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectTolerant(mock, "1", `ALTER TABLE "Item" DROP COLUMN IF EXISTS "a"`)
	mock.ExpectCommit()

	require.NoError(t, m.DeleteFields(context.Background(), "Item", s, []string{"a", "rel"}))
}

func TestDeleteFieldsMissingTable(t *testing.T) {
	m, mock, changed := newManager(t)
	s := schema.Schema{ClassName: "Gone", Fields: map[string]schema.Field{"a": {Type: schema.TypeString}}}
	mock.ExpectBegin()
	mock.ExpectExec(q(`UPDATE "_SCHEMA" SET "schema" = $1 WHERE "className" = $2`)).
		WithArgs(`{"className":"Gone","fields":{}}`, "Gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("SAVEPOINT tolerant_1")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(`ALTER TABLE "Gone" DROP COLUMN IF EXISTS "a"`)).WillReturnError(&pq.Error{Code: "42P01"})
	mock.ExpectExec(q("ROLLBACK TO SAVEPOINT tolerant_1")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, m.DeleteFields(context.Background(), "Gone", s, []string{"a"}))
	assert.Equal(t, []string{"Gone"}, *changed)
}

func TestGetClass(t *testing.T) {
	m, mock, _ := newManager(t)
	mock.ExpectQuery(q(`SELECT "schema" FROM "_SCHEMA" WHERE "className" = $1`)).WithArgs("Nope").
		WillReturnRows(sqlmock.NewRows([]string{"schema"}))
	_, err := m.GetClass(context.Background(), "Nope")
	assert.True(t, apierror.HasCode(err, apierror.ObjectNotFound))

	mock.ExpectQuery(q(`SELECT "schema" FROM "_SCHEMA" WHERE "className" = $1`)).WithArgs("Item").
		WillReturnRows(sqlmock.NewRows([]string{"schema"}).
			AddRow([]byte(`{"fields":{"_rperm":{"type":"Array"},"name":{"type":"String"}},"classLevelPermissions":{"find":{"role:admin":true}}}`)))
	s, err := m.GetClass(context.Background(), "Item")
	require.NoError(t, err)
	assert.Equal(t, "Item", s.ClassName)
	assert.NotContains(t, s.Fields, "_rperm")
	assert.Equal(t, map[string]any{"role:admin": true}, s.ClassLevelPermissions["find"])
	assert.Equal(t, map[string]any{}, s.ClassLevelPermissions["get"])
}

func TestPerformInitialization(t *testing.T) {
	m, mock, _ := newManager(t)
	graphQL := schema.Schema{ClassName: "_GraphQLConfig", Fields: map[string]schema.Field{
		"objectId":  {Type: schema.TypeString},
		"createdAt": {Type: schema.TypeDate},
		"updatedAt": {Type: schema.TypeDate},
		"config":    {Type: schema.TypeObject},
	}}

	mock.ExpectExec(q(generator.CreateMetadataTable)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	expectTolerant(mock, "1", `CREATE TABLE IF NOT EXISTS "_GraphQLConfig" ("_rperm" text[], "_wperm" text[], "config" jsonb, "createdAt" timestamp with time zone, "objectId" text, "updatedAt" timestamp with time zone, PRIMARY KEY ("objectId"))`)
	mock.ExpectCommit()
	columns := sqlmock.NewRows([]string{"column_name"})
	for _, name := range []string{"objectId", "createdAt", "updatedAt", "_rperm", "_wperm"} {
		columns.AddRow(name)
	}
	mock.ExpectQuery(q("FROM information_schema.columns")).WithArgs("_GraphQLConfig").WillReturnRows(columns)
	mock.ExpectBegin()
	expectTolerant(mock, "1", `ALTER TABLE "_GraphQLConfig" ADD COLUMN "config" jsonb`)
	mock.ExpectCommit()
	mock.ExpectBegin()
	for range generator.HelperFunctions() {
		mock.ExpectExec("CREATE OR REPLACE FUNCTION").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	require.NoError(t, m.PerformInitialization(context.Background(), []schema.Schema{graphQL}))
}
