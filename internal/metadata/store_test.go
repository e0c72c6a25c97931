package metadata

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koba/pgobjects/internal/database"
	"github.com/koba/pgobjects/internal/generator"
	"github.com/koba/pgobjects/internal/schema"
)

func newMock(t *testing.T) (*database.Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return database.Wrap(db), mock
}

func TestEnsureTableToleratesRace(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectExec(generator.CreateMetadataTable).WillReturnError(&pq.Error{Code: "23505"})
	assert.NoError(t, EnsureTable(context.Background(), p.DB()))

	mock.ExpectExec(generator.CreateMetadataTable).WillReturnError(&pq.Error{Code: "42501"})
	assert.Error(t, EnsureTable(context.Background(), p.DB()))
}

func TestInsertAndGet(t *testing.T) {
	p, mock := newMock(t)
	ctx := context.Background()
	s := schema.Schema{ClassName: "Item", Fields: map[string]schema.Field{"score": {Type: schema.TypeNumber}}}
	blob := `{"className":"Item","fields":{"score":{"type":"Number"}}}`

	mock.ExpectExec(insertSchema).WithArgs("Item", blob, true).WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, Insert(ctx, p.DB(), s))

	mock.ExpectQuery(selectSchema).WithArgs("Item").
		WillReturnRows(sqlmock.NewRows([]string{"schema"}).AddRow([]byte(blob)))
	got, found, err := Get(ctx, p.DB(), "Item")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, s, got)
}

func TestGetMissing(t *testing.T) {
	p, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(selectSchema).WithArgs("Nope").WillReturnRows(sqlmock.NewRows([]string{"schema"}))
	_, found, err := Get(ctx, p.DB(), "Nope")
	require.NoError(t, err)
	assert.False(t, found)

	mock.ExpectQuery(selectSchema).WithArgs("Nope").WillReturnError(&pq.Error{Code: "42P01"})
	_, found, err = Get(ctx, p.DB(), "Nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAll(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(selectAll).WillReturnRows(sqlmock.NewRows([]string{"className", "schema"}).
		AddRow("A", []byte(`{"fields":{}}`)).
		AddRow("B", []byte(`{"className":"B","fields":{"n":{"type":"String"}}}`)))

	schemas, err := All(context.Background(), p.DB())
	require.NoError(t, err)
	require.Len(t, schemas, 2)
	assert.Equal(t, "A", schemas[0].ClassName)
	assert.Equal(t, schema.TypeString, schemas[1].Fields["n"].Type)
}

func TestFieldDeclared(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(fieldDeclared).WithArgs("Item", "score").
		WillReturnRows(sqlmock.NewRows([]string{"schema"}).AddRow([]byte(`{}`)))
	ok, err := FieldDeclared(context.Background(), p.DB(), "Item", "score")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery(fieldDeclared).WithArgs("Item", "other").
		WillReturnRows(sqlmock.NewRows([]string{"schema"}))
	ok, err = FieldDeclared(context.Background(), p.DB(), "Item", "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetFieldReplaceDelete(t *testing.T) {
	p, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(setPath).WithArgs(`{"fields","score"}`, `{"type":"Number"}`, "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, SetField(ctx, p.DB(), "Item", "score", schema.Field{Type: schema.TypeNumber}))

	mock.ExpectExec(replaceSchema).WithArgs(`{"className":"Item","fields":{}}`, "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, Replace(ctx, p.DB(), schema.Schema{ClassName: "Item"}))

	mock.ExpectExec(deleteSchema).WithArgs("Item").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, Delete(ctx, p.DB(), "Item"))
}
