package generator

import (
	"fmt"
	"strings"

	"github.com/koba/pgobjects/internal/diff"
	"github.com/koba/pgobjects/internal/schema"
)

// CreateMetadataTable creates the table holding one schema document per class.
const CreateMetadataTable = `CREATE TABLE IF NOT EXISTS "_SCHEMA" ("className" varChar(120), "schema" jsonb, "isParseClass" bool, PRIMARY KEY ("className"))`

// DDLGenerator generates DDL statements for one class table
type DDLGenerator struct {
	table string
}

// NewDDLGenerator creates a new DDL generator
func NewDDLGenerator(table string) *DDLGenerator {
	return &DDLGenerator{table: table}
}

// Generate generates index DDL for an index diff, creates first
func (g *DDLGenerator) Generate(indexDiff *diff.IndexDiff) []string {
	var statements []string
	for _, change := range indexDiff.Added() {
		statements = append(statements, g.CreateIndex(change.IndexName, change.Fields, false))
	}
	for _, change := range indexDiff.Dropped() {
		statements = append(statements, g.DropIndex(change.IndexName))
	}
	return statements
}

// CreateTable renders the table for a normalized schema. Relation fields get
// no column; objectId becomes the primary key when declared.
func (g *DDLGenerator) CreateTable(s schema.Schema) (string, error) {
	var parts []string
	for _, name := range s.FieldNames() {
		field := s.Fields[name]
		if field.Type == schema.TypeRelation {
			continue
		}
		def, err := g.columnDefinition(name, field)
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}
	if _, ok := s.Fields[schema.ObjectIDField]; ok {
		parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", Ident(schema.ObjectIDField)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", Ident(g.table), strings.Join(parts, ", ")), nil
}

// CreateJoinTable renders the two-column table backing a relation.
func CreateJoinTable(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s ("relatedId" varChar(120), "owningId" varChar(120), PRIMARY KEY("relatedId", "owningId"))`, Ident(name))
}

// DropTable drops the table if present
func (g *DDLGenerator) DropTable() string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", Ident(g.table))
}

// AddColumn adds a column for field
func (g *DDLGenerator) AddColumn(name string, field schema.Field) (string, error) {
	def, err := g.columnDefinition(name, field)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", Ident(g.table), def), nil
}

// DropColumns drops every named column in one statement
func (g *DDLGenerator) DropColumns(names []string) string {
	drops := make([]string, len(names))
	for i, name := range names {
		drops[i] = "DROP COLUMN IF EXISTS " + Ident(name)
	}
	return fmt.Sprintf("ALTER TABLE %s %s", Ident(g.table), strings.Join(drops, ", "))
}

// CreateIndex creates a plain or unique index over columns
func (g *DDLGenerator) CreateIndex(name string, columns []string, unique bool) string {
	indexType := ""
	if unique {
		indexType = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		indexType,
		Ident(name),
		Ident(g.table),
		strings.Join(Idents(columns), ", "),
	)
}

// CreateCaseInsensitiveIndex indexes lower(column) for prefix and equality lookups
func (g *DDLGenerator) CreateCaseInsensitiveIndex(name string, columns []string) string {
	exprs := make([]string, len(columns))
	for i, col := range columns {
		exprs[i] = fmt.Sprintf("lower(%s) varchar_pattern_ops", Ident(col))
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", Ident(name), Ident(g.table), strings.Join(exprs, ", "))
}

// DropIndex drops an index by name
func (g *DDLGenerator) DropIndex(name string) string {
	return fmt.Sprintf("DROP INDEX IF EXISTS %s", Ident(name))
}

func (g *DDLGenerator) columnDefinition(name string, field schema.Field) (string, error) {
	typ, err := schema.ColumnType(field)
	if err != nil {
		return "", err
	}
	return Ident(name) + " " + typ, nil
}
