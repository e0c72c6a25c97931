package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/koba/pgobjects/internal/schema"
)

// Executor runs statements. *sql.DB, *sql.Tx and *Tx satisfy it.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Postgres owns the connection pool shared by every adapter operation.
type Postgres struct {
	config Config
	db     *sql.DB
	log    *zap.SugaredLogger
}

// NewPostgres creates a new PostgreSQL database connection
func NewPostgres(config Config) *Postgres {
	return &Postgres{config: config, log: zap.S()}
}

// Wrap uses an already opened pool.
func Wrap(db *sql.DB) *Postgres {
	return &Postgres{db: db, log: zap.S()}
}

// SetLogger replaces the logger used for transactions.
func (p *Postgres) SetLogger(log *zap.SugaredLogger) {
	p.log = log
}

// Connect establishes a connection to PostgreSQL
func (p *Postgres) Connect(ctx context.Context) error {
	db, err := sql.Open("postgres", p.config.DSN())
	if err != nil {
		return fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	if p.config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.config.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	p.db = db
	return nil
}

// Close closes the PostgreSQL connection
func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// DB returns the pool.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// GetAllTables retrieves all table names in the public schema
func GetAllTables(ctx context.Context, q Executor) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, tableName)
	}

	return tables, rows.Err()
}

// TableExists reports whether a class table is present in the public schema.
func TableExists(ctx context.Context, q Executor, tableName string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`
	var exists bool
	if err := q.QueryRowContext(ctx, query, tableName).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", tableName, err)
	}
	return exists, nil
}

// Columns retrieves the column names of a table in ordinal order
func Columns(ctx context.Context, q Executor, tableName string) ([]schema.Column, error) {
	query := `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position
	`
	rows, err := q.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	defer rows.Close()

	var columns []schema.Column
	for rows.Next() {
		var col schema.Column
		if err := rows.Scan(&col.Name); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		columns = append(columns, col)
	}

	return columns, rows.Err()
}

// Indexes retrieves the indexes of a table, one entry per index with its
// columns in key order.
func Indexes(ctx context.Context, q Executor, tableName string) ([]schema.TableIndex, error) {
	query := `
		SELECT
			i.relname AS index_name,
			a.attname AS column_name,
			ix.indisunique AS is_unique,
			ix.indisprimary AS is_primary,
			am.amname AS index_type
		FROM pg_class t
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_am am ON am.oid = i.relam
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE t.relname = $1 AND t.relkind = 'r'
		ORDER BY i.relname, array_position(ix.indkey::int2[], a.attnum)
	`
	rows, err := q.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to get indexes: %w", err)
	}
	defer rows.Close()

	var indexes []schema.TableIndex
	position := make(map[string]int)
	for rows.Next() {
		var indexName, columnName, indexType string
		var isUnique, isPrimary bool

		if err := rows.Scan(&indexName, &columnName, &isUnique, &isPrimary, &indexType); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}

		if i, exists := position[indexName]; exists {
			indexes[i].Columns = append(indexes[i].Columns, columnName)
			continue
		}
		position[indexName] = len(indexes)
		indexes = append(indexes, schema.TableIndex{
			Name:    indexName,
			Columns: []string{columnName},
			Unique:  isUnique,
			Primary: isPrimary,
			Type:    indexType,
		})
	}

	return indexes, rows.Err()
}

// ScanRows reads every row into a column-name keyed map. Byte slices become
// strings.
func ScanRows(rows *sql.Rows) ([]schema.Row, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	var data []schema.Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(schema.Row)
		for i, col := range columns {
			val := values[i]
			if b, ok := val.([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = val
			}
		}

		data = append(data, row)
	}

	return data, rows.Err()
}
