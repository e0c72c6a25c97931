package schema

// Column represents a database column as reported by information_schema
type Column struct {
	Name string `json:"name"`
}

// TableIndex represents an index that physically exists on a table
type TableIndex struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
	Primary bool     `json:"primary"`
	Type    string   `json:"type"` // e.g., btree, gin
}

// Row represents a single row of data, keyed by column name
type Row map[string]interface{}
