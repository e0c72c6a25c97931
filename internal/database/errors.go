package database

import (
	"errors"
	"strings"

	"github.com/lib/pq"
	"github.com/omeid/pgerror"
)

// Kind classifies the database errors the adapter recovers from.
type Kind int

const (
	None Kind = iota
	Other
	RelationMissing
	DuplicateRelation
	DuplicateColumn
	DuplicateObject
	MissingColumn
	UniqueViolation
	TransactionAborted
)

var kindNames = map[Kind]string{
	None:               "none",
	Other:              "other",
	RelationMissing:    "relation_missing",
	DuplicateRelation:  "duplicate_relation",
	DuplicateColumn:    "duplicate_column",
	DuplicateObject:    "duplicate_object",
	MissingColumn:      "missing_column",
	UniqueViolation:    "unique_violation",
	TransactionAborted: "transaction_aborted",
}

func (k Kind) String() string {
	return kindNames[k]
}

// Classify maps err to a Kind. Errors that are not Postgres errors are Other.
func Classify(err error) Kind {
	if err == nil {
		return None
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return Other
	}
	switch {
	case pgerror.UndefinedTable(pqErr) != nil:
		return RelationMissing
	case pgerror.DuplicateTable(pqErr) != nil:
		return DuplicateRelation
	case pgerror.DuplicateColumn(pqErr) != nil:
		return DuplicateColumn
	case pgerror.DuplicateObject(pqErr) != nil:
		return DuplicateObject
	case pgerror.UndefinedColumn(pqErr) != nil:
		return MissingColumn
	case pgerror.UniqueViolation(pqErr) != nil:
		return UniqueViolation
	case pqErr.Code.Name() == "in_failed_sql_transaction":
		return TransactionAborted
	}
	return Other
}

// Is reports whether err classifies as one of kinds.
func Is(err error, kinds ...Kind) bool {
	if err == nil {
		return false
	}
	k := Classify(err)
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// Ignore returns nil when err classifies as one of kinds.
func Ignore(err error, kinds ...Kind) error {
	if Is(err, kinds...) {
		return nil
	}
	return err
}

// Detail returns the constraint name of a Postgres error and its message
// followed by its detail line.
func Detail(err error) (constraint, message string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint, strings.TrimSpace(pqErr.Message + " " + pqErr.Detail)
	}
	return "", ""
}
