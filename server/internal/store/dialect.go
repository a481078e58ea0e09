package store

import "fmt"

// dialect abstracts the one syntax difference the Job Store's queries
// need across backends: parameter placeholders. Grounded on the teacher's
// server/storage/dialect.go Dialect interface, trimmed to the single
// concern this store's queries actually exercise — the backends' column
// types differ (for example BYTEA, BOOLEAN and TIMESTAMPTZ on Postgres),
// but those differences live entirely in each backend's schema DDL, so
// the teacher's AutoIncrement/BoolType/JSONExtract methods have no
// callers and were not carried over.
type dialect interface {
	name() string
	placeholder(index int) string
}

type sqliteDialect struct{}

func (sqliteDialect) name() string               { return "sqlite" }
func (sqliteDialect) placeholder(index int) string { return "?" }

type postgresDialect struct{}

func (postgresDialect) name() string                 { return "postgres" }
func (postgresDialect) placeholder(index int) string { return fmt.Sprintf("$%d", index) }
