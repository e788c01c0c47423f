package store

import "database/sql"

// DBTX is satisfied by both *sql.DB and *sql.Tx. Store methods that must
// participate in a caller-owned transaction (the approval path updates tasks
// and ledgers atomically) take it instead of using the store's own handle.
type DBTX interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}
