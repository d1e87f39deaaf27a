// Package postgres provides a PostgreSQL implementation of storage.Store
// built on pgx.
//
// State and code consumption are single conditional UPDATE ... RETURNING
// statements; a miss is followed by a plain read that only classifies the
// failure. Refresh token rotation locks the old row and inserts its
// successor in one transaction.
//
// Migrate creates the schema; it is idempotent and safe to run on every start.
package postgres
