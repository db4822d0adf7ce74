// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// UpsertConflict returns the conflict clause opener for an upsert.
// Both SQLite and Postgres accept ON CONFLICT(cols) DO UPDATE, so this
// exists mainly to keep query builders symmetrical with the other helpers.
func UpsertConflict(cols string) string {
	return "ON CONFLICT(" + cols + ") DO UPDATE SET"
}
