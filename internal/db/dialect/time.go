package dialect

import "fmt"

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// NowMinusMinutes returns the SQL expression for "current time minus N
// minutes", where minutesExpr is a parameter placeholder or expression.
//
//	SQLite:   datetime('now', '-' || expr || ' minutes')
//	Postgres: NOW() - (expr || ' minutes')::interval
func NowMinusMinutes(driver, minutesExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' minutes')::interval", minutesExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' minutes')", minutesExpr)
}

// NowMinusDays returns the SQL expression for "current time minus N days",
// where daysExpr is a parameter placeholder (e.g., "?") for the number of days.
//
//	SQLite:   datetime('now', '-' || ? || ' days')
//	Postgres: NOW() - (? || ' days')::interval
func NowMinusDays(driver, daysExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' days')::interval", daysExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' days')", daysExpr)
}
