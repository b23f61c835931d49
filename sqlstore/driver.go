package sqlstore

import (
	"strconv"
	"strings"

	// Database drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names a database/sql driver.
type Driver string

const (
	SQLite     Driver = "sqlite3"
	PostgreSQL Driver = "postgres"
)

// DetectDriver determines the driver from the connection string.
func DetectDriver(dsn string) Driver {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"),
		strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host="):
		return PostgreSQL
	default:
		return SQLite
	}
}

// rebind rewrites "?" placeholders for drivers that use numbered ones.
func rebind(driver Driver, query string) string {
	if driver != PostgreSQL {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sqliteDSN(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on"
}
