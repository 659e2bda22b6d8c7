package storage

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect captures what differs between the supported SQL engines. Queries
// are written with ? placeholders and rebound per dialect.
type Dialect struct {
	Name         string
	DriverName   string
	GooseDialect string

	numbered          bool
	isUniqueViolation func(error) bool
}

var (
	Postgres = &Dialect{
		Name:              "postgres",
		DriverName:        "pgx",
		GooseDialect:      "postgres",
		numbered:          true,
		isUniqueViolation: pgUniqueViolation,
	}

	SQLite = &Dialect{
		Name:              "sqlite",
		DriverName:        "sqlite",
		GooseDialect:      "sqlite3",
		isUniqueViolation: sqliteUniqueViolation,
	}
)

// Rebind rewrites ? placeholders into the dialect's form.
func (d *Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// IsUniqueViolation reports whether err is a primary key or unique
// constraint failure.
func (d *Dialect) IsUniqueViolation(err error) bool {
	return err != nil && d.isUniqueViolation(err)
}

func pgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sqliteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Without extended result codes only the message tells them apart.
		return strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
	}
	return false
}
