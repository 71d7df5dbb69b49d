package store

import (
	"strconv"
	"strings"
)

// dialect covers the two places the back-ends disagree: parameter
// placeholders and the auto-increment primary key DDL. Everything else
// (INTEGER flags, DOUBLE PRECISION floats, TEXT timestamps) is written
// in a form both engines accept.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind rewrites `?` placeholders to `$1..$n` for Postgres. Queries in
// this package never contain a literal question mark, so a plain scan is
// enough.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// autoID is the {{AUTOID}} migration macro expansion.
func (d dialect) autoID() string {
	if d == dialectPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}
