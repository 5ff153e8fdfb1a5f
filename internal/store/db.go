package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const sqlitePrefix = "sqlite:"

// DialectFor picks the driver dialect from a DATABASE_URL. Anything that is not
// a postgres URL must carry the sqlite: prefix.
func DialectFor(databaseURL string) (Dialect, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return DialectPostgres, nil
	case strings.HasPrefix(databaseURL, sqlitePrefix):
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database url %q", databaseURL)
	}
}

func Open(ctx context.Context, databaseURL string) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(databaseURL)
	if err != nil {
		return nil, "", err
	}

	var db *sql.DB
	switch dialect {
	case DialectSQLite:
		db, err = sql.Open("sqlite", strings.TrimPrefix(databaseURL, sqlitePrefix))
		if err != nil {
			return nil, "", fmt.Errorf("open db: %w", err)
		}
		// a single connection keeps :memory: databases alive and serializes writers
		db.SetMaxOpenConns(1)
	default:
		db, err = sql.Open("pgx", databaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("open db: %w", err)
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(10)
		db.SetMaxOpenConns(20)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping db: %w", err)
	}
	return db, dialect, nil
}

// Rebind rewrites ? placeholders into the numbered form postgres expects.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
