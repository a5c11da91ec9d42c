package sqlstore

import (
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type errKind int

const (
	errOther errKind = iota
	errUnique
	errForeignKey
	errCheck
)

type dialect struct {
	name       string
	driverName string
	// lockSuffix is appended to SELECTs that must hold the row until commit.
	lockSuffix string
	dollarArgs bool
	classify   func(err error) errKind
}

var dialects = map[string]dialect{
	"postgres": {
		name:       "postgres",
		driverName: "pgx",
		lockSuffix: " FOR UPDATE",
		dollarArgs: true,
		classify:   classifyPostgres,
	},
	"mysql": {
		name:       "mysql",
		driverName: "mysql",
		lockSuffix: " FOR UPDATE",
		classify:   classifyMySQL,
	},
	// SQLite has no row locks; a write transaction opened with
	// _txlock=immediate holds the database write lock instead.
	"sqlite3": {
		name:       "sqlite3",
		driverName: "sqlite3",
		classify:   classifySQLite,
	},
}

func lookupDialect(name string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "postgres", "postgresql", "pgx":
		return dialects["postgres"], nil
	case "mysql", "mariadb":
		return dialects["mysql"], nil
	case "sqlite", "sqlite3":
		return dialects["sqlite3"], nil
	}
	return dialect{}, fmt.Errorf("unsupported database driver %q", name)
}

// prepareDSN adds the driver options the store relies on when the caller
// left them out.
func (d dialect) prepareDSN(dsn string) string {
	switch d.name {
	case "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return dsn
		}
		cfg.ParseTime = true
		return cfg.FormatDSN()
	case "sqlite3":
		for _, opt := range []string{"_foreign_keys=1", "_txlock=immediate", "_busy_timeout=5000"} {
			key := opt[:strings.Index(opt, "=")]
			if strings.Contains(dsn, key+"=") {
				continue
			}
			if strings.Contains(dsn, "?") {
				dsn += "&" + opt
			} else {
				dsn += "?" + opt
			}
		}
		return dsn
	}
	return dsn
}

// rebind rewrites ? placeholders to $n for drivers that need it.
func (d dialect) rebind(query string) string {
	if !d.dollarArgs {
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

func (d dialect) schema() ([]string, error) {
	raw, err := schemaFS.ReadFile("schema/" + d.name + ".sql")
	if err != nil {
		return nil, err
	}
	parts := strings.Split(string(raw), ";")
	stmts := make([]string, 0, len(parts))
	for _, part := range parts {
		stmt := strings.TrimSpace(part)
		if stmt == "" {
			continue
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func classifyPostgres(err error) errKind {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return errOther
	}
	switch pgErr.Code {
	case "23505":
		return errUnique
	case "23503":
		return errForeignKey
	case "23514":
		return errCheck
	}
	return errOther
}

func classifyMySQL(err error) errKind {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return errOther
	}
	switch myErr.Number {
	case 1062:
		return errUnique
	case 1451, 1452:
		return errForeignKey
	case 3819:
		return errCheck
	}
	return errOther
}

func classifySQLite(err error) errKind {
	var liteErr sqlite3.Error
	if !errors.As(err, &liteErr) {
		return errOther
	}
	switch liteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return errUnique
	// ON DELETE RESTRICT is enforced as a trigger and reports its own code.
	case sqlite3.ErrConstraintForeignKey, sqlite3.ErrConstraintTrigger:
		return errForeignKey
	case sqlite3.ErrConstraintCheck:
		return errCheck
	}
	return errOther
}
