package sqlstore

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/concavehq/concave/internal/storage"
)

// Dialect selects identifier quoting and driver error mapping.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectMySQL
)

func (d Dialect) String() string {
	if d == DialectMySQL {
		return "mysql"
	}
	return "sqlite"
}

// QuoteIdent quotes an identifier for the dialect. Embedded quote
// characters are doubled, so a hostile column name cannot break out.
func (d Dialect) QuoteIdent(name string) string {
	if d == DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

const mysqlErrDupEntry = 1062

// mapError normalises driver-specific failures onto the storage sentinels
// so the pipeline can translate them to problem kinds without importing
// drivers.
func (d Dialect) mapError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlErrDupEntry {
		return errors.Join(storage.ErrConflict, err)
	}
	// The SQLite driver does not expose a stable typed error for
	// constraint violations, so match the message.
	if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed") {
		return errors.Join(storage.ErrConflict, err)
	}
	return err
}
