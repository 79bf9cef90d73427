// Package migrations embeds the schema files and applies them with goose.
package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var files embed.FS

func setup() error {
	goose.SetBaseFS(files)
	goose.SetLogger(goose.NopLogger())
	return goose.SetDialect("sqlite3")
}

// Run applies all pending migrations.
func Run(db *sql.DB) error {
	if err := setup(); err != nil {
		return err
	}
	return goose.Up(db, ".")
}

// Version is the schema version currently applied.
func Version(db *sql.DB) (int64, error) {
	if err := setup(); err != nil {
		return 0, err
	}
	return goose.GetDBVersion(db)
}
