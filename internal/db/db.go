// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schemaFS embed.FS

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	log.Info().Str("component", "db").Msg("connected to database")
	return db, nil
}

// Migrate creates the job and pending recipient tables when missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return errors.Wrap(err, "read schema")
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

// DropSchema removes the mass email tables. Callers must make sure no job is
// pending first.
func DropSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
        DROP TABLE IF EXISTS mass_email_recipients;
        DROP TABLE IF EXISTS mass_email_job;
        DROP SEQUENCE IF EXISTS mass_email_job_version_seq;
    `)
	return errors.Wrap(err, "drop schema")
}
