package postgres

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"tickrelay/config"
)

// CreateDatabase connects to the server's maintenance database and creates
// the archive database if it doesn't exist.
func CreateDatabase(cfg config.PostgresConfig) error {
	db, err := sql.Open("postgres", cfg.AdminDSN())
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer db.Close()

	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1);`
	if err := db.QueryRow(query, cfg.DBName).Scan(&exists); err != nil {
		return fmt.Errorf("check db exists failed: %w", err)
	}

	if exists {
		return nil
	}

	if _, err := db.Exec(createDatabaseSQL(cfg.DBName)); err != nil {
		return fmt.Errorf("create db failed: %w", err)
	}

	return nil
}

// createDatabaseSQL quotes name as an identifier; it can't be bound as a
// parameter.
func createDatabaseSQL(name string) string {
	return "CREATE DATABASE " + pq.QuoteIdentifier(name)
}
