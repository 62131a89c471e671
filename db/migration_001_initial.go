package db

import "database/sql"

func init() {
	RegisterMigration(Migration{
		Version:     1,
		Description: "initial schema: session permission preferences",
		Up:          migration001Up,
	})
}

func migration001Up(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_prefs (
			session_id TEXT PRIMARY KEY,
			permission_mode TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}
