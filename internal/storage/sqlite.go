package storage

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

func NewSQLite(path string) (*SQLStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLStorage{db: db, dialect: dialectSQLite}, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		is_active INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL DEFAULT '',
		input BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		snapshot_taken INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_run_at DATETIME,
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_until DATETIME,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		subscription_id TEXT NOT NULL,
		url TEXT NOT NULL,
		position INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		status_code INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_created ON subscriptions(created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_due ON instances(status, next_run_at) WHERE status = 'running'`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_instance ON tasks(instance_id, position)`,
}
