// Package store is the narrow adapter the rest of the daemon is allowed
// to call for durable state, backed by a local github.com/mattn/go-sqlite3
// file. Transactions are short-lived snapshots and never held across a
// container or proxy driver call.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

type DB struct {
	conn *sql.DB
	log  *logrus.Entry
}

func Open(path string, log *logrus.Entry) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	conn.SetMaxOpenConns(1) // single-writer serialization; sqlite3 doesn't like concurrent writers
	db := &DB{conn: conn, log: log}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.conn.Close() }

func (d *DB) Conn() *sql.DB { return d.conn }

func (d *DB) migrate() error {
	for _, stmt := range schema {
		if _, err := d.conn.Exec(stmt); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		webhook_token TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS project_settings (
		project_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT,
		PRIMARY KEY (project_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS project_env_vars (
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT,
		PRIMARY KEY (project_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS project_domains (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS apex_www_redirects (
		owner_domain_id TEXT PRIMARY KEY,
		from_domain TEXT NOT NULL,
		to_domain TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS source_repo_bindings (
		project_id TEXT PRIMARY KEY,
		full_name TEXT NOT NULL,
		branch TEXT,
		installation_id TEXT,
		credentials TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		status TEXT NOT NULL,
		commit_hash TEXT,
		disco_file TEXT,
		project_name TEXT NOT NULL,
		registry_host TEXT,
		predecessor_id TEXT,
		by_api_key_id TEXT,
		task_id TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(project_id, number)
	)`,
	`CREATE TABLE IF NOT EXISTS deployment_env_vars (
		deployment_id TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT,
		PRIMARY KEY (deployment_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		public_key TEXT UNIQUE NOT NULL,
		deleted_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS api_key_usages (
		id TEXT PRIMARY KEY,
		api_key_id TEXT NOT NULL,
		used_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		meta TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS api_key_invites (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		consumed_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS cors_origins (
		origin TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		body TEXT NOT NULL,
		result TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS command_runs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		service TEXT NOT NULL,
		command TEXT NOT NULL,
		status TEXT NOT NULL,
		deployment_id TEXT NOT NULL,
		api_key_id TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(project_id, number)
	)`,
	`CREATE TABLE IF NOT EXISTS key_values (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS syslog_urls (
		url TEXT PRIMARY KEY,
		type TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pending_github_apps (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS github_apps (
		id TEXT PRIMARY KEY,
		github_app_id TEXT NOT NULL,
		webhook_secret TEXT NOT NULL,
		private_key TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS github_app_installations (
		id TEXT PRIMARY KEY,
		github_app_id TEXT NOT NULL,
		installation_id TEXT UNIQUE NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS github_app_repos (
		id TEXT PRIMARY KEY,
		installation_id TEXT NOT NULL,
		full_name TEXT NOT NULL,
		UNIQUE(installation_id, full_name)
	)`,
}
