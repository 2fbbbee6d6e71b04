package store

import (
	"context"
	"database/sql"

	"github.com/discodeploy/disco/pkg/disco"
)

func (d *DB) GetKeyValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.conn.QueryRowContext(ctx, `SELECT value FROM key_values WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, disco.InternalError(err)
	}
	return value, true, nil
}

func (d *DB) SetKeyValue(ctx context.Context, key, value string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO key_values (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

type SyslogURL struct {
	URL  string
	Type string // CORE or GLOBAL
}

func (d *DB) ListSyslogURLs(ctx context.Context) ([]SyslogURL, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT url, type FROM syslog_urls`)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	defer rows.Close()
	var out []SyslogURL
	for rows.Next() {
		var s SyslogURL
		if err := rows.Scan(&s.URL, &s.Type); err != nil {
			return nil, disco.InternalError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *DB) AddSyslogURL(ctx context.Context, url, typ string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO syslog_urls (url, type) VALUES (?, ?) ON CONFLICT(url) DO NOTHING`, url, typ)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

func (d *DB) RemoveSyslogURL(ctx context.Context, url string) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM syslog_urls WHERE url = ?`, url)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

// AddCorsOrigin is a no-op, not an error, on re-add (CORS-origin uniqueness
// property).
func (d *DB) AddCorsOrigin(ctx context.Context, origin string) error {
	_, err := d.conn.ExecContext(ctx, `INSERT INTO cors_origins (origin) VALUES (?) ON CONFLICT(origin) DO NOTHING`, origin)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

func (d *DB) RemoveCorsOrigin(ctx context.Context, origin string) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM cors_origins WHERE origin = ?`, origin)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

func (d *DB) ListCorsOrigins(ctx context.Context) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT origin FROM cors_origins ORDER BY origin`)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, disco.InternalError(err)
		}
		out = append(out, o)
	}
	return out, nil
}
