package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/discodeploy/disco/pkg/disco"
)

type ApiKey struct {
	ID        string // the secret itself
	Name      string
	PublicKey string // non-secret identifier, used in logs and JWT kid
	DeletedAt *time.Time
	CreatedAt time.Time
}

func (d *DB) CreateApiKey(ctx context.Context, id, name, publicKey string) (*ApiKey, error) {
	k := &ApiKey{ID: id, Name: name, PublicKey: publicKey}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, public_key) VALUES (?, ?, ?)`, k.ID, k.Name, k.PublicKey)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	return k, nil
}

func (d *DB) GetApiKey(ctx context.Context, id string) (*ApiKey, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT id, name, public_key, deleted_at, created_at FROM api_keys WHERE id = ?`, id)
	return scanApiKey(row)
}

func (d *DB) GetApiKeyByPublicKey(ctx context.Context, publicKey string) (*ApiKey, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT id, name, public_key, deleted_at, created_at FROM api_keys WHERE public_key = ?`, publicKey)
	return scanApiKey(row)
}

// DeleteApiKey enforces the "at least one live key" invariant.
func (d *DB) DeleteApiKey(ctx context.Context, id string) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return disco.InternalError(err)
	}
	defer tx.Rollback()

	var liveCount int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys WHERE deleted_at IS NULL`).Scan(&liveCount); err != nil {
		return disco.InternalError(err)
	}
	if liveCount <= 1 {
		return disco.InvalidArgument("cannot delete the last api key")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE api_keys SET deleted_at = CURRENT_TIMESTAMP WHERE id = ?`, id); err != nil {
		return disco.InternalError(err)
	}
	return disco.Wrap(tx.Commit())
}

func (d *DB) RecordApiKeyUsage(ctx context.Context, apiKeyID, meta string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO api_key_usages (id, api_key_id, meta) VALUES (?, ?, ?)`, NewID(), apiKeyID, meta)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

// PruneApiKeyUsages bounds the append-only usage log, called by the daily
// maintenance cron.
func (d *DB) PruneApiKeyUsages(ctx context.Context, before time.Time) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM api_key_usages WHERE used_at < ?`, before)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

func scanApiKey(row *sql.Row) (*ApiKey, error) {
	var k ApiKey
	var deletedAt sql.NullTime
	if err := row.Scan(&k.ID, &k.Name, &k.PublicKey, &deletedAt, &k.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, disco.NotFound("api key not found")
		}
		return nil, disco.InternalError(err)
	}
	if deletedAt.Valid {
		k.DeletedAt = &deletedAt.Time
	}
	return &k, nil
}

// ApiKeyInvite is a single-use invitation, expiring within 24h, consumed to
// mint an ApiKey.
type ApiKeyInvite struct {
	ID         string
	Name       string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

func (d *DB) CreateApiKeyInvite(ctx context.Context, name string, ttl time.Duration) (*ApiKeyInvite, error) {
	if ttl > 24*time.Hour {
		ttl = 24 * time.Hour
	}
	inv := &ApiKeyInvite{ID: NewID(), Name: name, ExpiresAt: time.Now().UTC().Add(ttl)}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO api_key_invites (id, name, expires_at) VALUES (?, ?, ?)`, inv.ID, inv.Name, inv.ExpiresAt)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	return inv, nil
}

// ConsumeApiKeyInvite marks the invite consumed iff it is unexpired and
// unconsumed, returning the invite so the caller can mint a key from it.
func (d *DB) ConsumeApiKeyInvite(ctx context.Context, id string) (*ApiKeyInvite, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, name, expires_at, consumed_at FROM api_key_invites WHERE id = ?`, id)
	var inv ApiKeyInvite
	var consumedAt sql.NullTime
	if err := row.Scan(&inv.ID, &inv.Name, &inv.ExpiresAt, &consumedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, disco.NotFound("invite not found")
		}
		return nil, disco.InternalError(err)
	}
	if consumedAt.Valid {
		return nil, disco.Conflict("invite already consumed")
	}
	if time.Now().UTC().After(inv.ExpiresAt) {
		return nil, disco.InvalidArgument("invite expired")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE api_key_invites SET consumed_at = CURRENT_TIMESTAMP WHERE id = ?`, id); err != nil {
		return nil, disco.InternalError(err)
	}
	return &inv, disco.Wrap(tx.Commit())
}
