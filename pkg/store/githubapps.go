// Github App bookkeeping: pending-app exchange and installation
// reconciliation.
package store

import (
	"context"
	"database/sql"

	"github.com/discodeploy/disco/pkg/disco"
)

type PendingGithubApp struct {
	ID    string
	State string
}

type GithubApp struct {
	ID            string
	GithubAppID   string
	WebhookSecret string // encrypted at rest
	PrivateKey    string // encrypted at rest
}

type GithubAppInstallation struct {
	ID             string
	GithubAppID    string
	InstallationID string
}

func (d *DB) CreatePendingGithubApp(ctx context.Context, state string) (*PendingGithubApp, error) {
	p := &PendingGithubApp{ID: NewID(), State: state}
	_, err := d.conn.ExecContext(ctx, `INSERT INTO pending_github_apps (id, state) VALUES (?, ?)`, p.ID, p.State)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	return p, nil
}

func (d *DB) GetPendingGithubApp(ctx context.Context, id string) (*PendingGithubApp, error) {
	var p PendingGithubApp
	err := d.conn.QueryRowContext(ctx, `SELECT id, state FROM pending_github_apps WHERE id = ?`, id).Scan(&p.ID, &p.State)
	if err == sql.ErrNoRows {
		return nil, disco.NotFound("pending github app not found")
	}
	if err != nil {
		return nil, disco.InternalError(err)
	}
	return &p, nil
}

func (d *DB) DeletePendingGithubApp(ctx context.Context, id string) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM pending_github_apps WHERE id = ?`, id)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

func (d *DB) CreateGithubApp(ctx context.Context, githubAppID, webhookSecret, privateKey string) (*GithubApp, error) {
	a := &GithubApp{ID: NewID(), GithubAppID: githubAppID, WebhookSecret: webhookSecret, PrivateKey: privateKey}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO github_apps (id, github_app_id, webhook_secret, private_key) VALUES (?, ?, ?, ?)`,
		a.ID, a.GithubAppID, a.WebhookSecret, a.PrivateKey)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	return a, nil
}

func (d *DB) GetGithubAppByGithubID(ctx context.Context, githubAppID string) (*GithubApp, error) {
	var a GithubApp
	err := d.conn.QueryRowContext(ctx,
		`SELECT id, github_app_id, webhook_secret, private_key FROM github_apps WHERE github_app_id = ?`, githubAppID).
		Scan(&a.ID, &a.GithubAppID, &a.WebhookSecret, &a.PrivateKey)
	if err == sql.ErrNoRows {
		return nil, disco.NotFound("github app not found")
	}
	if err != nil {
		return nil, disco.InternalError(err)
	}
	return &a, nil
}

func (d *DB) AddGithubAppInstallation(ctx context.Context, githubAppID, installationID string) (*GithubAppInstallation, error) {
	i := &GithubAppInstallation{ID: NewID(), GithubAppID: githubAppID, InstallationID: installationID}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO github_app_installations (id, github_app_id, installation_id) VALUES (?, ?, ?)
		 ON CONFLICT(installation_id) DO NOTHING`, i.ID, i.GithubAppID, i.InstallationID)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	return i, nil
}

func (d *DB) RemoveGithubAppInstallation(ctx context.Context, installationID string) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM github_app_installations WHERE installation_id = ?`, installationID)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

func (d *DB) AddGithubAppRepo(ctx context.Context, installationID, fullName string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO github_app_repos (id, installation_id, full_name) VALUES (?, ?, ?)
		 ON CONFLICT(installation_id, full_name) DO NOTHING`, NewID(), installationID, fullName)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

func (d *DB) RemoveGithubAppRepo(ctx context.Context, installationID, fullName string) error {
	_, err := d.conn.ExecContext(ctx,
		`DELETE FROM github_app_repos WHERE installation_id = ? AND full_name = ?`, installationID, fullName)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}
