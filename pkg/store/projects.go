package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/discodeploy/disco/pkg/disco"
)

type Project struct {
	ID           string
	Name         string
	WebhookToken string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ProjectDomain struct {
	ID        string
	ProjectID string
	Name      string
}

type SourceRepoBinding struct {
	ProjectID      string
	FullName       string
	Branch         string
	InstallationID string
	Credentials    string // encrypted
}

func (d *DB) CreateProject(ctx context.Context, name, webhookToken string) (*Project, error) {
	p := &Project{ID: NewID(), Name: name, WebhookToken: webhookToken}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO projects (id, name, webhook_token) VALUES (?, ?, ?)`,
		p.ID, p.Name, p.WebhookToken)
	if err != nil {
		return nil, disco.Conflict("project name already taken")
	}
	return p, nil
}

func (d *DB) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT id, name, webhook_token, created_at, updated_at FROM projects WHERE name = ?`, name)
	return scanProject(row)
}

func (d *DB) GetProject(ctx context.Context, id string) (*Project, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT id, name, webhook_token, created_at, updated_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// DeleteProject removes the project row with its settings, env vars,
// domains, and repo binding. Deployment history is kept.
func (d *DB) DeleteProject(ctx context.Context, id string) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return disco.InternalError(err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM project_settings WHERE project_id = ?`,
		`DELETE FROM project_env_vars WHERE project_id = ?`,
		`DELETE FROM project_domains WHERE project_id = ?`,
		`DELETE FROM source_repo_bindings WHERE project_id = ?`,
		`DELETE FROM projects WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return disco.InternalError(err)
		}
	}
	return disco.Wrap(tx.Commit())
}

func (d *DB) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, name, webhook_token, created_at, updated_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.WebhookToken, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, disco.InternalError(err)
		}
		out = append(out, p)
	}
	return out, nil
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	if err := row.Scan(&p.ID, &p.Name, &p.WebhookToken, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, disco.NotFound("project not found")
		}
		return nil, disco.InternalError(err)
	}
	return &p, nil
}

func (d *DB) ListProjectDomains(ctx context.Context, projectID string) ([]ProjectDomain, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, project_id, name FROM project_domains WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	defer rows.Close()
	var out []ProjectDomain
	for rows.Next() {
		var pd ProjectDomain
		if err := rows.Scan(&pd.ID, &pd.ProjectID, &pd.Name); err != nil {
			return nil, disco.InternalError(err)
		}
		out = append(out, pd)
	}
	return out, nil
}

func (d *DB) GetProjectDomainByName(ctx context.Context, name string) (*ProjectDomain, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT id, project_id, name FROM project_domains WHERE name = ?`, name)
	var pd ProjectDomain
	if err := row.Scan(&pd.ID, &pd.ProjectID, &pd.Name); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, disco.InternalError(err)
	}
	return &pd, nil
}

func (d *DB) AddProjectDomain(ctx context.Context, projectID, name string) (*ProjectDomain, error) {
	pd := &ProjectDomain{ID: NewID(), ProjectID: projectID, Name: name}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO project_domains (id, project_id, name) VALUES (?, ?, ?)`,
		pd.ID, pd.ProjectID, pd.Name)
	if err != nil {
		return nil, disco.Conflict("domain already taken")
	}
	return pd, nil
}

func (d *DB) RemoveProjectDomain(ctx context.Context, name string) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM project_domains WHERE name = ?`, name)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

// GetProjectBySourceRepo resolves the project bound to a "owner/repo" full
// name, used by the github webhook task to find which project a push
// belongs to. Returns nil, nil when no project is bound to that repo.
func (d *DB) GetProjectBySourceRepo(ctx context.Context, fullName string) (*Project, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT p.id, p.name, p.webhook_token, p.created_at, p.updated_at
		 FROM projects p JOIN source_repo_bindings b ON b.project_id = p.id
		 WHERE b.full_name = ?`, fullName)
	p, err := scanProject(row)
	if err != nil {
		if disco.Is(err, disco.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (d *DB) GetSourceRepoBinding(ctx context.Context, projectID string) (*SourceRepoBinding, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT project_id, full_name, branch, installation_id, credentials FROM source_repo_bindings WHERE project_id = ?`, projectID)
	var b SourceRepoBinding
	var branch, inst, creds sql.NullString
	if err := row.Scan(&b.ProjectID, &b.FullName, &branch, &inst, &creds); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, disco.InternalError(err)
	}
	b.Branch, b.InstallationID, b.Credentials = branch.String, inst.String, creds.String
	return &b, nil
}

func (d *DB) UpsertSourceRepoBinding(ctx context.Context, b *SourceRepoBinding) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO source_repo_bindings (project_id, full_name, branch, installation_id, credentials)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET full_name=excluded.full_name, branch=excluded.branch,
			installation_id=excluded.installation_id, credentials=excluded.credentials`,
		b.ProjectID, b.FullName, b.Branch, b.InstallationID, b.Credentials)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

func (d *DB) SetProjectEnvVar(ctx context.Context, projectID, name, encryptedValue string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO project_env_vars (project_id, name, value) VALUES (?, ?, ?)
		 ON CONFLICT(project_id, name) DO UPDATE SET value=excluded.value`,
		projectID, name, encryptedValue)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

func (d *DB) ListProjectEnvVars(ctx context.Context, projectID string) (map[string]string, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT name, value FROM project_env_vars WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var n, v string
		if err := rows.Scan(&n, &v); err != nil {
			return nil, disco.InternalError(err)
		}
		out[n] = v
	}
	return out, nil
}
