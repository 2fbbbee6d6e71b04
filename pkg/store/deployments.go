package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/discodeploy/disco/pkg/disco"
)

type DeploymentStatus string

const (
	DeploymentQueued     DeploymentStatus = "QUEUED"
	DeploymentInProgress DeploymentStatus = "IN_PROGRESS"
	DeploymentComplete   DeploymentStatus = "COMPLETE"
	DeploymentFailed     DeploymentStatus = "FAILED"
)

type Deployment struct {
	ID            string
	ProjectID     string
	Number        int
	Status        DeploymentStatus
	CommitHash    string
	DiscoFile     string // captured manifest bytes, JSON
	ProjectName   string
	RegistryHost  string
	PredecessorID string
	ByAPIKeyID    string
	TaskID        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateDeployment allocates the next monotonic number for the project and
// writes the row QUEUED, inside one transaction so two concurrent starts
// never observe the same next number.
func (d *DB) CreateDeployment(ctx context.Context, projectID, projectName, registryHost, commit, discoFile, byAPIKeyID string) (*Deployment, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	defer tx.Rollback()

	var maxNum sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(number) FROM deployments WHERE project_id = ?`, projectID).Scan(&maxNum); err != nil {
		return nil, disco.InternalError(err)
	}
	next := 1
	if maxNum.Valid {
		next = int(maxNum.Int64) + 1
	}

	dep := &Deployment{
		ID:           NewID(),
		ProjectID:    projectID,
		Number:       next,
		Status:       DeploymentQueued,
		CommitHash:   commit,
		DiscoFile:    discoFile,
		ProjectName:  projectName,
		RegistryHost: registryHost,
		ByAPIKeyID:   byAPIKeyID,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO deployments (id, project_id, number, status, commit_hash, disco_file, project_name, registry_host, by_api_key_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dep.ID, dep.ProjectID, dep.Number, dep.Status, dep.CommitHash, dep.DiscoFile, dep.ProjectName, dep.RegistryHost, dep.ByAPIKeyID)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, disco.InternalError(err)
	}
	return dep, nil
}

func (d *DB) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	row := d.conn.QueryRowContext(ctx, deploymentSelect+` WHERE id = ?`, id)
	return scanDeployment(row)
}

// LatestComplete returns the live deployment: the numerically largest
// COMPLETE deployment of the project.
func (d *DB) LatestComplete(ctx context.Context, projectID string) (*Deployment, error) {
	row := d.conn.QueryRowContext(ctx,
		deploymentSelect+` WHERE project_id = ? AND status = ? ORDER BY number DESC LIMIT 1`,
		projectID, DeploymentComplete)
	dep, err := scanDeployment(row)
	if err != nil {
		if disco.Is(err, disco.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return dep, nil
}

func (d *DB) SetTaskID(ctx context.Context, deploymentID, taskID string) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE deployments SET task_id = ? WHERE id = ?`, taskID, deploymentID)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

// TransitionStatus moves a deployment to a new status. commit_hash and
// disco_file are never rewritten here; callers that resolve a commit
// during checkout use SetResolvedCommit before the deployment leaves
// QUEUED.
func (d *DB) TransitionStatus(ctx context.Context, id string, status DeploymentStatus) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE deployments SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

func (d *DB) SetResolvedCommit(ctx context.Context, id, commit string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE deployments SET commit_hash = ? WHERE id = ? AND status = ?`, commit, id, DeploymentQueued)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

func (d *DB) SetManifest(ctx context.Context, id, discoFile string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE deployments SET disco_file = ? WHERE id = ? AND status IN (?, ?)`,
		discoFile, id, DeploymentQueued, DeploymentInProgress)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

func (d *DB) SetDeploymentPredecessor(ctx context.Context, id, predecessorID string) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE deployments SET predecessor_id = ? WHERE id = ?`, predecessorID, id)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

func (d *DB) SetDeploymentEnvVars(ctx context.Context, deploymentID string, vars map[string]string) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return disco.InternalError(err)
	}
	defer tx.Rollback()
	for name, value := range vars {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deployment_env_vars (deployment_id, name, value) VALUES (?, ?, ?)`,
			deploymentID, name, value); err != nil {
			return disco.InternalError(err)
		}
	}
	return disco.Wrap(tx.Commit())
}

func (d *DB) GetDeploymentEnvVars(ctx context.Context, deploymentID string) (map[string]string, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT name, value FROM deployment_env_vars WHERE deployment_id = ?`, deploymentID)
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

const deploymentSelect = `SELECT id, project_id, number, status, commit_hash, disco_file, project_name,
	registry_host, predecessor_id, by_api_key_id, task_id, created_at, updated_at FROM deployments`

func scanDeployment(row *sql.Row) (*Deployment, error) {
	var dep Deployment
	var commit, discoFile, registry, pred, apiKey, taskID sql.NullString
	err := row.Scan(&dep.ID, &dep.ProjectID, &dep.Number, &dep.Status, &commit, &discoFile,
		&dep.ProjectName, &registry, &pred, &apiKey, &taskID, &dep.CreatedAt, &dep.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, disco.NotFound("deployment not found")
		}
		return nil, disco.InternalError(err)
	}
	dep.CommitHash, dep.DiscoFile, dep.RegistryHost = commit.String, discoFile.String, registry.String
	dep.PredecessorID, dep.ByAPIKeyID, dep.TaskID = pred.String, apiKey.String, taskID.String
	return &dep, nil
}
