package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/discodeploy/disco/pkg/disco"
)

type CommandRunStatus string

const (
	CommandRunCreated CommandRunStatus = "CREATED"
	CommandRunRunning CommandRunStatus = "RUNNING"
	CommandRunDone    CommandRunStatus = "DONE"
	CommandRunFailed  CommandRunStatus = "FAILED"
)

type CommandRun struct {
	ID           string
	ProjectID    string
	Number       int
	Service      string
	Command      string
	Status       CommandRunStatus
	DeploymentID string
	APIKeyID     string
	CreatedAt    time.Time
}

func (d *DB) CreateCommandRun(ctx context.Context, projectID, service, command, deploymentID, apiKeyID string) (*CommandRun, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	defer tx.Rollback()

	var maxNum sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(number) FROM command_runs WHERE project_id = ?`, projectID).Scan(&maxNum); err != nil {
		return nil, disco.InternalError(err)
	}
	next := 1
	if maxNum.Valid {
		next = int(maxNum.Int64) + 1
	}

	cr := &CommandRun{
		ID: NewID(), ProjectID: projectID, Number: next, Service: service,
		Command: command, Status: CommandRunCreated, DeploymentID: deploymentID, APIKeyID: apiKeyID,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO command_runs (id, project_id, number, service, command, status, deployment_id, api_key_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cr.ID, cr.ProjectID, cr.Number, cr.Service, cr.Command, cr.Status, cr.DeploymentID, cr.APIKeyID)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	return cr, disco.Wrap(tx.Commit())
}

func (d *DB) GetCommandRun(ctx context.Context, id string) (*CommandRun, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT id, project_id, number, service, command, status, deployment_id, IFNULL(api_key_id, ''), created_at
		 FROM command_runs WHERE id = ?`, id)
	var cr CommandRun
	err := row.Scan(&cr.ID, &cr.ProjectID, &cr.Number, &cr.Service, &cr.Command, &cr.Status,
		&cr.DeploymentID, &cr.APIKeyID, &cr.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, disco.NotFound("command run not found")
		}
		return nil, disco.InternalError(err)
	}
	return &cr, nil
}

func (d *DB) SetCommandRunStatus(ctx context.Context, id string, status CommandRunStatus) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE command_runs SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}
