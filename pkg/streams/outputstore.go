// OutputStore is the per-source append-only command-output stream: one
// mattn/go-sqlite3 file per source under
// /disco/data/commandoutputs/<source>.sqlite3, opened lazily and evicted
// after six idle hours, keeping the hot write path off the primary store.
// Text IS NULL is the termination sentinel a follower uses to stop.
package streams

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/discodeploy/disco/pkg/disco"
)

const idleEvictAfter = 6 * time.Hour

type OutputStore struct {
	dir string
	log *logrus.Entry

	mu    sync.Mutex
	conns map[string]*sourceConn
}

type sourceConn struct {
	db       *sql.DB
	lastUsed time.Time
}

func NewOutputStore(dataDir string, log *logrus.Entry) *OutputStore {
	return &OutputStore{dir: filepath.Join(dataDir, "commandoutputs"), conns: map[string]*sourceConn{}, log: log}
}

func (o *OutputStore) Append(ctx context.Context, source, text string) error {
	db, err := o.open(source)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO lines (created_at, text) VALUES (?, ?)`, time.Now().UTC(), text)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

// Terminate appends the null-text sentinel row that tells followers the
// stream has ended.
func (o *OutputStore) Terminate(ctx context.Context, source string) error {
	db, err := o.open(source)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO lines (created_at, text) VALUES (?, NULL)`, time.Now().UTC())
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

type Line struct {
	ID        int64
	CreatedAt time.Time
	Text      *string
}

func (o *OutputStore) Since(ctx context.Context, source string, afterID int64) ([]Line, error) {
	db, err := o.open(source)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id, created_at, text FROM lines WHERE id > ? ORDER BY id`, afterID)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		var l Line
		var text sql.NullString
		if err := rows.Scan(&l.ID, &l.CreatedAt, &text); err != nil {
			return nil, disco.InternalError(err)
		}
		if text.Valid {
			l.Text = &text.String
		}
		out = append(out, l)
	}
	return out, nil
}

func (o *OutputStore) open(source string) (*sql.DB, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.conns[source]; ok {
		c.lastUsed = time.Now()
		return c.db, nil
	}

	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil, disco.InternalError(err)
	}
	path := filepath.Join(o.dir, fmt.Sprintf("%s.sqlite3", source))
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP NOT NULL,
		text TEXT
	)`); err != nil {
		db.Close()
		return nil, disco.InternalError(err)
	}
	o.conns[source] = &sourceConn{db: db, lastUsed: time.Now()}
	return db, nil
}

// EvictIdle is the hourly maintenance cron: close and drop connections idle
// for more than six hours.
func (o *OutputStore) EvictIdle() {
	o.mu.Lock()
	defer o.mu.Unlock()
	cutoff := time.Now().Add(-idleEvictAfter)
	for source, c := range o.conns {
		if c.lastUsed.Before(cutoff) {
			c.db.Close()
			delete(o.conns, source)
		}
	}
}

func DeploymentSource(deploymentID string) string { return "deployment_" + deploymentID }
func RunSource(runID string) string               { return "run_" + runID }
