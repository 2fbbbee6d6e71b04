// Package git clones/fetches/checks out project working trees by shelling
// out to the git binary through a narrow subprocess wrapper, rather than
// pulling in a Go git library.
package git

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/discodeploy/disco/pkg/disco"
)

// DeployLatestSentinel resolves to HEAD of the configured branch, or main
// then master when no branch is configured.
const DeployLatestSentinel = "_DEPLOY_LATEST_"

type Repo struct {
	dir string
	log *logrus.Entry
}

// Open returns a handle to the project's working tree under
// /disco/projects/<project>/, cloning remote into it if absent.
func Open(projectsDir, project, remote string, log *logrus.Entry) (*Repo, error) {
	dir := filepath.Join(projectsDir, project)
	r := &Repo{dir: dir, log: log}
	if _, err := os.Stat(filepath.Join(dir, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return nil, disco.GitError("creating project dir", err)
		}
		if err := r.run(context.Background(), filepath.Dir(dir), "clone", remote, dir); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Repo) Fetch(ctx context.Context) error {
	return r.run(ctx, r.dir, "fetch", "--all", "--tags")
}

// ResolveCommit implements the _DEPLOY_LATEST_ fallback: configured branch,
// else main, else master, logging the branch chosen.
func (r *Repo) ResolveCommit(ctx context.Context, commit, branch string) (string, error) {
	if commit != DeployLatestSentinel {
		return r.revParse(ctx, commit)
	}
	for _, candidate := range candidateBranches(branch) {
		sha, err := r.revParse(ctx, "origin/"+candidate)
		if err == nil {
			r.log.WithField("branch", candidate).Info("resolved _DEPLOY_LATEST_")
			return sha, nil
		}
	}
	return "", disco.GitError("no candidate branch resolved for _DEPLOY_LATEST_", nil)
}

func candidateBranches(configured string) []string {
	if configured != "" {
		return []string{configured}
	}
	return []string{"main", "master"}
}

func (r *Repo) revParse(ctx context.Context, ref string) (string, error) {
	out, err := r.output(ctx, r.dir, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (r *Repo) Checkout(ctx context.Context, commit string) error {
	return r.run(ctx, r.dir, "checkout", "--force", commit)
}

func (r *Repo) ReadFile(name string) ([]byte, error) {
	path := filepath.Join(r.dir, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, disco.GitError("reading "+name, err)
	}
	return data, nil
}

func (r *Repo) WorkingTreeDir() string { return r.dir }

func (r *Repo) run(ctx context.Context, dir string, args ...string) error {
	_, err := r.output(ctx, dir, args...)
	return err
}

func (r *Repo) output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return "", disco.GitError("git "+strings.Join(args, " ")+": "+stderr.String(), err)
	}
	return stdout.String(), nil
}
