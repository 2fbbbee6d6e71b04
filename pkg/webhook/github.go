// Package webhook verifies and dispatches signed GitHub-App webhooks into
// the task queue. Only the newer, per-source-store GitHub-App signed
// variant is implemented; the legacy unsigned endpoint is intentionally
// not ported.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/discodeploy/disco/pkg/disco"
	"github.com/discodeploy/disco/pkg/store"
)

const (
	HeaderEvent             = "X-GitHub-Event"
	HeaderSignature         = "X-Hub-Signature-256"
	HeaderInstallTargetType = "X-GitHub-Hook-Installation-Target-Type"
	HeaderInstallTargetID   = "X-GitHub-Hook-Installation-Target-Id"
)

type Handler struct {
	db  *store.DB
	log *logrus.Entry
}

func NewHandler(db *store.DB, log *logrus.Entry) *Handler {
	return &Handler{db: db, log: log}
}

// Verify recomputes sha256=HEX(HMAC-SHA256(secret, body)) and compares it to
// the header in constant time. Looking up the app by github_app_id happens
// before this, since the secret is per-app.
func Verify(secret, header string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	got := mac.Sum(nil)
	return hmac.Equal(want, got)
}

// Ingest is the full handler for POST /.webhooks/github-apps: look up the
// target app, verify the signature, and on match dispatch by event type.
// On mismatch, no Task row is created.
func (h *Handler) Ingest(ctx context.Context, targetType, targetID, event, signature string, body []byte) error {
	if targetType != "integration" {
		return disco.InvalidArgument("unsupported installation target type: " + targetType)
	}

	app, err := h.db.GetGithubAppByGithubID(ctx, targetID)
	if err != nil {
		return err
	}
	if !Verify(app.WebhookSecret, signature, body) {
		return disco.WebhookSignatureMismatch()
	}

	switch event {
	case "push":
		return h.handlePush(ctx, body)
	case "installation":
		return h.handleInstallation(ctx, app.ID, body)
	case "installation_repositories":
		return h.handleInstallationRepositories(ctx, body)
	default:
		h.log.WithField("event", event).Info("ignoring unhandled github webhook event")
		return nil
	}
}

type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (h *Handler) handlePush(ctx context.Context, body []byte) error {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return disco.InvalidArgument("malformed push payload")
	}
	branch := strings.TrimPrefix(p.Ref, "refs/heads/")
	if branch != "main" && branch != "master" {
		h.log.WithField("branch", branch).Debug("ignoring push to non-deploy branch")
		return nil
	}
	body2, _ := json.Marshal(map[string]string{
		"repoFullName": p.Repository.FullName,
		"commit":       p.After,
	})
	_, err := h.db.Enqueue(ctx, "PROCESS_GITHUB_WEBHOOK", string(body2))
	return err
}

type installationPayload struct {
	Action       string `json:"action"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Repositories []struct {
		FullName string `json:"full_name"`
	} `json:"repositories"`
	RepositoriesAdded []struct {
		FullName string `json:"full_name"`
	} `json:"repositories_added"`
	RepositoriesRemoved []struct {
		FullName string `json:"full_name"`
	} `json:"repositories_removed"`
}

func (h *Handler) handleInstallation(ctx context.Context, githubAppID string, body []byte) error {
	var p installationPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return disco.InvalidArgument("malformed installation payload")
	}
	installationID := toInstallationID(p.Installation.ID)
	switch p.Action {
	case "created":
		if _, err := h.db.AddGithubAppInstallation(ctx, githubAppID, installationID); err != nil {
			return err
		}
		for _, repo := range p.Repositories {
			if err := h.db.AddGithubAppRepo(ctx, installationID, repo.FullName); err != nil {
				return err
			}
		}
		return nil
	case "deleted":
		return h.db.RemoveGithubAppInstallation(ctx, installationID)
	default:
		h.log.WithField("action", p.Action).Debug("ignoring installation action")
		return nil
	}
}

func (h *Handler) handleInstallationRepositories(ctx context.Context, body []byte) error {
	var p installationPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return disco.InvalidArgument("malformed installation_repositories payload")
	}
	installationID := toInstallationID(p.Installation.ID)
	switch p.Action {
	case "added":
		for _, repo := range p.RepositoriesAdded {
			if err := h.db.AddGithubAppRepo(ctx, installationID, repo.FullName); err != nil {
				return err
			}
		}
		return nil
	case "removed":
		for _, repo := range p.RepositoriesRemoved {
			if err := h.db.RemoveGithubAppRepo(ctx, installationID, repo.FullName); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func toInstallationID(id int64) string {
	return strconv.FormatInt(id, 10)
}
