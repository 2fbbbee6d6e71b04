// Package config loads the daemon/worker bootstrap configuration: a small
// set of process-bootstrap values come from the environment (there is no
// dotfile to edit on a headless server), while everything an operator can
// change at runtime without a restart lives in the key-value store
// (pkg/kv) instead of a config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// AppConfig holds build metadata plus the handful of settings needed
// before the runtime (and therefore the KV store) exists at all.
type AppConfig struct {
	Debug bool

	Version   string
	Commit    string
	BuildDate string
	Name      string

	// ConfigDir is where the development log lives.
	ConfigDir string

	// DataDir is the root of /disco/data, /disco/projects, /disco/srv.
	DataDir string

	// DBPath is the primary sqlite store file.
	DBPath string

	// DockerHost overrides DOCKER_HOST; empty means use the client
	// default.
	DockerHost string

	// EncryptionKeyPath is where the AEAD key is mounted.
	EncryptionKeyPath string

	// CaddySocketPath is the reverse-proxy admin socket.
	CaddySocketPath string

	// CaddyContainer is the reverse-proxy container name, attached to each
	// deployment's caddy network during rollout.
	CaddyContainer string

	// ListenAddr is the HTTP bind address for the daemon.
	ListenAddr string

	// WorkerPollIntervalMS governs how often the worker polls the task
	// queue (default 500ms per the task queue's consumer loop).
	WorkerPollIntervalMS int
}

// NewAppConfig builds the bootstrap config from the environment.
func NewAppConfig(name, version, commit, date string) (*AppConfig, error) {
	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, fmt.Errorf("finding config dir: %w", err)
	}

	dataDir := envOr("DISCO_DATA_DIR", "/disco/data")

	return &AppConfig{
		Debug:                envBool("DISCO_DEBUG") || os.Getenv("DEBUG") == "TRUE",
		Version:              version,
		Commit:               commit,
		BuildDate:            date,
		Name:                 name,
		ConfigDir:            configDir,
		DataDir:              dataDir,
		DBPath:               envOr("DISCO_DB_PATH", filepath.Join(dataDir, "disco.sqlite3")),
		DockerHost:           os.Getenv("DOCKER_HOST"),
		EncryptionKeyPath:    envOr("DISCO_ENCRYPTION_KEY_PATH", "/run/secrets/disco_encryption_key"),
		CaddySocketPath:      envOr("DISCO_CADDY_SOCKET", "/var/run/caddy/caddy.sock"),
		CaddyContainer:       envOr("DISCO_CADDY_CONTAINER", "disco-caddy"),
		ListenAddr:           envOr("DISCO_LISTEN_ADDR", ":6543"),
		WorkerPollIntervalMS: envInt("DISCO_WORKER_POLL_MS", 500),
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

// findOrCreateConfigDir resolves the directory development logs are
// written to, honoring a CONFIG_DIR env override.
func findOrCreateConfigDir(projectName string) (string, error) {
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return dir, createIfMissing(dir)
	}

	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}

	dir := filepath.Join(base, projectName)
	return dir, createIfMissing(dir)
}

func createIfMissing(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
