// Package config resolves the daemon configuration from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the resolved, immutable daemon configuration.
type Config struct {
	// Addr is the loopback listen address for the HTTP + WebSocket endpoint.
	Addr string

	// TrackerBin is the bd binary to invoke.
	TrackerBin string

	// Workspace is the working directory for bd invocations; bd's own
	// database discovery runs from here when DBPath is empty.
	Workspace string

	// DBPath, when non-empty, is injected into every bd invocation as --db.
	DBPath string

	// RuntimeDir holds the PID file and the activity journal.
	RuntimeDir string

	// UIDir, when non-empty, is served at / for the browser frontend.
	UIDir string

	// Debounce is the coalescing window for watcher-driven refreshes.
	Debounce time.Duration

	// Heartbeat is the WebSocket ping interval; a connection that misses a
	// pong for one full interval is terminated.
	Heartbeat time.Duration

	// TrackerTimeout caps a single bd invocation; the child is killed hard.
	TrackerTimeout time.Duration
}

// Load resolves the configuration from environment variables, filling in
// defaults for anything unset.
func Load() Config {
	return Config{
		Addr:           env("BEADBOARD_ADDR", "127.0.0.1:4999"),
		TrackerBin:     env("BEADBOARD_BIN", env("BEADS_BIN", "bd")),
		Workspace:      env("BEADBOARD_WORKSPACE", "."),
		DBPath:         os.Getenv("BEADS_DB"),
		RuntimeDir:     env("BEADBOARD_RUNTIME_DIR", defaultRuntimeDir()),
		UIDir:          os.Getenv("BEADBOARD_UI_DIR"),
		Debounce:       envMS("BEADBOARD_DEBOUNCE_MS", 250),
		Heartbeat:      envMS("BEADBOARD_HEARTBEAT_MS", 30_000),
		TrackerTimeout: envMS("BEADBOARD_TRACKER_TIMEOUT_MS", 30_000),
	}
}

// ChangeLogPath is the bd append log the watcher observes.
func (c Config) ChangeLogPath() string {
	return filepath.Join(c.Workspace, ".beads", "issues.jsonl")
}

// PIDFile is the supervision PID file location.
func (c Config) PIDFile() string {
	return filepath.Join(c.RuntimeDir, "beadboard.pid")
}

// ActivityDBPath is the location of the observability journal.
func (c Config) ActivityDBPath() string {
	return filepath.Join(c.RuntimeDir, "activity.db")
}

func defaultRuntimeDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "beadboard")
	}
	return ".beadboard"
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envMS(key string, def int64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(def) * time.Millisecond
}
