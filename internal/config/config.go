// Package config holds the gateway's immutable startup configuration.
// Values are parsed once in cmd/server/main.go via cobra flags with
// environment-variable fallback.
package config

import (
	"fmt"
	"time"
)

// Config is populated once at startup and never mutated afterward. Every
// component that needs a setting receives it (or a derived value) through
// its constructor rather than reading Config directly.
type Config struct {
	// CloudBaseURL is the cloud provider's API origin, e.g.
	// "https://open-api.123pan.com".
	CloudBaseURL string

	// ClientID and ClientSecret authenticate against the cloud provider's
	// OAuth client-credentials endpoint.
	ClientID     string
	ClientSecret string

	// RepoPath is the absolute path of the repository root in the cloud
	// provider's directory tree.
	RepoPath string

	// ListenAddr is the HTTP bind address Restic clients connect to.
	ListenAddr string

	// DBPath is the file path of the metadata-cache SQLite database.
	DBPath string

	// ForceCacheRebuild, when true, makes warmup skip the has_children
	// short-circuit and re-list every directory from the cloud.
	ForceCacheRebuild bool

	// LogLevel is observability-only; it does not affect request handling.
	LogLevel string

	// ReconcileInterval, when non-zero, enables the optional periodic
	// background re-list that repairs cache drift. Zero disables it, which
	// is the default: the gateway assumes it is the sole writer.
	ReconcileInterval time.Duration
}

// Validate checks that the required fields are present. It returns a
// gwerr.Configuration-classified error via the caller (cmd/server/main.go
// wraps it), kept dependency-free here so config stays a leaf package.
func (c Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	if c.RepoPath == "" {
		return fmt.Errorf("repo_path is required")
	}
	return nil
}

// Default returns a Config with every optional field set to its documented
// default, leaving the required credential fields empty.
func Default() Config {
	return Config{
		CloudBaseURL:      "https://open-api.123pan.com",
		RepoPath:          "/restic-backup",
		ListenAddr:        "127.0.0.1:8000",
		DBPath:            "cache-123pan.db",
		ForceCacheRebuild: false,
		LogLevel:          "info",
		ReconcileInterval: 0,
	}
}
