// Package config handles loading and managing maildepot configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mailkit/maildepot/internal/fileutil"
)

// StoreConfig holds the knobs the mbox/maildir backends consult.
type StoreConfig struct {
	// TimeStampLeewaySeconds is the mtime/size tolerance used by
	// IsSummaryFileValid before a folder's index is considered stale.
	TimeStampLeewaySeconds int `toml:"timestamp_leeway_seconds"`
	// MboxSizeCapBytes switches the mbox file size cap on or off; 0 disables
	// the cap. Any non-zero value enables mboxstore.WithSizeCap, whose
	// ceiling is fixed; the number itself is not used as the limit.
	MboxSizeCapBytes int64 `toml:"mbox_size_cap_bytes"`
	// QuarantineDir stages new messages through a temp file before they
	// land in the live store, giving an OS virus scanner a window to
	// reject them. Empty disables quarantine.
	QuarantineDir string `toml:"quarantine_dir"`
}

// TimeStampLeeway returns the configured leeway as a time.Duration.
func (s StoreConfig) TimeStampLeeway() time.Duration {
	if s.TimeStampLeewaySeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.TimeStampLeewaySeconds) * time.Second
}

// IndexConfig holds the knobs StoreIndexer and MessageHeaderState consult.
type IndexConfig struct {
	// CustomDBHeaders names additional RFC 5322 headers to capture into a
	// MsgHdr's Properties bag. Per the resolved customDBHeaders ambiguity
	// (spec §9), this is a list of header names (token characters only),
	// not a delimiter-split preference string.
	CustomDBHeaders []string `toml:"custom_db_headers"`
	// MaxLineBytes caps a single header/body line fed to the parser;
	// longer lines are still counted toward messageSize but dropped from
	// header parsing (spec §4.8).
	MaxLineBytes int `toml:"max_line_bytes"`
}

// DuplicatePolicy names what the ingest sink does when an arriving message's
// messageId already exists in the folder's database (spec §4.9 step 5).
type DuplicatePolicy string

const (
	DuplicateKeep    DuplicatePolicy = "keep"
	DuplicateDiscard DuplicatePolicy = "discard"
	DuplicateTrash   DuplicatePolicy = "trash"
	DuplicateMarkRead DuplicatePolicy = "mark_read"
)

// IngestConfig holds the knobs the Ingest Sink consults.
type IngestConfig struct {
	DuplicatePolicy DuplicatePolicy `toml:"duplicate_policy"`
}

// Config represents the maildepot configuration.
type Config struct {
	Data   DataConfig   `toml:"data"`
	Store  StoreConfig  `toml:"store"`
	Index  IndexConfig  `toml:"index"`
	Ingest IngestConfig `toml:"ingest"`

	// Computed paths (not from config file)
	HomeDir    string `toml:"-"`
	configPath string // resolved path to the loaded config file
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir     string `toml:"data_dir"`
	DatabaseURL string `toml:"database_url"`
}

// DefaultHome returns the default maildepot home directory.
// Respects the MAILDEPOT_HOME environment variable and expands ~ in its
// value.
func DefaultHome() string {
	if h := os.Getenv("MAILDEPOT_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".maildepot"
	}
	return filepath.Join(home, ".maildepot")
}

// NewDefaultConfig returns a configuration with default values.
func NewDefaultConfig() *Config {
	homeDir := DefaultHome()
	return &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir: homeDir,
		},
		Store: StoreConfig{
			TimeStampLeewaySeconds: 60,
			MboxSizeCapBytes:       0,
		},
		Index: IndexConfig{
			MaxLineBytes: 1000,
		},
		Ingest: IngestConfig{
			DuplicatePolicy: DuplicateKeep,
		},
	}
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.maildepot/config.toml),
// which is optional (missing file returns defaults).
// If path is explicitly provided, the file must exist.
//
// homeDir overrides the home directory (equivalent to MAILDEPOT_HOME).
// When set, config.toml is loaded from homeDir unless path is also set.
func Load(path, homeDir string) (*Config, error) {
	explicit := path != ""

	cfg := NewDefaultConfig()

	// --home overrides the default home directory, just like MAILDEPOT_HOME.
	if homeDir != "" {
		homeDir = expandPath(homeDir)
		cfg.HomeDir = homeDir
		cfg.Data.DataDir = homeDir
	}

	if !explicit {
		path = filepath.Join(cfg.HomeDir, "config.toml")
	} else {
		// Expand ~ for explicit paths (e.g. --config "~/.maildepot/config.toml"
		// where the shell didn't expand it, or on Windows where ~ is never expanded).
		path = expandPath(path)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		// Default config file is optional
		return cfg, nil
	}

	cfg.configPath = path

	// When --config points to a custom location without --home,
	// derive HomeDir and default DataDir from the config file's parent
	// directory so that the index database, quarantine dir, etc. live
	// alongside the config.
	if explicit && homeDir == "" {
		cfg.HomeDir = filepath.Dir(path)
		cfg.Data.DataDir = cfg.HomeDir
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if strings.Contains(err.Error(), "invalid escape") ||
			strings.Contains(err.Error(), "hexadecimal digits after") {
			return nil, fmt.Errorf("decode config: %w\n\nhint: Windows paths in TOML must use "+
				"forward slashes (C:/Users/foo/maildepot) or single quotes ('C:\\Users\\foo\\maildepot').", err)
		}
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Expand ~ in paths
	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	cfg.Store.QuarantineDir = expandPath(cfg.Store.QuarantineDir)

	// When --config is used, resolve relative paths against the config file's
	// directory so behavior doesn't depend on the working directory.
	if explicit {
		cfg.Data.DataDir = resolveRelative(cfg.Data.DataDir, cfg.HomeDir)
		cfg.Store.QuarantineDir = resolveRelative(cfg.Store.QuarantineDir, cfg.HomeDir)
	}

	return cfg, nil
}

// DatabaseDSN returns the database connection string or file path.
func (c *Config) DatabaseDSN() string {
	if c.Data.DatabaseURL != "" {
		return c.Data.DatabaseURL
	}
	return filepath.Join(c.Data.DataDir, "maildepot.db")
}

// EnsureHomeDir creates the maildepot home directory if it doesn't exist.
func (c *Config) EnsureHomeDir() error {
	return fileutil.SecureMkdirAll(c.HomeDir, 0700)
}

// ConfigFilePath returns the path to the config file.
// If a config was loaded (including via --config), returns the actual path used.
// Otherwise returns the default location based on HomeDir.
func (c *Config) ConfigFilePath() string {
	if c.configPath != "" {
		return c.configPath
	}
	return filepath.Join(c.HomeDir, "config.toml")
}

// MkTempDir creates a temporary directory with fallback logic for restricted
// environments (e.g. Windows where %TEMP% may be inaccessible due to
// permissions, antivirus, or group policy).
//
// It tries the following locations in order:
//  1. Each directory in preferredDirs (if any)
//  2. The system default temp directory (os.TempDir())
//  3. A "tmp" subdirectory under the maildepot home directory (~/.maildepot/tmp/)
//
// The first successful location is used. If all locations fail, the error
// from the system temp dir attempt is returned along with the final fallback error.
func MkTempDir(pattern string, preferredDirs ...string) (string, error) {
	// Try preferred directories first
	for _, base := range preferredDirs {
		if base == "" {
			continue
		}
		dir, err := os.MkdirTemp(base, pattern)
		if err == nil {
			secureTempDir(dir)
			return dir, nil
		}
	}

	// Try system temp dir
	dir, sysErr := os.MkdirTemp("", pattern)
	if sysErr == nil {
		secureTempDir(dir)
		return dir, nil
	}

	// Fallback: use ~/.maildepot/tmp/
	fallbackBase := filepath.Join(DefaultHome(), "tmp")
	if err := fileutil.SecureMkdirAll(fallbackBase, 0700); err != nil {
		return "", fmt.Errorf("create temp dir: %w (fallback also failed: %v)", sysErr, err)
	}
	dir, err := os.MkdirTemp(fallbackBase, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w (fallback also failed: %v)", sysErr, err)
	}
	secureTempDir(dir)
	return dir, nil
}

// secureTempDir applies owner-only permissions to a temp directory created by
// os.MkdirTemp, which uses default permissions. On Windows, this also sets an
// owner-only DACL. Failures are logged but non-fatal.
func secureTempDir(dir string) {
	if err := fileutil.SecureChmod(dir, 0700); err != nil {
		slog.Warn("failed to secure temp directory permissions", "path", dir, "err", err)
	}
}

// resolveRelative makes a relative path absolute by joining it with base.
// Absolute paths and empty strings are returned unchanged.
func resolveRelative(path, base string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// expandPath expands ~ to the user's home directory.
// Only expands paths that are exactly "~" or start with "~/".
// It also strips surrounding single or double quotes, which Windows CMD
// passes through literally (unlike Unix shells which strip them).
func expandPath(path string) string {
	if path == "" {
		return path
	}
	// Strip surrounding quotes left by Windows CMD (e.g. --home 'C:\Users\foo').
	// Only on Windows — Unix shells strip quotes before the process sees them,
	// and literal quote characters in Unix paths are valid (if unusual).
	if runtime.GOOS == "windows" && len(path) >= 2 &&
		((path[0] == '\'' && path[len(path)-1] == '\'') ||
			(path[0] == '"' && path[len(path)-1] == '"')) {
		path = path[1 : len(path)-1]
	}
	if path == "~" || strings.HasPrefix(path, "~"+string(os.PathSeparator)) || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		// Trim leading slashes from the suffix to handle cases like "~//foo"
		suffix := path[2:]
		for len(suffix) > 0 && (suffix[0] == '/' || suffix[0] == os.PathSeparator) {
			suffix = suffix[1:]
		}
		return filepath.Join(home, suffix)
	}
	return path
}
