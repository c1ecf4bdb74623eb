package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get user home dir: %v", err)
	}

	tests := []struct {
		name     string
		input    string
		expected string
		unixOnly bool // skip on Windows (uses Unix-style absolute paths)
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "just tilde",
			input:    "~",
			expected: home,
		},
		{
			name:     "tilde with slash and path",
			input:    "~/foo",
			expected: filepath.Join(home, "foo"),
		},
		{
			name:     "tilde with trailing slash only",
			input:    "~/",
			expected: home,
		},
		{
			name:     "tilde user notation not expanded",
			input:    "~user",
			expected: "~user",
		},
		{
			name:     "tilde with double slash",
			input:    "~//foo",
			expected: filepath.Join(home, "foo"),
		},
		{
			name:     "absolute path unchanged",
			input:    "/var/log/test",
			expected: "/var/log/test",
			unixOnly: true,
		},
		{
			name:     "relative path unchanged",
			input:    "relative/path",
			expected: "relative/path",
		},
		{
			name:     "tilde in middle not expanded",
			input:    "/home/~user/foo",
			expected: "/home/~user/foo",
			unixOnly: true,
		},
		{
			name:     "nested path after tilde",
			input:    "~/foo/bar/baz",
			expected: filepath.Join(home, "foo/bar/baz"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.unixOnly && runtime.GOOS == "windows" {
				t.Skip("skipping Unix-specific path test on Windows")
			}
			got := expandPath(tt.input)
			if got != tt.expected {
				t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLoadEmptyPath(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MAILDEPOT_HOME", tmpDir)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load(\"\", \"\") failed: %v", err)
	}

	if cfg.HomeDir != tmpDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, tmpDir)
	}
	if cfg.Data.DataDir != tmpDir {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, tmpDir)
	}
	if cfg.Store.TimeStampLeewaySeconds != 60 {
		t.Errorf("Store.TimeStampLeewaySeconds = %d, want 60", cfg.Store.TimeStampLeewaySeconds)
	}
	if cfg.Ingest.DuplicatePolicy != DuplicateKeep {
		t.Errorf("Ingest.DuplicatePolicy = %q, want %q", cfg.Ingest.DuplicatePolicy, DuplicateKeep)
	}

	expectedDB := filepath.Join(tmpDir, "maildepot.db")
	if cfg.DatabaseDSN() != expectedDB {
		t.Errorf("DatabaseDSN() = %q, want %q", cfg.DatabaseDSN(), expectedDB)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MAILDEPOT_HOME", tmpDir)

	configPath := filepath.Join(tmpDir, "config.toml")
	configContent := `
[data]
data_dir = "~/custom/data"

[store]
timestamp_leeway_seconds = 30
quarantine_dir = "~/custom/quarantine"

[ingest]
duplicate_policy = "discard"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load(\"\", \"\") failed: %v", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get user home dir: %v", err)
	}

	expectedDataDir := filepath.Join(home, "custom/data")
	if cfg.Data.DataDir != expectedDataDir {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, expectedDataDir)
	}

	expectedQuarantine := filepath.Join(home, "custom/quarantine")
	if cfg.Store.QuarantineDir != expectedQuarantine {
		t.Errorf("Store.QuarantineDir = %q, want %q", cfg.Store.QuarantineDir, expectedQuarantine)
	}

	if cfg.Store.TimeStampLeewaySeconds != 30 {
		t.Errorf("Store.TimeStampLeewaySeconds = %d, want 30", cfg.Store.TimeStampLeewaySeconds)
	}
	if cfg.Ingest.DuplicatePolicy != DuplicateDiscard {
		t.Errorf("Ingest.DuplicatePolicy = %q, want %q", cfg.Ingest.DuplicatePolicy, DuplicateDiscard)
	}
}

func TestLoadExplicitPathNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml", "")
	if err == nil {
		t.Fatal("Load with explicit nonexistent path should return error")
	}
	if got := err.Error(); !strings.Contains(got, "config file not found") {
		t.Errorf("error = %q, want it to contain %q", got, "config file not found")
	}
}

func TestLoadExplicitPathDerivedHomeDir(t *testing.T) {
	// When --config points to a custom location, HomeDir and DataDir
	// should derive from the config file's parent directory
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[index]
max_line_bytes = 2000
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath, "")
	if err != nil {
		t.Fatalf("Load(%q, \"\") failed: %v", configPath, err)
	}

	if cfg.HomeDir != tmpDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, tmpDir)
	}
	if cfg.Data.DataDir != tmpDir {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, tmpDir)
	}
	if cfg.Index.MaxLineBytes != 2000 {
		t.Errorf("Index.MaxLineBytes = %d, want 2000", cfg.Index.MaxLineBytes)
	}

	expectedDB := filepath.Join(tmpDir, "maildepot.db")
	if cfg.DatabaseDSN() != expectedDB {
		t.Errorf("DatabaseDSN() = %q, want %q", cfg.DatabaseDSN(), expectedDB)
	}
}

func TestLoadExplicitPathWithDataDirOverride(t *testing.T) {
	// When config file explicitly sets data_dir, that should take precedence
	tmpDir := t.TempDir()
	customDataDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[data]
data_dir = "` + filepath.ToSlash(customDataDir) + `"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath, "")
	if err != nil {
		t.Fatalf("Load(%q, \"\") failed: %v", configPath, err)
	}

	if cfg.HomeDir != tmpDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, tmpDir)
	}
	if filepath.Clean(cfg.Data.DataDir) != filepath.Clean(customDataDir) {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, customDataDir)
	}
}

func TestLoadExplicitPathRelativePaths(t *testing.T) {
	// When --config is used, a relative data_dir should resolve against the
	// config file's directory, not the working directory.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[data]
data_dir = "data"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath, "")
	if err != nil {
		t.Fatalf("Load(%q, \"\") failed: %v", configPath, err)
	}

	expectedDataDir := filepath.Join(tmpDir, "data")
	if cfg.Data.DataDir != expectedDataDir {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, expectedDataDir)
	}
}

func TestLoadExplicitPathWithTilde(t *testing.T) {
	// Explicit --config with ~ should be expanded before stat
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get user home dir: %v", err)
	}

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(configPath, []byte("[index]\nmax_line_bytes = 500\n"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if !strings.HasPrefix(tmpDir, home) {
		t.Skip("temp dir is not under home directory, cannot test ~ expansion")
	}
	tildePath := "~" + tmpDir[len(home):] + "/config.toml"

	cfg, err := Load(tildePath, "")
	if err != nil {
		t.Fatalf("Load(%q, \"\") failed: %v", tildePath, err)
	}

	if cfg.Index.MaxLineBytes != 500 {
		t.Errorf("Index.MaxLineBytes = %d, want 500", cfg.Index.MaxLineBytes)
	}
}

func TestLoadConfigFilePath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(configPath, []byte(""), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath, "")
	if err != nil {
		t.Fatalf("Load(%q, \"\") failed: %v", configPath, err)
	}

	if cfg.ConfigFilePath() != configPath {
		t.Errorf("ConfigFilePath() = %q, want %q", cfg.ConfigFilePath(), configPath)
	}
}

func TestDefaultHomeExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get user home dir: %v", err)
	}

	t.Setenv("MAILDEPOT_HOME", "~/.maildepot")
	got := DefaultHome()
	expected := filepath.Join(home, ".maildepot")
	if got != expected {
		t.Errorf("DefaultHome() = %q, want %q", got, expected)
	}
}

func TestOverrideHome(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MAILDEPOT_HOME", tmpDir)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	overrideDir := t.TempDir()
	cfg2, err := Load("", overrideDir)
	if err != nil {
		t.Fatalf("Load with homeDir override failed: %v", err)
	}
	_ = cfg

	if cfg2.Data.DataDir != overrideDir {
		t.Errorf("Data.DataDir = %q, want %q", cfg2.Data.DataDir, overrideDir)
	}
	if cfg2.HomeDir != overrideDir {
		t.Errorf("HomeDir = %q, want %q", cfg2.HomeDir, overrideDir)
	}

	expectedDB := filepath.Join(overrideDir, "maildepot.db")
	if cfg2.DatabaseDSN() != expectedDB {
		t.Errorf("DatabaseDSN() = %q, want %q", cfg2.DatabaseDSN(), expectedDB)
	}
}

// assertTempDirSecured checks that a temp dir has permissions no more
// permissive than 0700. This is umask-tolerant (stricter is fine).
func assertTempDirSecured(t *testing.T, dir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		return // Windows uses DACLs, not Unix permission bits
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Stat temp dir: %v", err)
	}
	got := info.Mode().Perm()
	if got&^os.FileMode(0700) != 0 {
		t.Errorf("temp dir perm = %04o, has bits beyond 0700 (extra: %04o)", got, got&^0700)
	}
}

func TestMkTempDir(t *testing.T) {
	t.Run("uses system temp when no preferred dirs", func(t *testing.T) {
		dir, err := MkTempDir("test-*")
		if err != nil {
			t.Fatalf("MkTempDir failed: %v", err)
		}
		defer os.RemoveAll(dir)

		if _, err := os.Stat(dir); err != nil {
			t.Errorf("temp dir does not exist: %v", err)
		}
		assertTempDirSecured(t, dir)
	})

	t.Run("uses preferred dir when available", func(t *testing.T) {
		preferred := t.TempDir()
		dir, err := MkTempDir("test-*", preferred)
		if err != nil {
			t.Fatalf("MkTempDir failed: %v", err)
		}
		defer os.RemoveAll(dir)

		if !strings.HasPrefix(dir, preferred) {
			t.Errorf("temp dir %q not under preferred %q", dir, preferred)
		}
		assertTempDirSecured(t, dir)
	})

	t.Run("skips empty preferred dir strings", func(t *testing.T) {
		dir, err := MkTempDir("test-*", "")
		if err != nil {
			t.Fatalf("MkTempDir failed: %v", err)
		}
		defer os.RemoveAll(dir)

		if _, err := os.Stat(dir); err != nil {
			t.Errorf("temp dir does not exist: %v", err)
		}
	})

	t.Run("falls back to system temp when preferred dir is inaccessible", func(t *testing.T) {
		dir, err := MkTempDir("test-*", "/nonexistent-dir-that-does-not-exist")
		if err != nil {
			t.Fatalf("MkTempDir failed: %v", err)
		}
		defer os.RemoveAll(dir)

		if strings.Contains(dir, "nonexistent") {
			t.Errorf("should not have used nonexistent dir, got %q", dir)
		}
	})

	t.Run("falls back to maildepot home when system temp is unavailable", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("cannot make system temp dir unwritable on Windows")
		}

		restrictedTmp := t.TempDir()
		if err := os.Chmod(restrictedTmp, 0o500); err != nil {
			t.Fatalf("chmod failed: %v", err)
		}
		t.Cleanup(func() { _ = os.Chmod(restrictedTmp, 0o700) })

		probe, probeErr := os.MkdirTemp(restrictedTmp, "probe-*")
		if probeErr == nil {
			os.Remove(probe)
			t.Skip("chmod 0500 did not restrict writes (running as root or permissive ACLs)")
		}

		maildepotHome := t.TempDir()
		t.Setenv("TMPDIR", restrictedTmp)
		t.Setenv("MAILDEPOT_HOME", maildepotHome)

		dir, err := MkTempDir("test-*")
		if err != nil {
			t.Fatalf("MkTempDir failed: %v", err)
		}
		defer os.RemoveAll(dir)

		expectedBase := filepath.Join(maildepotHome, "tmp")
		if !strings.HasPrefix(dir, expectedBase) {
			t.Errorf("temp dir %q not under fallback %q", dir, expectedBase)
		}

		assertTempDirSecured(t, expectedBase)
		assertTempDirSecured(t, dir)
	})
}

func TestLoadBackslashErrorHint(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MAILDEPOT_HOME", tmpDir)

	configPath := filepath.Join(tmpDir, "config.toml")
	// \G is not a valid TOML escape, so this triggers an "invalid escape" error
	configContent := `[data]
data_dir = "C:\Games\maildepot"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := Load("", "")
	if err == nil {
		t.Fatal("Load should fail on invalid TOML escape")
	}

	errMsg := err.Error()
	if !strings.Contains(errMsg, "invalid escape") {
		t.Errorf("error should mention invalid escape, got: %s", errMsg)
	}
	if !strings.Contains(errMsg, "hint:") {
		t.Errorf("error should contain hint, got: %s", errMsg)
	}
	if !strings.Contains(errMsg, "forward slashes") {
		t.Errorf("error should mention forward slashes, got: %s", errMsg)
	}
}

func TestNewDefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MAILDEPOT_HOME", tmpDir)

	cfg := NewDefaultConfig()

	if cfg.HomeDir != tmpDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, tmpDir)
	}
	if cfg.Data.DataDir != tmpDir {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, tmpDir)
	}
	if cfg.Store.TimeStampLeewaySeconds != 60 {
		t.Errorf("Store.TimeStampLeewaySeconds = %d, want 60", cfg.Store.TimeStampLeewaySeconds)
	}
}
