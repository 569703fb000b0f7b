package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func loadWith(t *testing.T, groups []string, flags map[string]string) (Config, error) {
	t.Helper()

	cmd := &cobra.Command{Use: "test"}
	RegisterFlags(cmd)
	for name, value := range flags {
		require.NoError(t, cmd.Flags().Set(name, value))
	}
	return LoadConfig(cmd, groups)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadWith(t, []string{"gmane.test.group"}, nil)
	require.NoError(t, err)

	require.Equal(t, []string{"gmane.test.group"}, cfg.Groups)
	require.Equal(t, DefaultServer, cfg.Server)
	require.Equal(t, 119, cfg.Port)
	require.Equal(t, ".", cfg.OutputDir)
	require.Equal(t, ".", cfg.IndexDir, "index dir falls back to output dir")
	require.Zero(t, cfg.Start)
	require.Zero(t, cfg.Count)
	require.False(t, cfg.Incremental)
	require.False(t, cfg.Aggressive)
	require.False(t, cfg.DryRun)
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigFlags(t *testing.T) {
	cfg, err := loadWith(t, []string{"a", "b"}, map[string]string{
		"server":       "news.example.org",
		"port":         "1119",
		"output-dir":   "/tmp/archives/",
		"index-dir":    "/tmp/indexes",
		"start":        "200",
		"number":       "10",
		"aggressive":   "true",
		"dry-run":      "true",
		"log-level":    "WARNING",
		"max-attempts": "5",
	})
	require.NoError(t, err)

	require.Equal(t, "news.example.org", cfg.Server)
	require.Equal(t, 1119, cfg.Port)
	require.Equal(t, "/tmp/archives", cfg.OutputDir)
	require.Equal(t, "/tmp/indexes", cfg.IndexDir)
	require.Equal(t, int64(200), cfg.Start)
	require.Equal(t, int64(10), cfg.Count)
	require.True(t, cfg.Aggressive)
	require.True(t, cfg.DryRun)
	require.Equal(t, "warn", cfg.LogLevel, "warning is normalized to warn")
	require.Equal(t, 5, cfg.MaxAttempts)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		groups []string
		flags  map[string]string
	}{
		{name: "no groups", groups: nil},
		{name: "empty server", groups: []string{"g"}, flags: map[string]string{"server": ""}},
		{name: "bad port", groups: []string{"g"}, flags: map[string]string{"port": "70000"}},
		{name: "negative start", groups: []string{"g"}, flags: map[string]string{"start": "-5"}},
		{name: "negative number", groups: []string{"g"}, flags: map[string]string{"number": "-1"}},
		{name: "start with incremental", groups: []string{"g"}, flags: map[string]string{"start": "10", "incremental": "true"}},
		{name: "zero attempts", groups: []string{"g"}, flags: map[string]string{"max-attempts": "0"}},
		{name: "bad log level", groups: []string{"g"}, flags: map[string]string{"log-level": "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWith(t, tt.groups, tt.flags)
			require.Error(t, err)
		})
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := Config{OutputDir: "/data/news", IndexDir: "/data/index"}
	require.Equal(t, filepath.Join("/data/news", "gmane.test.mbox"), cfg.MboxPath("gmane.test"))
	require.Equal(t, filepath.Join("/data/index", "gmane.test.index.db"), cfg.IndexPath("gmane.test"))
}
