package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// DefaultServer is the public gmane mirror the original tool was written for.
const DefaultServer = "news.gmane.io"

// Config captures all command-line options required to mirror groups.
type Config struct {
	Groups      []string
	Server      string
	Port        int
	OutputDir   string
	IndexDir    string
	Start       int64
	Count       int64
	Incremental bool
	Aggressive  bool
	DryRun      bool
	MaxAttempts int
	LogLevel    string
	LogDir      string
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("server", "S", DefaultServer, "News server hostname")
	flags.Int("port", 119, "News server port")
	flags.StringP("output-dir", "o", ".", "Directory for the <group>.mbox archives")
	flags.String("index-dir", "", "Directory for the dedup index databases (defaults to the output directory)")
	flags.Int64P("start", "s", 0, "First article number in the range")
	flags.Int64P("number", "n", 0, "Fetch only the n most recent articles")
	flags.BoolP("incremental", "i", false, "Resolve the start article from the dedup index (binary search)")
	flags.BoolP("aggressive", "a", false, "Disable waiting between download batches")
	flags.BoolP("dry-run", "d", false, "Perform a trial run with no changes made")
	flags.Int("max-attempts", 3, "Attempts per article before it is skipped")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for per-run log files")
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command, groups []string) (Config, error) {
	flags := cmd.Flags()

	server, err := flags.GetString("server")
	if err != nil {
		return Config{}, err
	}
	port, err := flags.GetInt("port")
	if err != nil {
		return Config{}, err
	}
	outputDir, err := flags.GetString("output-dir")
	if err != nil {
		return Config{}, err
	}
	indexDir, err := flags.GetString("index-dir")
	if err != nil {
		return Config{}, err
	}
	start, err := flags.GetInt64("start")
	if err != nil {
		return Config{}, err
	}
	count, err := flags.GetInt64("number")
	if err != nil {
		return Config{}, err
	}
	incremental, err := flags.GetBool("incremental")
	if err != nil {
		return Config{}, err
	}
	aggressive, err := flags.GetBool("aggressive")
	if err != nil {
		return Config{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return Config{}, err
	}
	maxAttempts, err := flags.GetInt("max-attempts")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}

	if indexDir == "" {
		indexDir = outputDir
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		Groups:      groups,
		Server:      server,
		Port:        port,
		OutputDir:   filepath.Clean(outputDir),
		IndexDir:    filepath.Clean(indexDir),
		Start:       start,
		Count:       count,
		Incremental: incremental,
		Aggressive:  aggressive,
		DryRun:      dryRun,
		MaxAttempts: maxAttempts,
		LogLevel:    logLevel,
		LogDir:      logDir,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// MboxPath returns the archive path for a group.
func (c Config) MboxPath(group string) string {
	return filepath.Join(c.OutputDir, group+".mbox")
}

// IndexPath returns the dedup index path for a group.
func (c Config) IndexPath(group string) string {
	return filepath.Join(c.IndexDir, group+".index.db")
}

func validateConfig(cfg Config) error {
	if len(cfg.Groups) == 0 {
		return fmt.Errorf("at least one group is required")
	}
	if cfg.Server == "" {
		return fmt.Errorf("--server must not be empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("--port must be between 1 and 65535")
	}
	if cfg.Start < 0 {
		return fmt.Errorf("--start must not be negative")
	}
	if cfg.Count < 0 {
		return fmt.Errorf("--number must not be negative")
	}
	if cfg.Start > 0 && cfg.Incremental {
		return fmt.Errorf("--start and --incremental are mutually exclusive")
	}
	if cfg.MaxAttempts <= 0 {
		return fmt.Errorf("--max-attempts must be positive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}
