package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/bockthom/nntp2mbox/cmd"
	"github.com/bockthom/nntp2mbox/config"
	"github.com/bockthom/nntp2mbox/index"
	"github.com/bockthom/nntp2mbox/mbox"
	"github.com/bockthom/nntp2mbox/nntp"
	"github.com/bockthom/nntp2mbox/progress"
	"github.com/bockthom/nntp2mbox/stats"
	"github.com/bockthom/nntp2mbox/syncer"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nntp2mbox GROUP [GROUP...]",
		Short: "Mirror newsgroups into local mbox archives, incrementally and exactly once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c, args)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting nntp2mbox",
				"server", cfg.Server, "groups", strings.Join(cfg.Groups, ","),
				"incremental", cfg.Incremental, "dryRun", cfg.DryRun)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	config.RegisterFlags(rootCmd)
	rootCmd.AddCommand(cmd.ListGroupsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run mirrors the requested groups one after another. Each group gets its own
// connection, archive and index; one group failing never stops the rest.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var failed []string

	for _, group := range cfg.Groups {
		if err := runGroup(ctx, cfg, group, logger); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			logger.Error("group sync failed", "group", group, "err", err)
			failed = append(failed, group)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("sync failed for %d of %d groups: %s", len(failed), len(cfg.Groups), strings.Join(failed, ", "))
	}
	return nil
}

func runGroup(ctx context.Context, cfg config.Config, group string, logger *slog.Logger) error {
	client, err := nntp.Dial(nntp.Options{Host: cfg.Server, Port: cfg.Port}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Quit(); err != nil {
			logger.Debug("nntp quit failed", "group", group, "err", err)
		}
	}()

	var (
		archive      syncer.Archive
		closeArchive func() error
	)
	if cfg.DryRun {
		archive = mbox.NewView(cfg.MboxPath(group), logger)
	} else {
		a, err := mbox.Open(cfg.MboxPath(group), logger)
		if err != nil {
			return err
		}
		archive = a
		closeArchive = a.Close
	}

	indexPath := cfg.IndexPath(group)
	if cfg.DryRun {
		if _, err := os.Stat(indexPath); errors.Is(err, os.ErrNotExist) {
			// Keep dry runs free of persisted side effects.
			indexPath = ":memory:"
		}
	}

	idx, err := index.Open(indexPath, logger)
	if err != nil {
		if closeArchive != nil {
			_ = closeArchive()
		}
		return err
	}

	s, err := syncer.New(syncer.Options{
		Group:       group,
		Start:       cfg.Start,
		Count:       cfg.Count,
		Incremental: cfg.Incremental,
		Aggressive:  cfg.Aggressive,
		DryRun:      cfg.DryRun,
		MaxAttempts: cfg.MaxAttempts,
	}, client, archive, idx, clockwork.NewRealClock(), logger)
	if err != nil {
		_ = idx.Close()
		if closeArchive != nil {
			_ = closeArchive()
		}
		return err
	}

	stats.NewReporter(s, logger)
	bar := progress.New(cfg.LogLevel)
	s.SubscribeStats("progress-bar", bar.Subscriber)

	result, runErr := s.Run(ctx)

	if closeArchive != nil {
		if err := closeArchive(); err != nil && runErr == nil {
			runErr = err
		}
	}
	if err := idx.Close(); err != nil && runErr == nil {
		runErr = err
	}

	if runErr == nil {
		logger.Info("group done",
			"group", group, "start", result.Range.Start, "end", result.Range.End,
			"fetched", result.Fetched, "archived", result.Archived,
			"duplicates", result.Duplicates, "skipped", result.Skipped, "errors", result.Errors,
			"dryRun", result.DryRun)
	}

	return runErr
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("nntp2mbox-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), &slog.HandlerOptions{Level: level})
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:   level,
		NoColor: !isatty.IsTerminal(os.Stdout.Fd()),
	})
	return slog.New(handler), cleanup, nil
}
