// shrinkray is a long-running media compression orchestrator: it
// scans media libraries into a catalog, transcodes oversized files
// during a nightly window and serves a small monitoring API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mantonx/shrinkray/internal/config"
	"github.com/mantonx/shrinkray/internal/logger"
	"github.com/mantonx/shrinkray/internal/manager"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath   string
		scanOnly     bool
		compressOnly bool
		forceNow     bool
		daemonMode   bool
		limit        int
		reloadConfig bool
		checkDeps    bool
	)

	cmd := &cobra.Command{
		Use:           "shrinkray",
		Short:         "Media library compression orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), runOptions{
				configPath:   configPath,
				scanOnly:     scanOnly,
				compressOnly: compressOnly,
				forceNow:     forceNow,
				daemonMode:   daemonMode,
				limit:        limit,
				reloadConfig: reloadConfig,
				checkDeps:    checkDeps,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to configuration file (YAML)")
	flags.BoolVarP(&scanOnly, "scan-only", "s", false, "only scan for files, don't compress")
	flags.BoolVarP(&compressOnly, "compress-only", "p", false, "only compress pending files, don't scan")
	flags.BoolVarP(&forceNow, "now", "n", false, "run now regardless of schedule")
	flags.BoolVarP(&daemonMode, "daemon", "d", false, "run as a daemon, checking schedule periodically")
	flags.IntVarP(&limit, "limit", "l", 0, "limit number of files to process")
	flags.BoolVarP(&reloadConfig, "reload-config", "r", false, "reload configuration and exit")
	flags.BoolVar(&checkDeps, "check-deps", false, "check dependencies and exit")

	return cmd
}

type runOptions struct {
	configPath   string
	scanOnly     bool
	compressOnly bool
	forceNow     bool
	daemonMode   bool
	limit        int
	reloadConfig bool
	checkDeps    bool
}

func run(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	m, err := manager.New(cfg, opts.configPath, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		return err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case opts.checkDeps:
		if err := m.CheckDependencies(ctx); err != nil {
			log.Error("dependency check failed", "error", err)
			return err
		}
		log.Info("all dependencies are available")
		return nil

	case opts.reloadConfig:
		if err := m.Reload(); err != nil {
			log.Error("config reload failed", "error", err)
			return err
		}
		log.Info("configuration reloaded")
		return nil

	case opts.daemonMode:
		err := m.RunDaemon(ctx)
		if errors.Is(err, manager.ErrInterrupted) {
			log.Info("daemon stopped")
			return err
		}
		return err

	case opts.scanOnly:
		return m.RunScan(ctx)

	case opts.compressOnly:
		return m.RunCompression(ctx, opts.limit, opts.forceNow)

	default:
		log.Info("running scan followed by compression")
		if err := m.RunScan(ctx); err != nil {
			return err
		}
		return m.RunCompression(ctx, opts.limit, opts.forceNow)
	}
}
