package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"modhost/internal/loader"
)

// serveCmd runs the host: every valid mod in the mods directory is
// installed and loaded, and runners are supervised until shutdown.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load all mods and supervise their runners",
	Long: `Installs and loads every valid mod package in the mods directory,
then supervises the runner processes until interrupted. With
runtime.watch_mods enabled, packages that change on disk are reloaded
automatically.`,
	RunE: serveMods,
}

func serveMods(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, err := buildLoader()
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(cfg.ModsDir)
	if err != nil {
		return fmt.Errorf("read mods dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(cfg.ModsDir, entry.Name())
		mod, err := host.Install(dir)
		if err != nil {
			logger.Warn("skipping invalid mod package",
				zap.String("dir", dir), zap.Error(err))
			continue
		}
		if err := host.Load(ctx, mod.Manifest.Name); err != nil {
			logger.Error("mod failed to load",
				zap.String("mod", mod.Manifest.Name), zap.Error(err))
			continue
		}
		loaded++
	}
	logger.Info("host is up", zap.Int("mods", loaded))

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Runtime.WatchMods {
		watcher, err := loader.NewWatcher(host, cfg.ModsDir, logger.Named("watcher"))
		if err != nil {
			return fmt.Errorf("watch mods dir: %w", err)
		}
		g.Go(func() error { return watcher.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := host.Close(shutdownCtx); cerr != nil {
		logger.Warn("shutdown left runners behind", zap.Error(cerr))
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
