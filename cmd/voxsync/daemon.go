package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxline/voxsync/internal/config"
	"github.com/voxline/voxsync/internal/daemon"
	"github.com/voxline/voxsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run sync passes on a schedule until interrupted.

The daemon will:
  1. Sync once at startup and then every sync.interval
  2. Subscribe to notify.redis_url (when set) and sync shortly after the
     backend announces a change
  3. Watch the config file and apply a new sync.interval without restart`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := newDaemon(ctx, a)
		if err != nil {
			return err
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Backend: %s\n", cfg.Backend.Kind)
		fmt.Printf("   Cache: %s\n", cfg.Cache.Path)
		fmt.Printf("   Interval: %s\n", cfg.Sync.Interval)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		return d.Start(ctx)
	},
}

// newDaemon wires the daemon to the app's sync manager, the change feed and
// the config file.
func newDaemon(ctx context.Context, a *app) (*daemon.Daemon, error) {
	logger := logs.New("daemon")

	var notifier daemon.Notifier
	if cfg.Notify.RedisURL != "" {
		rn, err := daemon.NewRedisNotifier(ctx, cfg.Notify.RedisURL, cfg.Notify.Channel, logs.New("notify"))
		if err != nil {
			logger.Printf("WARNING: change feed unavailable, relying on the interval: %v", err)
		} else {
			notifier = rn
		}
	}

	dcfg := &daemon.Config{
		SyncInterval:     cfg.Sync.Interval,
		DebounceInterval: 250 * time.Millisecond,
		Logger:           logger,
	}
	if cfg.Source != "" {
		source := cfg.Source
		dcfg.ConfigPath = source
		dcfg.Reload = func() (time.Duration, error) {
			return config.ReadInterval(source)
		}
	}

	d, err := daemon.New(a.manager, notifier, dcfg)
	if err != nil {
		if notifier != nil {
			_ = notifier.Close()
		}
		return nil, fmt.Errorf("failed to create daemon: %w", err)
	}
	return d, nil
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
