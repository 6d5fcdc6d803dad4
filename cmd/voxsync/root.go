package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxline/voxsync/internal/config"
	"github.com/voxline/voxsync/internal/logging"
)

var (
	v          = config.New()
	configPath string
	cfg        *config.Config
	logs       *logging.Factory
)

var rootCmd = &cobra.Command{
	Use:   "voxsync",
	Short: "Conversation cache and sync engine for voice messaging",
	Long: `voxsync keeps a local, offline-capable cache of voice-message
conversations and reconciles it with the backend.

Conversations, messages and profiles are cached in SQLite. Local writes
(sent messages, read receipts, read markers) are queued and pushed on the
next sync. The daemon syncs periodically and whenever the backend announces
a change; serve exposes the cache to UI clients over HTTP and WebSocket.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logs = logging.NewFactory(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Verbose:    cfg.Log.Verbose,
		})
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logs != nil {
			return logs.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "cache", Title: "Cache Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "messages", Title: "Message Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	flags.String("uid", "", "acting user id")
	flags.String("cache", "", "cache database path")
	flags.String("backend", "", "backend kind: memory, postgres or dynamodb")
	flags.BoolP("verbose", "v", false, "log per-item detail")

	mustBind("user.uid", "uid")
	mustBind("cache.path", "cache")
	mustBind("backend.kind", "backend")
	mustBind("log.verbose", "verbose")
}

func mustBind(key, flag string) {
	if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind %s: %v", flag, err))
	}
}

// requireUID returns the configured user or an error explaining how to set
// it.
func requireUID() (string, error) {
	if cfg.User.UID == "" {
		return "", fmt.Errorf("no user configured: pass --uid or set user.uid (VOXSYNC_USER_UID)")
	}
	return cfg.User.UID, nil
}
