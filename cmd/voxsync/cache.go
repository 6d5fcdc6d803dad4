package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxline/voxsync/internal/migrate"
	"github.com/voxline/voxsync/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "cache",
	Short:   "Local conversation cache management",
	Long: `Inspect and manage the local SQLite conversation cache.

The cache holds conversations, messages, profiles and the outbox of local
changes waiting to be pushed. It lives at cache.path in the config.`,
}

var cacheInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the cache database and apply migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{noRemote: true})
		if err != nil {
			return err
		}
		defer a.Close()

		if a.offline {
			return fmt.Errorf("cache at %s could not be created", cfg.Cache.Path)
		}
		version, err := a.cache.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s Cache ready at %s (schema v%d)\n", ui.RenderPass("✓"), a.cache.Path(), version)
		return nil
	},
}

type cacheStatus struct {
	Path          string    `json:"path" yaml:"path"`
	Size          string    `json:"size" yaml:"size"`
	Modified      time.Time `json:"modified" yaml:"modified"`
	SchemaVersion int       `json:"schema_version" yaml:"schema_version"`
	LastSyncTime  time.Time `json:"last_sync_time" yaml:"last_sync_time"`
	Counts        any       `json:"counts" yaml:"counts"`
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache location, size and row counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := os.Stat(cfg.Cache.Path)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Cache not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'voxsync cache init' or 'voxsync sync' to create it\n\n")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to check cache: %w", err)
		}

		a, err := openApp(cmd.Context(), appOptions{noRemote: true})
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		stats, err := a.cache.Stats(ctx)
		if err != nil {
			return err
		}
		version, err := a.cache.SchemaVersion(ctx)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format != "" {
			return printStructured(os.Stdout, format, cacheStatus{
				Path:          cfg.Cache.Path,
				Size:          humanSize(info.Size()),
				Modified:      info.ModTime(),
				SchemaVersion: version,
				LastSyncTime:  a.manager.Status().LastSyncTime,
				Counts:        stats,
			})
		}

		fmt.Printf("\n%s Cache Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Location:       %s\n", cfg.Cache.Path)
		fmt.Printf("Size:           %s\n", humanSize(info.Size()))
		fmt.Printf("Schema:         v%d\n", version)
		fmt.Printf("Conversations:  %d (%d cached)\n", stats.Conversations, stats.Cached)
		fmt.Printf("Messages:       %d (%s unread)\n", stats.Messages, ui.Unread(stats.Unread))
		fmt.Printf("Profiles:       %d\n", stats.Profiles)
		fmt.Printf("Outbox:         %d pending, %d failed\n", stats.PendingMutations, stats.FailedMutations)
		if last := a.manager.Status().LastSyncTime; !last.IsZero() {
			fmt.Printf("Last sync:      %s\n", last.Local().Format("2006-01-02 15:04:05"))
		} else {
			fmt.Printf("Last sync:      %s\n", ui.RenderMuted("never"))
		}
		fmt.Println()
		return nil
	},
}

var cacheRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List cached conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{noRemote: true})
		if err != nil {
			return err
		}
		defer a.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		convs, err := a.repo.GetRecentConversations(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printStructured(os.Stdout, "json", convs)
		}
		if len(convs) == 0 {
			fmt.Println(ui.RenderMuted("No cached conversations"))
			return nil
		}

		uid := cfg.User.UID
		for _, c := range convs {
			peer := c.OtherParticipant(uid)
			if uid == "" {
				peer = fmt.Sprintf("%v", c.UIDs)
			}
			last := ui.RenderMuted("no messages")
			if t, ok := c.LastMessageTime(); ok {
				last = t.Local().Format("2006-01-02 15:04")
			}
			line := fmt.Sprintf("%-24s %-20s %s", ui.RenderAccent(c.ConversationID), peer, last)
			if uid != "" {
				line += "  unread " + ui.Unread(len(c.UnreadFor(uid)))
			}
			fmt.Println(line)
		}
		return nil
	},
}

var cacheExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export cached conversations as JSONL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{noRemote: true})
		if err != nil {
			return err
		}
		defer a.Close()

		backup, _ := cmd.Flags().GetBool("backup")
		res, err := migrate.ExportFile(cmd.Context(), a.repo, args[0], backup)
		if err != nil {
			return err
		}
		fmt.Printf("%s Exported %d conversations to %s\n", ui.RenderPass("✓"), res.Exported, args[0])
		if res.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", res.BackupCreated)
		}
		return nil
	},
}

var cacheImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import conversations from a JSONL file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{noRemote: true})
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := migrate.ImportFile(cmd.Context(), a.repo, args[0])
		if res != nil {
			reportImport(res)
		}
		if err != nil {
			return err
		}
		_, err = a.cache.RebuildProfileIndex(context.WithoutCancel(cmd.Context()))
		return err
	},
}

func reportImport(res *migrate.MigrateResult) {
	fmt.Printf("%s Imported %d conversations", ui.RenderPass("✓"), res.Imported)
	if res.Skipped > 0 {
		fmt.Printf(", %s", ui.RenderWarn(fmt.Sprintf("skipped %d", res.Skipped)))
	}
	fmt.Println()
	for _, e := range res.Errors {
		fmt.Printf("   %s %s\n", ui.RenderFail("✗"), e)
	}
}

func init() {
	cacheStatusCmd.Flags().String("format", "", "output format: yaml, json or toml")
	cacheRecentCmd.Flags().IntP("limit", "n", 20, "maximum conversations to list (0 for all)")
	cacheRecentCmd.Flags().Bool("json", false, "print conversations as JSON")
	cacheExportCmd.Flags().Bool("backup", false, "keep a timestamped copy of an existing file")

	cacheCmd.AddCommand(cacheInitCmd)
	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cacheRecentCmd)
	cacheCmd.AddCommand(cacheExportCmd)
	cacheCmd.AddCommand(cacheImportCmd)
	rootCmd.AddCommand(cacheCmd)
}
