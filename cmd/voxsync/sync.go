package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/voxline/voxsync/internal/sync"
	"github.com/voxline/voxsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Pull remote changes and push queued local changes",
	Long: `Run one sync pass against the backend.

A pass:
  1. Pulls conversations updated since the last pass, page by page
  2. Merges their messages and participant profiles into the cache
  3. Pushes queued sends, read receipts and read markers
  4. Records the sync time

--since overrides the stored cursor and accepts natural language
("2 hours ago", "yesterday") or RFC 3339.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if a.offline {
			fmt.Printf("%s Cache is in memory; results are not kept\n", ui.RenderWarn("⚠"))
		}

		var status sync.Status
		since, _ := cmd.Flags().GetString("since")
		if since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("%s Syncing changes since %s...\n", ui.RenderAccent("🔄"), t.Local().Format(time.RFC1123))
			status = a.manager.StartSyncSince(cmd.Context(), t)
		} else {
			fmt.Printf("%s Syncing with %s backend...\n", ui.RenderAccent("🔄"), cfg.Backend.Kind)
			status = a.manager.StartSync(cmd.Context())
		}

		if format, _ := cmd.Flags().GetString("format"); format != "" {
			if err := printStructured(os.Stdout, format, status); err != nil {
				return err
			}
		} else {
			printSyncResult(status)
		}
		if status.Err != nil {
			return status.Err
		}
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last sync time and outbox state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{noRemote: true})
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.cache.Stats(cmd.Context())
		if err != nil {
			return err
		}
		status := a.manager.Status()

		format, _ := cmd.Flags().GetString("format")
		return printStructured(os.Stdout, format, map[string]any{
			"state":          status.State.String(),
			"last_sync_time": status.LastSyncTime,
			"pending":        stats.PendingMutations,
			"failed":         stats.FailedMutations,
			"backend":        cfg.Backend.Kind,
		})
	},
}

func printSyncResult(status sync.Status) {
	if status.Err != nil {
		fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.RenderFail("✗"), status.Err)
		return
	}
	if status.IsSyncing {
		fmt.Printf("%s A sync is already running\n", ui.RenderWarn("⚠"))
		return
	}
	r := status.LastResult
	if r == nil {
		return
	}
	fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), r.Duration.Round(time.Millisecond))
	fmt.Printf("   Conversations: %d pulled (%d stale)\n", r.Pulled, r.Stale)
	fmt.Printf("   Messages:      %d merged\n", r.MessagesMerged)
	fmt.Printf("   Profiles:      %d\n", r.Profiles)
	fmt.Printf("   Pushed:        %d", r.Pushed)
	if r.PushFailed > 0 {
		fmt.Printf(" (%s)", ui.RenderWarn(fmt.Sprintf("%d failed", r.PushFailed)))
	}
	fmt.Println()
}

// parseSince accepts RFC 3339 or an English time expression relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil || strings.TrimSpace(r.Text) == "" {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("--since %q is in the future", s)
	}
	return r.Time, nil
}

func init() {
	syncCmd.Flags().String("since", "", `pull changes since this time ("2 hours ago", RFC 3339)`)
	syncCmd.Flags().String("format", "", "print the result as yaml, json or toml")
	syncStatusCmd.Flags().String("format", "yaml", "output format: yaml, json or toml")

	syncCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}
