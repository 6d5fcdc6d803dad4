package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/voxline/voxsync/internal/loadtest"
	"github.com/voxline/voxsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure cache latency under concurrent readers and markers",
	Long: `Build a throwaway cache and load it concurrently.

Reads: --clients goroutines each list recent conversations --queries times.
Marks: --clients goroutines mark every message read at once; the run fails
if the backend receives more than one update for any message.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		conversations, _ := flags.GetInt("conversations")
		messages, _ := flags.GetInt("messages")
		clients, _ := flags.GetInt("clients")
		queries, _ := flags.GetInt("queries")

		dir, err := os.MkdirTemp("", "voxsync-loadtest-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		fmt.Printf("%s Creating cache with %d conversations x %d messages...\n",
			ui.RenderAccent("🔧"), conversations, messages)
		tc, err := loadtest.CreateTestCache(filepath.Join(dir, "loadtest.db"), conversations, messages)
		if err != nil {
			return err
		}
		defer tc.Close()

		fmt.Printf("\n%s Reads: %d clients x %d queries\n", ui.RenderAccent("📖"), clients, queries)
		reads, err := tc.RunConcurrentReads(clients, queries)
		if err != nil {
			return err
		}
		reads.Fprint(os.Stdout)

		fmt.Printf("\n%s Marks: %d clients x %d messages\n", ui.RenderAccent("✉"), clients, len(tc.MessageIDs))
		marks, err := tc.RunConcurrentMarks(clients)
		if marks != nil {
			marks.Latency.Fprint(os.Stdout)
			fmt.Printf("  Remote calls:  %d for %d messages\n", marks.RemoteCalls, marks.Messages)
		}
		if err != nil {
			fmt.Printf("%s %v\n", ui.RenderFail("✗"), err)
			return err
		}
		fmt.Printf("\n%s No duplicate remote updates\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("conversations", 500, "conversations to create")
	loadtestCmd.Flags().Int("messages", 4, "messages per conversation")
	loadtestCmd.Flags().Int("clients", 50, "concurrent clients")
	loadtestCmd.Flags().Int("queries", 10, "reads per client")
	rootCmd.AddCommand(loadtestCmd)
}
