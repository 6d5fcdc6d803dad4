package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxline/voxsync/internal/api"
	"github.com/voxline/voxsync/internal/ui"
)

var sendCmd = &cobra.Command{
	Use:     "send <conversation-id> <audio-url>",
	GroupID: "messages",
	Short:   "Record a sent voice message and queue it for push",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := requireUID()
		if err != nil {
			return err
		}
		push, _ := cmd.Flags().GetBool("push")

		a, err := openApp(cmd.Context(), appOptions{noRemote: !push})
		if err != nil {
			return err
		}
		defer a.Close()

		msg, err := a.repo.SendMessage(cmd.Context(), args[0], uid, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s Queued message %s\n", ui.RenderPass("✓"), msg.MessageID)

		if push {
			status := a.manager.StartSync(cmd.Context())
			printSyncResult(status)
			return status.Err
		}
		return nil
	},
}

var markReadCmd = &cobra.Command{
	Use:     "mark-read <message-id>...",
	GroupID: "messages",
	Short:   "Mark messages as read",
	Long: `Mark messages as read in the cache and confirm with the backend.

Repeated marks of the same message within readtracker.window are absorbed
locally. A failed confirmation restores the message's previous read state.
With --queue the backend update is queued for the next sync instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _ := cmd.Flags().GetBool("queue")

		a, err := openApp(cmd.Context(), appOptions{noRemote: queue})
		if err != nil {
			return err
		}
		defer a.Close()

		failed := 0
		for _, id := range args {
			if uid := cfg.User.UID; uid != "" {
				if err := a.repo.CheckReader(cmd.Context(), id, uid); err != nil {
					fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), id, err)
					failed++
					continue
				}
			}
			if queue {
				if err := a.repo.QueueMarkAsRead(cmd.Context(), id); err != nil {
					fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), id, err)
					failed++
					continue
				}
				fmt.Printf("%s %s queued\n", ui.RenderPass("✓"), id)
				continue
			}
			if a.repo.MarkAsRead(cmd.Context(), id) {
				fmt.Printf("%s %s\n", ui.RenderPass("✓"), id)
			} else {
				fmt.Printf("%s %s was not confirmed and has been restored\n", ui.RenderFail("✗"), id)
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d messages not marked", failed, len(args))
		}
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:     "read <conversation-id>",
	GroupID: "messages",
	Short:   "Move your read marker to the newest message of a conversation",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := requireUID()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), appOptions{noRemote: true})
		if err != nil {
			return err
		}
		defer a.Close()

		at, err := a.repo.MarkConversationRead(cmd.Context(), args[0], uid)
		if err != nil {
			return err
		}
		if at.IsZero() {
			fmt.Printf("%s %s has no messages yet\n", ui.RenderMuted("-"), args[0])
			return nil
		}
		fmt.Printf("%s Read up to %s (queued)\n", ui.RenderPass("✓"), at.Local().Format("2006-01-02 15:04:05"))
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:     "token",
	GroupID: "advanced",
	Short:   "Mint an API token for the configured user",
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := requireUID()
		if err != nil {
			return err
		}
		if err := resolveSecrets(cmd.Context()); err != nil {
			return err
		}
		auth, err := api.NewAuthenticator(cfg.API.JWTSecret)
		if err != nil {
			return err
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := auth.Issue(uid, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	sendCmd.Flags().Bool("push", false, "sync immediately after queueing")
	markReadCmd.Flags().Bool("queue", false, "queue the backend update for the next sync")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(markReadCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(tokenCmd)
}
