package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxline/voxsync/internal/api"
	"github.com/voxline/voxsync/internal/dashboard"
	"github.com/voxline/voxsync/internal/db"
	"github.com/voxline/voxsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Serve the cache to UI clients over HTTP and WebSocket",
	Long: `Start the local HTTP API with the sync daemon running alongside.

Endpoints (all but /health need a bearer token, see 'voxsync token'):
  GET  /health
  GET  /api/conversations?limit=N
  POST /api/conversations
  GET  /api/conversations/{id}
  POST /api/conversations/{id}/messages
  POST /api/conversations/{id}/read
  POST /api/messages/{id}/read[?queue=true]
  POST /api/sync
  GET  /api/sync/status
  GET  /ws             live sync and read-receipt events`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		feed := dashboard.NewServer(&dashboard.Config{Addr: cfg.API.Addr, Logger: logs.New("dashboard")})
		a, err := openApp(ctx, appOptions{
			events: func(cache *db.DB) *dashboard.Handler {
				return dashboard.NewHandler(feed, cache, logs.New("dashboard"))
			},
		})
		if err != nil {
			return err
		}
		defer a.Close()

		auth, err := api.NewAuthenticator(cfg.API.JWTSecret)
		if err != nil {
			return fmt.Errorf("api.jwt_secret is required (VOXSYNC_API_JWT_SECRET): %w", err)
		}
		router, err := api.NewRouter(api.Config{
			Repo:   a.repo,
			Sync:   a.manager,
			Auth:   auth,
			Feed:   feed,
			Logger: logs.New("api"),
		})
		if err != nil {
			return err
		}
		feed.StartBroadcast()
		defer feed.Stop()

		srv := &http.Server{
			Addr:              cfg.API.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		withDaemon, _ := cmd.Flags().GetBool("sync")
		if withDaemon {
			d, err := newDaemon(ctx, a)
			if err != nil {
				return err
			}
			go func() {
				if err := d.Start(ctx); err != nil {
					logs.New("daemon").Printf("Daemon stopped with error: %v", err)
				}
			}()
			defer d.Stop()
		}

		fmt.Printf("%s Serving on http://%s\n", ui.RenderAccent("🚀"), cfg.API.Addr)
		fmt.Printf("   WebSocket: ws://%s/ws\n", cfg.API.Addr)
		if a.offline {
			fmt.Printf("   %s cache is in memory; offline durability is disabled\n", ui.RenderWarn("⚠"))
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
		}

		fmt.Println("\nShutting down...")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().Bool("sync", true, "run the sync daemon alongside the API")
	rootCmd.AddCommand(serveCmd)
}
