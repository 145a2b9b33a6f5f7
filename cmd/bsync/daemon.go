package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jlegewie/beaver-sync/internal/dashboard"
	"github.com/jlegewie/beaver-sync/internal/logging"
	"github.com/jlegewie/beaver-sync/internal/session"
	"github.com/jlegewie/beaver-sync/internal/watch"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the bsync daemon in foreground mode.

The daemon:
  1. Watches the attachment storage tree and enqueues changed files
  2. Runs background sync sessions on an interval
  3. Repairs queue/state divergence periodically
  4. Optionally serves the WebSocket dashboard

Run it under a process manager for production use.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := buildApp(ctx)
		if err != nil {
			fail("%v", err)
		}
		defer a.close()

		logger := logging.NewRotating(logging.DefaultLogPath(a.cfg.DataDir), "daemon")

		// Dashboard first so watcher and session events have somewhere to go.
		var dash *dashboard.Server
		if a.cfg.Dashboard.Enabled {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:     a.cfg.Dashboard.Port,
				StatusFn: a.controller.Status,
				Logger:   logging.New("dashboard"),
			})
			if err := dash.Start(); err != nil {
				fail("failed to start dashboard: %v", err)
			}
			defer dash.Stop()

			unsubscribe := a.controller.Subscribe(dash.BroadcastStatus)
			defer unsubscribe()

			logger.Printf("Dashboard on http://localhost:%d", a.cfg.Dashboard.Port)
		}

		if a.cfg.Watch.Enabled {
			watchCfg := watch.DefaultConfig()
			watchCfg.DebounceInterval = a.cfg.Watch.DebounceInterval
			if dash != nil {
				watchCfg.Notify = func(ev watch.Event) {
					dash.BroadcastFileEvent(dashboard.FileEventData{
						LibraryID:   ev.Ref.LibraryID,
						ItemKey:     ev.Ref.ItemKey,
						ContentHash: ev.ContentHash,
					})
				}
			}

			watcher, err := watch.New(a.cfg.StorageDir, a.controller, watchCfg)
			if err != nil {
				fail("failed to create watcher: %v", err)
			}
			if err := watcher.Start(); err != nil {
				fail("failed to start watcher: %v", err)
			}
			defer watcher.Stop()
		}

		// Catch up on work queued while the daemon was down.
		startSession(ctx, a, logger)

		syncTicker := time.NewTicker(a.cfg.Daemon.SyncInterval)
		defer syncTicker.Stop()
		repairTicker := time.NewTicker(a.cfg.Daemon.RepairInterval)
		defer repairTicker.Stop()

		fmt.Printf("Daemon running (storage: %s)\n", a.cfg.StorageDir)
		fmt.Println("Press Ctrl+C to stop")

		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nShutting down, draining in-flight uploads...")
				a.controller.Stop()
				return

			case <-syncTicker.C:
				startSession(ctx, a, logger)

			case <-repairTicker.C:
				repaired, err := a.controller.Repair(ctx)
				if err != nil {
					logger.Printf("Repair failed: %v", err)
				} else if repaired > 0 {
					logger.Printf("Repaired %d orphaned uploads", repaired)
				}
			}
		}
	},
}

// startSession kicks off a background session; a session already running
// makes this a no-op.
func startSession(ctx context.Context, a *app, logger *log.Logger) {
	if err := a.controller.Start(ctx, session.KindBackground); err != nil {
		logger.Printf("Session not started: %v", err)
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
