package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jlegewie/beaver-sync/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the upload queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show upload queue status",
	Long: `Display upload queue and attachment status.

Shows:
  - Database location and size
  - Queued uploads and their attempt counts
  - Attachment counts by upload status`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			fail("%v", err)
		}
		defer a.close()

		userID := a.cfg.API.UserID
		if userID == "" {
			fail("not signed in; run 'bsync init --user-id <id>'")
		}

		queued, err := a.store.CountQueueItems(ctx, userID)
		if err != nil {
			fail("failed to count queue: %v", err)
		}
		counts, err := a.store.CountAttachmentsByStatus(ctx, userID)
		if err != nil {
			fail("failed to count attachments: %v", err)
		}

		dbPath := a.cfg.DatabasePath()
		fmt.Printf("\nUpload Queue Status\n\n")
		fmt.Printf("Database: %s\n", dbPath)
		if info, err := os.Stat(dbPath); err == nil {
			fmt.Printf("Size: %s\n", formatSize(info.Size()))
		}
		fmt.Printf("Queued: %d\n", queued)
		fmt.Printf("Pending: %d\n", counts[store.StatusPending])
		fmt.Printf("Completed: %d\n", counts[store.StatusCompleted])
		fmt.Printf("Failed: %d\n", counts[store.StatusFailed])
		if counts[store.StatusPlanLimit] > 0 {
			fmt.Printf("Plan limit: %d\n", counts[store.StatusPlanLimit])
		}
		fmt.Println()
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued uploads",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			fail("%v", err)
		}
		defer a.close()

		userID := a.cfg.API.UserID
		if userID == "" {
			fail("not signed in; run 'bsync init --user-id <id>'")
		}

		items, err := a.store.ListQueueItems(ctx, userID)
		if err != nil {
			fail("failed to list queue: %v", err)
		}
		if len(items) == 0 {
			fmt.Println("Queue is empty")
			return
		}

		for _, item := range items {
			schedule := "ready"
			if item.Visibility != nil && item.Visibility.After(time.Now()) {
				schedule = "claimed until " + item.Visibility.Format("15:04:05")
			}
			fmt.Printf("%-14.14s  %-20s  attempts=%d  %s\n",
				item.ContentHash, item.Ref, item.AttemptCount, schedule)
		}
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-enqueue all failed uploads",
	Long: `Reset failed uploads for another attempt.

The coordination service clears its failed markers first, then the
returned uploads are re-enqueued locally with a fresh schedule. Run
'bsync sync' afterwards to upload them.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			fail("%v", err)
		}
		defer a.close()

		reset, err := a.controller.RetryFailed(ctx)
		if err != nil {
			fail("retry failed: %v", err)
		}
		fmt.Printf("Re-enqueued %d failed uploads\n", reset)
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}
