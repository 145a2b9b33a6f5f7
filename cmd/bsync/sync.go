package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jlegewie/beaver-sync/internal/session"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync session until the upload queue drains",
	Long: `Run a manual sync session in the foreground.

The session claims pending uploads in batches, fetches presigned upload
URLs, transfers files concurrently, and records completions with the
coordination service. It ends when the queue is drained or after repeated
coordination errors.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := buildApp(ctx)
		if err != nil {
			fail("%v", err)
		}
		defer a.close()

		repair, _ := cmd.Flags().GetBool("repair")
		if repair {
			repaired, err := a.controller.Repair(ctx)
			if err != nil {
				fail("repair failed: %v", err)
			}
			if repaired > 0 {
				fmt.Printf("Repaired %d orphaned uploads\n", repaired)
			}
		}

		start := time.Now()
		if err := a.controller.Start(ctx, session.KindManual); err != nil {
			fail("%v", err)
		}

		// Ctrl+C drains in-flight uploads instead of killing them.
		done := make(chan struct{})
		go func() {
			a.controller.Wait()
			close(done)
		}()
		select {
		case <-ctx.Done():
			fmt.Println("\nStopping, draining in-flight uploads...")
			a.controller.Stop()
			<-done
		case <-done:
		}

		status := a.controller.Status()
		elapsed := time.Since(start).Round(time.Millisecond)

		fmt.Printf("\nSync %s in %v\n", status.State, elapsed)
		fmt.Printf("   Completed: %d\n", status.Completed)
		if status.Failed > 0 {
			fmt.Printf("   Failed:    %d\n", status.Failed)
		}
		if status.Skipped > 0 {
			fmt.Printf("   Skipped:   %d\n", status.Skipped)
		}
		if status.Pending > 0 {
			fmt.Printf("   Pending:   %d\n", status.Pending)
		}

		if status.State == session.StateFailed {
			os.Exit(1)
		}
	},
}

func init() {
	syncCmd.Flags().Bool("repair", false, "Repair queue/state divergence before syncing")
	rootCmd.AddCommand(syncCmd)
}
