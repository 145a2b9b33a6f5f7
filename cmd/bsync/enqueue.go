package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jlegewie/beaver-sync/internal/files"
	"github.com/jlegewie/beaver-sync/internal/store"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <library-id> <item-key>",
	Short: "Queue an attachment for upload",
	Long: `Hash an attachment in local storage and add it to the upload queue.

The attachment is located at <storage_dir>/<library-id>/<item-key>/.
Enqueueing the same content twice is a no-op; a changed file replaces
the queued upload for that item.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		libraryID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fail("invalid library id %q", args[0])
		}
		ref := store.ItemRef{LibraryID: libraryID, ItemKey: args[1]}

		a, err := buildApp(ctx)
		if err != nil {
			fail("%v", err)
		}
		defer a.close()

		accessor := files.NewLocalAccessor(a.cfg.StorageDir)
		path, err := accessor.ResolvePath(ref)
		if err != nil {
			fail("failed to resolve attachment %s: %v", ref, err)
		}
		data, err := accessor.ReadBytes(path)
		if err != nil {
			fail("failed to read attachment %s: %v", ref, err)
		}
		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])

		mime := accessor.MimeType(ref)

		if err := a.controller.Enqueue(ctx, ref, hash, mime); err != nil {
			fail("%v", err)
		}

		fmt.Printf("Enqueued %s (%s)\n", ref, hash[:12])
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
}
