package session

import (
	"context"
	"testing"

	"github.com/jlegewie/beaver-sync/internal/api"
	"github.com/jlegewie/beaver-sync/internal/auth"
	"github.com/jlegewie/beaver-sync/internal/store"
)

// TestRepair_ReenqueuesOrphans tests divergence detection between the
// attachment table and the upload queue.
func TestRepair_ReenqueuesOrphans(t *testing.T) {
	env := newSessionEnv(t, "http://unused.invalid")
	ctx := context.Background()

	// Healthy: pending with a queue row.
	env.addItem(t, "h-healthy", "KEY1")

	// Orphan: pending attachment with no queue row.
	err := env.store.UpsertAttachment(ctx, &store.Attachment{
		UserID:       "user-1",
		Ref:          store.ItemRef{LibraryID: 1, ItemKey: "KEY2"},
		ContentHash:  "h-orphan",
		UploadStatus: store.StatusPending,
	})
	if err != nil {
		t.Fatalf("UpsertAttachment() failed: %v", err)
	}

	repaired, err := env.controller.Repair(ctx)
	if err != nil {
		t.Fatalf("Repair() failed: %v", err)
	}
	if repaired != 1 {
		t.Errorf("Repair() = %d, want 1", repaired)
	}

	if _, err := env.store.GetQueueItem(ctx, "user-1", "h-orphan"); err != nil {
		t.Errorf("orphan not re-enqueued: %v", err)
	}

	// A second pass finds nothing.
	repaired, err = env.controller.Repair(ctx)
	if err != nil {
		t.Fatalf("second Repair() failed: %v", err)
	}
	if repaired != 0 {
		t.Errorf("second Repair() = %d, want 0", repaired)
	}
}

// TestRetryFailed_RemoteAuthority tests that remote reset runs first and the
// returned uploads come back as fresh pending queue rows.
func TestRetryFailed_RemoteAuthority(t *testing.T) {
	env := newSessionEnv(t, "http://unused.invalid")
	ctx := context.Background()

	env.coord.resets = []api.FailedUpload{
		{ContentHash: "h-f1", LibraryID: 1, ItemKey: "KEYF1"},
		{ContentHash: "h-f2", LibraryID: 2, ItemKey: "KEYF2"},
	}

	reset, err := env.controller.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed() failed: %v", err)
	}
	if reset != 2 {
		t.Errorf("RetryFailed() = %d, want 2", reset)
	}

	for _, hash := range []string{"h-f1", "h-f2"} {
		item, err := env.store.GetQueueItem(ctx, "user-1", hash)
		if err != nil {
			t.Fatalf("GetQueueItem(%s) failed: %v", hash, err)
		}
		if item.AttemptCount != 0 {
			t.Errorf("%s AttemptCount = %d, want 0", hash, item.AttemptCount)
		}
		if item.Visibility != nil {
			t.Errorf("%s Visibility = %v, want immediate", hash, item.Visibility)
		}

		att, err := env.store.GetAttachmentByHash(ctx, "user-1", hash)
		if err != nil {
			t.Fatalf("GetAttachmentByHash(%s) failed: %v", hash, err)
		}
		if att.UploadStatus != store.StatusPending {
			t.Errorf("%s status = %s, want pending", hash, att.UploadStatus)
		}
	}
}

// TestEnqueue_RequiresAuth tests the gate check on the enqueue path
func TestEnqueue_RequiresAuth(t *testing.T) {
	env := newSessionEnv(t, "http://unused.invalid")
	env.controller.gate = &auth.StaticGate{}

	err := env.controller.Enqueue(context.Background(),
		store.ItemRef{LibraryID: 1, ItemKey: "KEY1"}, "h1", "application/pdf")
	if err != ErrNotAuthenticated {
		t.Errorf("Enqueue() error = %v, want ErrNotAuthenticated", err)
	}
}
