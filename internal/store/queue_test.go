package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testStore opens a fresh store with schema in a temp directory.
func testStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sync.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	return st
}

func testItem(hash, key string) *QueueItem {
	return &QueueItem{
		UserID:      "user-1",
		ContentHash: hash,
		Ref:         ItemRef{LibraryID: 1, ItemKey: key},
	}
}

// TestEnqueueUpload_Insert tests inserting a new queue item
func TestEnqueueUpload_Insert(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.EnqueueUpload(ctx, testItem("h1", "KEY1")); err != nil {
		t.Fatalf("EnqueueUpload() failed: %v", err)
	}

	item, err := st.GetQueueItem(ctx, "user-1", "h1")
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if item.Visibility != nil {
		t.Errorf("Visibility = %v, want nil", item.Visibility)
	}
	if item.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0", item.AttemptCount)
	}
}

// TestEnqueueUpload_Idempotent tests that enqueueing the same hash twice
// never creates two rows and only refreshes the item reference.
func TestEnqueueUpload_Idempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.EnqueueUpload(ctx, testItem("h1", "KEY1")); err != nil {
		t.Fatalf("first EnqueueUpload() failed: %v", err)
	}

	// Claim it so the row carries a schedule
	if _, err := st.ClaimQueueItems(ctx, "user-1", 1, 3, time.Minute); err != nil {
		t.Fatalf("ClaimQueueItems() failed: %v", err)
	}

	// Re-enqueue with a different representative ref
	if err := st.EnqueueUpload(ctx, testItem("h1", "KEY2")); err != nil {
		t.Fatalf("second EnqueueUpload() failed: %v", err)
	}

	count, err := st.CountQueueItems(ctx, "user-1")
	if err != nil {
		t.Fatalf("CountQueueItems() failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("queue count = %d, want 1", count)
	}

	item, err := st.GetQueueItem(ctx, "user-1", "h1")
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if item.Ref.ItemKey != "KEY2" {
		t.Errorf("ItemKey = %q, want %q", item.Ref.ItemKey, "KEY2")
	}
	// Schedule from the claim must survive the re-enqueue
	if item.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1 (claim schedule preserved)", item.AttemptCount)
	}
	if item.Visibility == nil {
		t.Error("Visibility = nil, want claim timeout preserved")
	}
}

// TestEnqueueUpload_EmptyHash tests the invalid-input guard
func TestEnqueueUpload_EmptyHash(t *testing.T) {
	st := testStore(t)

	err := st.EnqueueUpload(context.Background(), testItem("", "KEY1"))
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("EnqueueUpload() error = %v, want ErrInvalidInput", err)
	}
}

// TestClaimQueueItems_Basic tests that a claim returns the item with its
// schedule advanced.
func TestClaimQueueItems_Basic(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.EnqueueUpload(ctx, testItem("h1", "KEY1")); err != nil {
		t.Fatalf("EnqueueUpload() failed: %v", err)
	}

	claimed, err := st.ClaimQueueItems(ctx, "user-1", 1, 3, time.Minute)
	if err != nil {
		t.Fatalf("ClaimQueueItems() failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d items, want 1", len(claimed))
	}
	if claimed[0].AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", claimed[0].AttemptCount)
	}
	if claimed[0].Visibility == nil {
		t.Fatal("Visibility = nil, want claim timeout")
	}

	// A second claim within the timeout sees nothing
	claimed, err = st.ClaimQueueItems(ctx, "user-1", 1, 3, time.Minute)
	if err != nil {
		t.Fatalf("second ClaimQueueItems() failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed %d items inside visibility window, want 0", len(claimed))
	}
}

// TestClaimQueueItems_VisibilityReclaim tests that an item becomes claimable
// again after the visibility timeout lapses without a complete/fail call.
func TestClaimQueueItems_VisibilityReclaim(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.EnqueueUpload(ctx, testItem("h2", "KEY2")); err != nil {
		t.Fatalf("EnqueueUpload() failed: %v", err)
	}

	if _, err := st.ClaimQueueItems(ctx, "user-1", 1, 3, 20*time.Millisecond); err != nil {
		t.Fatalf("ClaimQueueItems() failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	claimed, err := st.ClaimQueueItems(ctx, "user-1", 1, 3, time.Minute)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d items after timeout, want 1", len(claimed))
	}
	if claimed[0].AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", claimed[0].AttemptCount)
	}
}

// TestClaimQueueItems_MaxAttempts tests that exhausted items are not claimed
func TestClaimQueueItems_MaxAttempts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.EnqueueUpload(ctx, testItem("h3", "KEY3")); err != nil {
		t.Fatalf("EnqueueUpload() failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		claimed, err := st.ClaimQueueItems(ctx, "user-1", 1, 3, 0)
		if err != nil {
			t.Fatalf("claim %d failed: %v", i+1, err)
		}
		if len(claimed) != 1 {
			t.Fatalf("claim %d returned %d items, want 1", i+1, len(claimed))
		}
	}

	claimed, err := st.ClaimQueueItems(ctx, "user-1", 1, 3, 0)
	if err != nil {
		t.Fatalf("final claim failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed %d items with attempts exhausted, want 0", len(claimed))
	}
}

// TestClaimQueueItems_Ordering tests fewest-retried-first with hash tie-break
func TestClaimQueueItems_Ordering(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	for _, h := range []string{"hb", "ha", "hc"} {
		if err := st.EnqueueUpload(ctx, testItem(h, "KEY-"+h)); err != nil {
			t.Fatalf("EnqueueUpload(%s) failed: %v", h, err)
		}
	}

	// Burn one attempt on "ha" so it sorts behind the others
	if _, err := st.ClaimQueueItems(ctx, "user-1", 1, 3, 0); err != nil {
		t.Fatalf("warmup claim failed: %v", err)
	}

	claimed, err := st.ClaimQueueItems(ctx, "user-1", 3, 3, time.Minute)
	if err != nil {
		t.Fatalf("ClaimQueueItems() failed: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d items, want 3", len(claimed))
	}

	got := []string{claimed[0].ContentHash, claimed[1].ContentHash, claimed[2].ContentHash}
	want := []string{"hb", "hc", "ha"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("claim order[%d] = %s, want %s (full order %v)", i, got[i], want[i], got)
		}
	}
}

// TestClaimQueueItems_Exclusive tests that two concurrent claims receive
// disjoint sets covering all items.
func TestClaimQueueItems_Exclusive(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		item := testItem(hashN(i), "KEY")
		if err := st.EnqueueUpload(ctx, item); err != nil {
			t.Fatalf("EnqueueUpload(%d) failed: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	results := make([][]*QueueItem, 2)
	errs := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = st.ClaimQueueItems(ctx, "user-1", n, 3, time.Minute)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("claimer %d failed: %v", i, err)
		}
	}

	seen := make(map[string]int)
	for _, items := range results {
		for _, item := range items {
			seen[item.ContentHash]++
		}
	}

	if len(seen) != n {
		t.Errorf("union of claims covers %d items, want %d", len(seen), n)
	}
	for hash, count := range seen {
		if count > 1 {
			t.Errorf("item %s claimed %d times, want 1", hash, count)
		}
	}
}

// TestClaimQueueItems_ConcurrentRounds tests that claims racing over many
// rounds never error and split each batch cleanly. A deferred transaction
// would intermittently fail here with a busy-snapshot error under WAL.
func TestClaimQueueItems_ConcurrentRounds(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	const n = 100
	const rounds = 5

	for round := 0; round < rounds; round++ {
		for i := 0; i < n; i++ {
			item := testItem(hashN(i), "KEY")
			if err := st.UpsertQueueItem(ctx, item, true); err != nil {
				t.Fatalf("round %d: reset item %d failed: %v", round, i, err)
			}
		}

		var wg sync.WaitGroup
		results := make([][]*QueueItem, 2)
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = st.ClaimQueueItems(ctx, "user-1", n/2, 3, time.Minute)
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Fatalf("round %d: claimer %d failed: %v", round, i, err)
			}
		}

		seen := make(map[string]int)
		for _, items := range results {
			for _, item := range items {
				seen[item.ContentHash]++
			}
		}
		if len(seen) != n {
			t.Errorf("round %d: union of claims covers %d items, want %d", round, len(seen), n)
		}
		for hash, count := range seen {
			if count > 1 {
				t.Errorf("round %d: item %s claimed %d times, want 1", round, hash, count)
			}
		}
	}
}

// TestCompleteQueueItem tests the paired delete + attachment transition
func TestCompleteQueueItem(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	att := &Attachment{
		UserID:       "user-1",
		Ref:          ItemRef{LibraryID: 1, ItemKey: "KEY1"},
		ContentHash:  "h1",
		UploadStatus: StatusPending,
	}
	if err := st.UpsertAttachment(ctx, att); err != nil {
		t.Fatalf("UpsertAttachment() failed: %v", err)
	}
	if err := st.EnqueueUpload(ctx, testItem("h1", "KEY1")); err != nil {
		t.Fatalf("EnqueueUpload() failed: %v", err)
	}
	if _, err := st.ClaimQueueItems(ctx, "user-1", 1, 3, time.Minute); err != nil {
		t.Fatalf("ClaimQueueItems() failed: %v", err)
	}

	if err := st.CompleteQueueItem(ctx, "user-1", "h1"); err != nil {
		t.Fatalf("CompleteQueueItem() failed: %v", err)
	}

	count, err := st.CountQueueItems(ctx, "user-1")
	if err != nil {
		t.Fatalf("CountQueueItems() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("queue count = %d, want 0", count)
	}

	got, err := st.GetAttachmentByHash(ctx, "user-1", "h1")
	if err != nil {
		t.Fatalf("GetAttachmentByHash() failed: %v", err)
	}
	if got.UploadStatus != StatusCompleted {
		t.Errorf("UploadStatus = %q, want %q", got.UploadStatus, StatusCompleted)
	}
}

// TestFailQueueItem_PlanLimit tests the terminal plan_limit transition
func TestFailQueueItem_PlanLimit(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	att := &Attachment{
		UserID:       "user-1",
		Ref:          ItemRef{LibraryID: 1, ItemKey: "KEY1"},
		ContentHash:  "h1",
		UploadStatus: StatusPending,
	}
	if err := st.UpsertAttachment(ctx, att); err != nil {
		t.Fatalf("UpsertAttachment() failed: %v", err)
	}
	if err := st.EnqueueUpload(ctx, testItem("h1", "KEY1")); err != nil {
		t.Fatalf("EnqueueUpload() failed: %v", err)
	}

	if err := st.FailQueueItem(ctx, "user-1", "h1", StatusPlanLimit); err != nil {
		t.Fatalf("FailQueueItem() failed: %v", err)
	}

	got, err := st.GetAttachmentByHash(ctx, "user-1", "h1")
	if err != nil {
		t.Fatalf("GetAttachmentByHash() failed: %v", err)
	}
	if got.UploadStatus != StatusPlanLimit {
		t.Errorf("UploadStatus = %q, want %q", got.UploadStatus, StatusPlanLimit)
	}

	if _, err := st.GetQueueItem(ctx, "user-1", "h1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetQueueItem() error = %v, want sql.ErrNoRows", err)
	}
}

// TestExtendVisibility tests that an extended item stays unclaimable
func TestExtendVisibility(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.EnqueueUpload(ctx, testItem("h1", "KEY1")); err != nil {
		t.Fatalf("EnqueueUpload() failed: %v", err)
	}
	if _, err := st.ClaimQueueItems(ctx, "user-1", 1, 3, 0); err != nil {
		t.Fatalf("ClaimQueueItems() failed: %v", err)
	}

	if err := st.ExtendVisibility(ctx, "user-1", "h1", 10*time.Minute); err != nil {
		t.Fatalf("ExtendVisibility() failed: %v", err)
	}

	claimed, err := st.ClaimQueueItems(ctx, "user-1", 1, 3, time.Minute)
	if err != nil {
		t.Fatalf("ClaimQueueItems() failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed %d extended items, want 0", len(claimed))
	}
}

// TestResetQueueItems tests the retry-all-failed reinsertion
func TestResetQueueItems(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.EnqueueUpload(ctx, testItem("h1", "KEY1")); err != nil {
		t.Fatalf("EnqueueUpload() failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := st.ClaimQueueItems(ctx, "user-1", 1, 3, 0); err != nil {
			t.Fatalf("claim %d failed: %v", i+1, err)
		}
	}

	if err := st.ResetQueueItems(ctx, []*QueueItem{testItem("h1", "KEY1")}); err != nil {
		t.Fatalf("ResetQueueItems() failed: %v", err)
	}

	item, err := st.GetQueueItem(ctx, "user-1", "h1")
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if item.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0 after reset", item.AttemptCount)
	}
	if item.Visibility != nil {
		t.Errorf("Visibility = %v, want nil after reset", item.Visibility)
	}
}

// TestReleaseQueueItems tests that releasing a claimed item refunds the
// attempt and makes the item claimable again immediately.
func TestReleaseQueueItems(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.EnqueueUpload(ctx, testItem("h1", "KEY1")); err != nil {
		t.Fatalf("EnqueueUpload() failed: %v", err)
	}
	claimed, err := st.ClaimQueueItems(ctx, "user-1", 1, 3, time.Hour)
	if err != nil {
		t.Fatalf("ClaimQueueItems() failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d items, want 1", len(claimed))
	}

	if err := st.ReleaseQueueItems(ctx, claimed); err != nil {
		t.Fatalf("ReleaseQueueItems() failed: %v", err)
	}

	item, err := st.GetQueueItem(ctx, "user-1", "h1")
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if item.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0 after release", item.AttemptCount)
	}
	if item.Visibility != nil {
		t.Errorf("Visibility = %v, want nil after release", item.Visibility)
	}

	// Releasing an unclaimed item does not drive the count negative
	if err := st.ReleaseQueueItems(ctx, claimed); err != nil {
		t.Fatalf("second ReleaseQueueItems() failed: %v", err)
	}
	item, err = st.GetQueueItem(ctx, "user-1", "h1")
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if item.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d after double release, want 0", item.AttemptCount)
	}
}

// hashN produces distinct fixed-width hashes so lexical order matches index
// order in tests.
func hashN(i int) string {
	return string(rune('a'+i/10)) + string(rune('a'+i%10))
}
