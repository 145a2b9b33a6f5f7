// Package uploader executes claimed queue items: it resolves file bytes,
// transfers them to presigned URLs with bounded concurrency, and walks each
// outcome through the remote-first state transition protocol.
//
// The protocol invariant: the coordination service's record of an outcome is
// authoritative, and the local queue is only updated to reflect an outcome
// the remote side has already durably accepted. A crash between the remote
// call and the local delete costs nothing but a redundant, idempotent remote
// call on the next attempt; the reverse ordering could silently lose an item
// the remote side never learned about.
package uploader

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jlegewie/beaver-sync/internal/api"
	"github.com/jlegewie/beaver-sync/internal/files"
	"github.com/jlegewie/beaver-sync/internal/store"
	"github.com/jlegewie/beaver-sync/internal/urlcache"
)

// OutcomeStatus classifies how an executed item settled.
type OutcomeStatus string

const (
	// OutcomeCompleted: transfer succeeded and both remote and local state
	// record completion.
	OutcomeCompleted OutcomeStatus = "completed"
	// OutcomeFailed: the item failed permanently and was removed from the
	// queue.
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeDeferred: a transient failure; the item stays queued and will
	// be retried after its visibility window.
	OutcomeDeferred OutcomeStatus = "deferred"
	// OutcomeSkipped: the item could not start this cycle (no upload URL).
	OutcomeSkipped OutcomeStatus = "skipped"
)

// errNoUploadURL is the permanent-failure cause for an item the
// coordination service stopped issuing upload URLs for.
var errNoUploadURL = errors.New("no upload URL issued")

// Outcome reports how one claimed item settled.
type Outcome struct {
	Item   *store.QueueItem
	Status OutcomeStatus
	// Terminal is the attachment status written for OutcomeFailed.
	Terminal store.UploadStatus
	Err      error
}

// Config holds executor tuning knobs.
type Config struct {
	// Workers bounds how many transfers run concurrently.
	Workers int

	// MaxAttempts is the queue-level attempt budget; an item that fails
	// transiently at or beyond this many claims is failed permanently.
	MaxAttempts int

	// RetryDelay is how far a transiently failed item's visibility is
	// pushed out, spreading retries instead of hot-looping one item.
	RetryDelay time.Duration

	// Logger for executor activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:     3,
		MaxAttempts: 3,
		RetryDelay:  10 * time.Minute,
		Logger:      log.New(os.Stderr, "[uploader] ", log.LstdFlags),
	}
}

// Executor transfers claimed queue items with bounded concurrency.
type Executor struct {
	store       *store.Store
	coordinator api.Coordinator
	cache       *urlcache.Cache
	accessor    files.Accessor
	transfer    *Transferer
	config      *Config
}

// New creates an executor. If config is nil, DefaultConfig is used.
func New(st *store.Store, coordinator api.Coordinator, cache *urlcache.Cache, accessor files.Accessor, config *Config) *Executor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Workers <= 0 {
		config.Workers = 3
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[uploader] ", log.LstdFlags)
	}

	return &Executor{
		store:       st,
		coordinator: coordinator,
		cache:       cache,
		accessor:    accessor,
		transfer:    NewTransferer(config.Logger),
		config:      config,
	}
}

// Execute runs all items through the pool and blocks until every item has
// settled. Items are queued on a buffered channel so dispatch never blocks
// on a full pool; at most Config.Workers transfers run at once.
//
// Each settled item is reported on results before Execute returns. The
// channel is not closed; it is owned by the caller (the session controller
// funnels all worker reports through it as the single status writer).
func (e *Executor) Execute(ctx context.Context, items []*store.QueueItem, urls map[string]api.UploadURL, results chan<- Outcome) {
	if len(items) == 0 {
		return
	}

	tasks := make(chan *store.QueueItem, len(items))
	for _, item := range items {
		tasks <- item
	}
	close(tasks)

	var wg sync.WaitGroup
	for i := 0; i < e.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range tasks {
				url, ok := urls[item.ContentHash]
				results <- e.process(ctx, item, url, ok)
			}
		}()
	}

	wg.Wait()
}

// process executes a single claimed item end to end.
func (e *Executor) process(ctx context.Context, item *store.QueueItem, url api.UploadURL, hasURL bool) Outcome {
	logger := e.config.Logger

	if !hasURL {
		// No credential this cycle. The skip still consumed a claim, so an
		// item the server never issues a URL for must hit the exhaustion
		// path; otherwise its row outlives the attempt budget and can
		// never be claimed or completed again.
		if item.AttemptCount >= e.config.MaxAttempts {
			return e.failPermanently(ctx, item, store.StatusFailed, errNoUploadURL)
		}
		// The claim's visibility window will lapse and the item becomes
		// claimable again.
		logger.Printf("Skipping %s (attempt %d): no upload URL", item.ContentHash, item.AttemptCount)
		return Outcome{Item: item, Status: OutcomeSkipped}
	}

	path, err := e.accessor.ResolvePath(item.Ref)
	if err != nil {
		if errors.Is(err, files.ErrFileMissing) {
			return e.failPermanently(ctx, item, store.StatusFailed, err)
		}
		return e.deferOrFail(ctx, item, err)
	}

	data, err := e.accessor.ReadBytes(path)
	if err != nil {
		if errors.Is(err, files.ErrFileMissing) {
			return e.failPermanently(ctx, item, store.StatusFailed, err)
		}
		return e.deferOrFail(ctx, item, err)
	}

	mimeType := e.accessor.MimeType(item.Ref)
	pageCount, _ := e.accessor.PageCount(item.Ref)

	if err := e.transfer.Upload(ctx, url, data, mimeType); err != nil {
		var se *api.StatusError
		if errors.As(err, &se) && !api.IsRetryable(err) {
			terminal := store.StatusFailed
			if se.Code == http.StatusPaymentRequired {
				terminal = store.StatusPlanLimit
			}
			return e.failPermanently(ctx, item, terminal, err)
		}
		return e.deferOrFail(ctx, item, err)
	}

	// Remote authority first: only after the coordination service durably
	// records completion is the local row touched.
	if err := e.coordinator.MarkCompleted(ctx, item.ContentHash, mimeType, int64(len(data)), pageCount); err != nil {
		logger.Printf("Failed to mark %s completed remotely (attempt %d): %v",
			item.ContentHash, item.AttemptCount, err)
		return Outcome{Item: item, Status: OutcomeDeferred, Err: err}
	}

	if err := e.store.CompleteQueueItem(ctx, item.UserID, item.ContentHash); err != nil {
		// Remote already knows; the redundant remote call on the retry
		// after visibility lapses is harmless.
		logger.Printf("Failed local completion for %s: %v", item.ContentHash, err)
		return Outcome{Item: item, Status: OutcomeDeferred, Err: err}
	}

	e.cache.Forget(item.ContentHash)
	logger.Printf("Completed %s (%s, %d bytes, attempt %d)",
		item.ContentHash, item.Ref, len(data), item.AttemptCount)

	return Outcome{Item: item, Status: OutcomeCompleted}
}

// failPermanently walks the permanent-failure transition: remote first, then
// the local row delete plus terminal attachment status.
func (e *Executor) failPermanently(ctx context.Context, item *store.QueueItem, terminal store.UploadStatus, cause error) Outcome {
	logger := e.config.Logger

	if err := e.coordinator.MarkFailed(ctx, item.ContentHash); err != nil {
		logger.Printf("Failed to mark %s failed remotely (attempt %d): %v",
			item.ContentHash, item.AttemptCount, err)
		return Outcome{Item: item, Status: OutcomeDeferred, Err: err}
	}

	if err := e.store.FailQueueItem(ctx, item.UserID, item.ContentHash, terminal); err != nil {
		logger.Printf("Failed local failure transition for %s: %v", item.ContentHash, err)
		return Outcome{Item: item, Status: OutcomeDeferred, Err: err}
	}

	e.cache.Forget(item.ContentHash)
	logger.Printf("Permanently failed %s (%s, attempt %d, status %s): %v",
		item.ContentHash, item.Ref, item.AttemptCount, terminal, cause)

	return Outcome{Item: item, Status: OutcomeFailed, Terminal: terminal, Err: cause}
}

// deferOrFail handles a transient failure: extend visibility when attempts
// remain, otherwise classify as permanent.
func (e *Executor) deferOrFail(ctx context.Context, item *store.QueueItem, cause error) Outcome {
	logger := e.config.Logger

	if item.AttemptCount >= e.config.MaxAttempts {
		logger.Printf("Attempts exhausted for %s (%d/%d): %v",
			item.ContentHash, item.AttemptCount, e.config.MaxAttempts, cause)
		return e.failPermanently(ctx, item, store.StatusFailed, cause)
	}

	if err := e.store.ExtendVisibility(ctx, item.UserID, item.ContentHash, e.config.RetryDelay); err != nil {
		logger.Printf("Failed to extend visibility for %s: %v", item.ContentHash, err)
		return Outcome{Item: item, Status: OutcomeDeferred, Err: err}
	}

	logger.Printf("Deferred %s (attempt %d/%d, retry in %s): %v",
		item.ContentHash, item.AttemptCount, e.config.MaxAttempts, e.config.RetryDelay, cause)

	return Outcome{Item: item, Status: OutcomeDeferred, Err: cause}
}
