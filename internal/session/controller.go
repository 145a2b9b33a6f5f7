// Package session orchestrates upload sessions: the claim, dispatch, drain
// loop with consecutive-error backoff.
//
// A session repeatedly asks the store to claim a batch of visible queue
// items, resolves upload URLs through the cache, dispatches the batch into
// the executor pool, and waits for the pool to drain before claiming again.
// It ends when no claimable items remain, when repeated cycle errors exceed
// the threshold, or when it is stopped.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jlegewie/beaver-sync/internal/api"
	"github.com/jlegewie/beaver-sync/internal/auth"
	"github.com/jlegewie/beaver-sync/internal/store"
	"github.com/jlegewie/beaver-sync/internal/uploader"
	"github.com/jlegewie/beaver-sync/internal/urlcache"
)

var (
	// ErrNotAuthenticated is returned by Start when no principal is signed
	// in.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrUploadDisabled is returned by Start when the plan or feature
	// configuration disallows uploads.
	ErrUploadDisabled = errors.New("upload disabled by plan")
)

// Config holds session tuning knobs.
type Config struct {
	// BatchSize is how many items one claim cycle requests.
	BatchSize int

	// MaxAttempts is the queue-level attempt budget passed to claims.
	MaxAttempts int

	// VisibilityTimeout is how long a claim holds items invisible.
	VisibilityTimeout time.Duration

	// BackoffBase is the first consecutive-error delay; it doubles per
	// error up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxConsecutiveErrors terminates the session as failed once reached.
	MaxConsecutiveErrors int

	// Logger for session activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:            20,
		MaxAttempts:          3,
		VisibilityTimeout:    30 * time.Minute,
		BackoffBase:          1 * time.Second,
		BackoffCap:           60 * time.Second,
		MaxConsecutiveErrors: 5,
		Logger:               log.New(os.Stderr, "[session] ", log.LstdFlags),
	}
}

// Controller owns the session state machine (idle, running, draining,
// failed) and is the single writer of the Status read model.
type Controller struct {
	store       *store.Store
	cache       *urlcache.Cache
	executor    *uploader.Executor
	coordinator api.Coordinator
	gate        auth.Gate
	config      *Config

	notifier *notifier

	mu       sync.Mutex
	running  bool
	stopping bool
	status   Status
	wg       sync.WaitGroup
}

// New creates a session controller. If config is nil, DefaultConfig is used.
func New(st *store.Store, cache *urlcache.Cache, exec *uploader.Executor, coordinator api.Coordinator, gate auth.Gate, config *Config) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}

	return &Controller{
		store:       st,
		cache:       cache,
		executor:    exec,
		coordinator: coordinator,
		gate:        gate,
		config:      config,
		notifier:    newNotifier(),
	}
}

// Start begins an upload session of the given kind.
//
// Refuses to start when no principal is authenticated or the plan disallows
// uploads. Starting while a session is already running is an idempotent
// no-op. The session runs on its own goroutine; use Status, Subscribe, or
// Wait to observe it.
func (c *Controller) Start(ctx context.Context, kind Kind) error {
	if !c.gate.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	if !c.gate.PlanAllowsUpload() {
		return ErrUploadDisabled
	}
	userID := c.gate.CurrentUserID()

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopping = false
	c.status = Status{
		SessionID: uuid.NewString(),
		Kind:      kind,
		State:     StateInProgress,
		UpdatedAt: time.Now(),
	}
	status := c.status
	c.mu.Unlock()

	c.config.Logger.Printf("Starting %s session %s for user %s", kind, status.SessionID, userID)
	c.notifier.publish(status)

	c.wg.Add(1)
	go c.run(ctx, userID)

	return nil
}

// Stop requests a cooperative shutdown: no new batches are claimed, and
// in-flight transfers drain. Blocks until the session goroutine exits.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.mu.Unlock()

	c.config.Logger.Println("Stop requested, draining in-flight work")
	c.wg.Wait()
}

// Wait blocks until the current session (if any) has ended.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Status returns a snapshot of the session read model.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe registers a listener for status snapshots and returns an
// unsubscribe function.
func (c *Controller) Subscribe(fn func(Status)) func() {
	return c.notifier.subscribe(fn)
}

// run is the claim, dispatch, drain loop.
func (c *Controller) run(ctx context.Context, userID string) {
	defer c.wg.Done()
	logger := c.config.Logger

	consecutiveErrors := 0

	for {
		if c.shouldStop(ctx) {
			logger.Println("Session stopped before next claim")
			c.finish(StateCompleted)
			return
		}

		items, err := c.store.ClaimQueueItems(ctx, userID,
			c.config.BatchSize, c.config.MaxAttempts, c.config.VisibilityTimeout)
		if err != nil {
			consecutiveErrors++
			if c.cycleErrored(ctx, consecutiveErrors, fmt.Errorf("claim failed: %w", err)) {
				return
			}
			continue
		}

		if len(items) == 0 {
			logger.Println("Queue drained, session complete")
			c.finish(StateCompleted)
			return
		}

		// Pending is resynchronized from the store at batch boundaries
		// rather than tracked by exact deltas.
		pending, err := c.store.CountQueueItems(ctx, userID)
		if err == nil {
			c.update(func(s *Status) { s.Pending = pending })
		}

		hashes := make([]string, 0, len(items))
		for _, item := range items {
			hashes = append(hashes, item.ContentHash)
		}

		urls, err := c.cache.GetBatch(ctx, hashes)
		if err != nil {
			// Items holding a still-valid cached URL proceed anyway; the
			// rest are released, refunding the attempt the claim consumed.
			// Coordination outages must not eat the per-item attempt
			// budget, or repeated failed cycles leave rows with exhausted
			// attempts that no claim can ever see again.
			var covered, uncovered []*store.QueueItem
			for _, item := range items {
				if _, ok := urls[item.ContentHash]; ok {
					covered = append(covered, item)
				} else {
					uncovered = append(uncovered, item)
				}
			}
			if releaseErr := c.store.ReleaseQueueItems(ctx, uncovered); releaseErr != nil {
				logger.Printf("Failed to release claimed batch: %v", releaseErr)
			}
			if len(covered) > 0 {
				logger.Printf("Dispatching %d cached items despite URL batch failure", len(covered))
				c.dispatch(ctx, covered, urls)
			}
			consecutiveErrors++
			if c.cycleErrored(ctx, consecutiveErrors, fmt.Errorf("URL batch failed: %w", err)) {
				return
			}
			continue
		}

		logger.Printf("Dispatching %d items (%d with URLs)", len(items), len(urls))
		c.dispatch(ctx, items, urls)
		consecutiveErrors = 0
	}
}

// dispatch feeds one claimed batch through the executor pool and folds
// worker outcomes into the status model until the pool drains.
func (c *Controller) dispatch(ctx context.Context, items []*store.QueueItem, urls map[string]api.UploadURL) {
	results := make(chan uploader.Outcome)
	done := make(chan struct{})

	// Single-writer funnel: only this goroutine touches the counters.
	go func() {
		defer close(done)
		for out := range results {
			c.applyOutcome(out)
		}
	}()

	c.executor.Execute(ctx, items, urls, results)
	close(results)
	<-done

	c.update(func(s *Status) { s.CurrentItem = "" })
}

func (c *Controller) applyOutcome(out uploader.Outcome) {
	c.update(func(s *Status) {
		s.CurrentItem = out.Item.Ref.String()
		switch out.Status {
		case uploader.OutcomeCompleted:
			s.Completed++
			if s.Pending > 0 {
				s.Pending--
			}
		case uploader.OutcomeFailed:
			s.Failed++
			if s.Pending > 0 {
				s.Pending--
			}
		case uploader.OutcomeSkipped:
			s.Skipped++
		case uploader.OutcomeDeferred:
			// Stays pending; retried on a later cycle.
		}
	})
}

// cycleErrored applies exponential backoff after a cycle-level error and
// reports whether the session terminated as failed.
func (c *Controller) cycleErrored(ctx context.Context, consecutive int, err error) bool {
	logger := c.config.Logger
	logger.Printf("Cycle error %d/%d: %v", consecutive, c.config.MaxConsecutiveErrors, err)

	if consecutive >= c.config.MaxConsecutiveErrors {
		logger.Printf("Too many consecutive errors, terminating session")
		c.finish(StateFailed)
		return true
	}

	exp := consecutive - 1
	if exp > 10 {
		exp = 10
	}
	delay := c.config.BackoffBase << exp
	if delay > c.config.BackoffCap {
		delay = c.config.BackoffCap
	}

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
	return false
}

func (c *Controller) shouldStop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// finish transitions the session to its terminal state and back to idle.
func (c *Controller) finish(state State) {
	c.mu.Lock()
	c.status.State = state
	c.status.CurrentItem = ""
	c.status.UpdatedAt = time.Now()
	c.running = false
	status := c.status
	c.mu.Unlock()

	c.notifier.publish(status)
	c.config.Logger.Printf("Session %s ended: %s (completed=%d failed=%d skipped=%d)",
		status.SessionID, state, status.Completed, status.Failed, status.Skipped)
}

// update mutates the status under the lock and publishes the new snapshot.
func (c *Controller) update(mutate func(*Status)) {
	c.mu.Lock()
	mutate(&c.status)
	c.status.UpdatedAt = time.Now()
	status := c.status
	c.mu.Unlock()

	c.notifier.publish(status)
}
