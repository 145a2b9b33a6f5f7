// Package urlcache memoizes presigned upload URLs by content hash.
//
// Many queue items can share the same remote object (same content hash), and
// a coordination round-trip per item would dominate upload latency. The cache
// fetches URLs in batches and holds them for a fixed TTL, discarding entries
// well before their raw expiry so a credential never lapses mid-transfer.
package urlcache

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jlegewie/beaver-sync/internal/api"
)

const (
	// DefaultTTL is how long a fetched URL is cached from issuance when the
	// server does not supply an expiry.
	DefaultTTL = 90 * time.Minute

	// ExpiryBuffer is subtracted from an entry's expiry when judging
	// validity, so a URL close to lapsing is never handed to a transfer.
	ExpiryBuffer = 30 * time.Minute
)

type entry struct {
	url       api.UploadURL
	expiresAt time.Time
}

// Cache is a TTL-bound map from content hash to upload URL.
// Safe for concurrent use by all executor workers.
type Cache struct {
	coordinator api.Coordinator
	ttl         time.Duration
	logger      *log.Logger

	mu      sync.Mutex
	entries map[string]entry

	now func() time.Time // test seam
}

// New creates a URL cache backed by the given coordinator.
// If logger is nil, a default logger writing to stderr is used.
func New(coordinator api.Coordinator, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(os.Stderr, "[urlcache] ", log.LstdFlags)
	}
	return &Cache{
		coordinator: coordinator,
		ttl:         DefaultTTL,
		logger:      logger,
		entries:     make(map[string]entry),
		now:         time.Now,
	}
}

// Get returns the cached URL for the hash if it is still valid.
// An entry is valid only while expiry minus the safety buffer is in the
// future; stale entries are evicted on access.
func (c *Cache) Get(contentHash string) (api.UploadURL, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.getLocked(contentHash)
}

func (c *Cache) getLocked(contentHash string) (api.UploadURL, bool) {
	e, ok := c.entries[contentHash]
	if !ok {
		return api.UploadURL{}, false
	}
	if c.now().After(e.expiresAt.Add(-ExpiryBuffer)) {
		delete(c.entries, contentHash)
		return api.UploadURL{}, false
	}
	return e.url, true
}

// GetBatch returns upload URLs for the given hashes, issuing one batch
// coordination call for any hashes without a valid cached entry.
//
// Hashes the server declines are simply absent from the result; callers
// treat them as "could not start this cycle". A failed batch call is
// returned as an error together with the still-valid cached entries, so
// items that already hold a credential are not blocked by the outage.
func (c *Cache) GetBatch(ctx context.Context, hashes []string) (map[string]api.UploadURL, error) {
	result := make(map[string]api.UploadURL, len(hashes))
	var missing []string

	c.mu.Lock()
	for _, h := range hashes {
		if url, ok := c.getLocked(h); ok {
			result[h] = url
		} else {
			missing = append(missing, h)
		}
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return result, nil
	}

	fetched, err := c.coordinator.GetUploadURLs(ctx, missing)
	if err != nil {
		return result, fmt.Errorf("failed to fetch upload URLs: %w", err)
	}

	now := c.now()
	c.mu.Lock()
	for hash, url := range fetched {
		expiresAt := url.ExpiresAt
		if expiresAt.IsZero() {
			expiresAt = now.Add(c.ttl)
		}
		c.entries[hash] = entry{url: url, expiresAt: expiresAt}
		result[hash] = url
	}
	c.mu.Unlock()

	c.logger.Printf("Fetched %d upload URLs (%d served from cache)",
		len(fetched), len(hashes)-len(missing))

	return result, nil
}

// Forget removes the entry for the hash. Called when an item completes or
// permanently fails, to bound memory use.
func (c *Cache) Forget(contentHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, contentHash)
}

// Len returns the number of cached entries, valid or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
