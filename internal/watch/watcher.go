// Package watch monitors the attachment storage tree for changes.
//
// Attachment storage is laid out as <root>/<libraryID>/<itemKey>/<file>.
// The watcher uses fsnotify for cross-platform file system event monitoring,
// debounces rapid successive writes to the same file, then hashes the final
// content and enqueues it for upload.
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gabriel-vasile/mimetype"

	"github.com/jlegewie/beaver-sync/internal/logging"
	"github.com/jlegewie/beaver-sync/internal/store"
)

// Enqueuer registers a changed attachment for upload.
// *session.Controller satisfies this.
type Enqueuer interface {
	Enqueue(ctx context.Context, ref store.ItemRef, contentHash, mimeType string) error
}

// Event describes an attachment the watcher enqueued.
type Event struct {
	Ref         store.ItemRef
	ContentHash string
	MimeType    string
}

// Config holds watcher configuration.
type Config struct {
	// DebounceInterval is how long a file must be quiet before it is
	// hashed and enqueued (default: 500ms).
	DebounceInterval time.Duration

	// Notify, when set, is called after each successful enqueue.
	Notify func(Event)

	// Logger for watcher activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           logging.New("watch"),
	}
}

// Watcher watches the attachment storage root and enqueues changed files.
type Watcher struct {
	root     string
	enqueuer Enqueuer
	config   *Config

	watcher *fsnotify.Watcher

	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a watcher over root. It must be started with Start().
func New(root string, enqueuer Enqueuer, config *Config) (*Watcher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = logging.New("watch")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		root:        root,
		enqueuer:    enqueuer,
		config:      config,
		watcher:     fsw,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins watching the storage tree.
// fsnotify does not recurse, so the root, every library directory, and every
// item directory are registered individually; directories created later are
// picked up from their create events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := w.addTree(w.root); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	w.wg.Add(1)
	go w.processChangeQueue()

	w.config.Logger.Printf("Watching %s", w.root)
	return nil
}

// Stop stops watching and blocks until the event goroutines exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// addTree registers dir and every directory below it, up to the item level.
func (w *Watcher) addTree(dir string) error {
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		sub := filepath.Join(dir, entry.Name())
		if w.depth(sub) > 2 {
			continue
		}
		if err := w.addTree(sub); err != nil {
			return err
		}
	}
	return nil
}

// depth returns how many levels below the root a path sits.
// Library dirs are depth 1, item dirs depth 2, files depth 3.
func (w *Watcher) depth(path string) int {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(rel, string(filepath.Separator)))
}

// processEvents is the main fsnotify loop.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return
	}

	// New library or item directories need their own watch. addTree
	// recurses because subdirectories may predate the parent's watch.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if d := w.depth(event.Name); d == 1 || d == 2 {
				if err := w.addTree(event.Name); err != nil {
					w.config.Logger.Printf("Failed to watch %s: %v", event.Name, err)
				}
			}
			return
		}
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		// Deletes and renames need no upload; chmod is noise.
		return
	}
	if w.depth(event.Name) != 3 {
		return
	}

	w.changeQueueMu.Lock()
	w.changeQueue[event.Name] = time.Now()
	w.changeQueueMu.Unlock()
}

// processChangeQueue flushes debounced changes on a ticker.
func (w *Watcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.processPendingChanges()
		}
	}
}

// processPendingChanges enqueues files that have been quiet long enough.
func (w *Watcher) processPendingChanges() {
	w.changeQueueMu.Lock()
	var ready []string
	now := time.Now()
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(w.changeQueue, path)
	}
	w.changeQueueMu.Unlock()

	for _, path := range ready {
		if err := w.enqueueFile(path); err != nil {
			w.config.Logger.Printf("Failed to enqueue %s: %v", path, err)
		}
	}
}

// enqueueFile hashes a changed file and registers it for upload.
func (w *Watcher) enqueueFile(path string) error {
	ref, err := w.refForPath(path)
	if err != nil {
		return err
	}

	// The file may have been removed between the event and the flush.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	hash, err := hashFile(path)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}

	mime := "application/octet-stream"
	if detected, err := mimetype.DetectFile(path); err == nil {
		mime = detected.String()
	}

	if err := w.enqueuer.Enqueue(w.ctx, ref, hash, mime); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", ref, err)
	}

	w.config.Logger.Printf("Enqueued %s (%s, %s)", ref, hash[:12], mime)

	if w.config.Notify != nil {
		w.config.Notify(Event{Ref: ref, ContentHash: hash, MimeType: mime})
	}
	return nil
}

// refForPath maps <root>/<libraryID>/<itemKey>/<file> to an item reference.
func (w *Watcher) refForPath(path string) (store.ItemRef, error) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return store.ItemRef{}, fmt.Errorf("path %s outside storage root: %w", path, err)
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 3 {
		return store.ItemRef{}, fmt.Errorf("unexpected storage path %s", rel)
	}
	libraryID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return store.ItemRef{}, fmt.Errorf("invalid library directory %s: %w", parts[0], err)
	}
	return store.ItemRef{LibraryID: libraryID, ItemKey: parts[1]}, nil
}

// hashFile returns the lowercase hex SHA-256 of the file content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
