package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"blocksmith/internal/logging"
)

// =============================================================================
// SEED DIRECTORY WATCHER
// =============================================================================
// SeedWatcher watches the seed directory for block documents and upserts
// them through the registry save gate, so dropping a .json or .yaml file
// into the directory is enough to publish a block. Rapid editor saves are
// debounced before the file is parsed.

type SeedWatcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	registry    *Registry
	seedDir     string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats SeedWatcherStats
}

// SeedWatcherStats tracks watcher activity for debugging.
type SeedWatcherStats struct {
	FilesCreated  int
	FilesModified int
	FilesDeleted  int
	BlocksLoaded  int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
	LastEventType string
}

// NewSeedWatcher creates a watcher for seedDir. Start must be called
// before events are delivered.
func NewSeedWatcher(seedDir string, registry *Registry) (*SeedWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &SeedWatcher{
		watcher:     watcher,
		registry:    registry,
		seedDir:     seedDir,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the seed directory. Non-blocking; the event loop
// runs in a goroutine until Stop or ctx cancellation.
func (sw *SeedWatcher) Start(ctx context.Context) error {
	sw.mu.Lock()
	if sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = true
	sw.mu.Unlock()

	if err := os.MkdirAll(sw.seedDir, 0755); err != nil {
		logging.WatcherDebug("failed to create seed dir %s: %v (continuing)", sw.seedDir, err)
	}

	if err := sw.watcher.Add(sw.seedDir); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("initial watch of %s failed: %v", sw.seedDir, err)
	} else {
		logging.Watcher("watching seed directory: %s", sw.seedDir)
	}

	go sw.run(ctx)
	return nil
}

// Stop halts the watcher and waits for the event loop to exit.
func (sw *SeedWatcher) Stop() {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.stopCh)
	<-sw.doneCh

	if err := sw.watcher.Close(); err != nil {
		logging.Get(logging.CategoryWatcher).Error("error closing seed watcher: %v", err)
	}
	logging.Watcher("seed watcher stopped")
}

func (sw *SeedWatcher) run(ctx context.Context) {
	defer close(sw.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.WatcherDebug("seed watcher context cancelled")
			return

		case <-sw.stopCh:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			sw.handleEvent(event)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatcher).Error("seed watcher error: %v", err)
			sw.mu.Lock()
			sw.stats.Errors++
			sw.mu.Unlock()

		case <-debounceTicker.C:
			sw.processDebouncedEvents(ctx)
		}
	}
}

func (sw *SeedWatcher) handleEvent(event fsnotify.Event) {
	if !isSeedFile(event.Name) {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Remove != 0:
		eventType = "delete"
	case event.Op&fsnotify.Rename != 0:
		eventType = "rename"
	default:
		return
	}

	logging.WatcherDebug("%s event for %s", eventType, event.Name)

	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.stats.LastEventTime = time.Now()
	sw.stats.LastEventPath = event.Name
	sw.stats.LastEventType = eventType

	switch eventType {
	case "create":
		sw.stats.FilesCreated++
	case "modify":
		sw.stats.FilesModified++
	case "delete", "rename":
		// Imported blocks outlive their seed files; nothing to reload.
		sw.stats.FilesDeleted++
		return
	}

	sw.debounceMap[event.Name] = time.Now()
}

func (sw *SeedWatcher) processDebouncedEvents(ctx context.Context) {
	sw.mu.Lock()
	now := time.Now()
	toProcess := make([]string, 0)
	for path, eventTime := range sw.debounceMap {
		if now.Sub(eventTime) >= sw.debounceDur {
			toProcess = append(toProcess, path)
			delete(sw.debounceMap, path)
		}
	}
	sw.mu.Unlock()

	for _, path := range toProcess {
		sw.loadFile(ctx, path)
	}
}

func (sw *SeedWatcher) loadFile(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			logging.WatcherDebug("seed file gone before load, skipping: %s", path)
			return
		}
	}

	if err := sw.registry.LoadSeedFile(ctx, path); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("seed file %s rejected: %v", filepath.Base(path), err)
		sw.mu.Lock()
		sw.stats.Errors++
		sw.mu.Unlock()
		return
	}

	logging.Watcher("loaded seed block from %s", filepath.Base(path))
	sw.mu.Lock()
	sw.stats.BlocksLoaded++
	sw.mu.Unlock()
}

// TriggerReload loads every seed document currently in the directory.
// Useful at startup before watching begins.
func (sw *SeedWatcher) TriggerReload(ctx context.Context) error {
	_, err := sw.registry.LoadSeedDir(ctx, sw.seedDir)
	return err
}

// IsWatching reports whether the event loop is running.
func (sw *SeedWatcher) IsWatching() bool {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return sw.running
}

// GetStats returns a snapshot of watcher activity.
func (sw *SeedWatcher) GetStats() SeedWatcherStats {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return sw.stats
}
