package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a document folder and reports changed files after a
// debounce window, so that editors writing a file in several bursts
// trigger a single ingestion.
type Watcher struct {
	root         string
	scanner      *Scanner
	watcher      *fsnotify.Watcher
	onChange     func([]string) // Callback with changed relative paths
	debounceTime time.Duration

	mu            sync.Mutex
	pendingEvents map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over the scanner's root directory.
func NewWatcher(scanner *Scanner) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		root:          scanner.root,
		scanner:       scanner,
		watcher:       fsw,
		debounceTime:  500 * time.Millisecond,
		pendingEvents: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// OnChange sets the callback for changed documents. The callback
// receives paths relative to the watch root.
func (w *Watcher) OnChange(callback func([]string)) {
	w.onChange = callback
}

// Start begins watching. All non-ignored directories under the root are
// registered; directories created later are picked up as they appear.
func (w *Watcher) Start() error {
	err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		relPath, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil
		}
		if w.scanner.Ignored(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				log.Printf("⚠️  Failed to watch %s: %v", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", w.root, err)
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	return nil
}

// Stop stops the watcher and waits for its goroutines to exit.
func (w *Watcher) Stop() error {
	w.cancel()
	w.wg.Wait()
	return w.watcher.Close()
}

func (w *Watcher) eventLoop() {
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
			log.Printf("⚠️  Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	relPath, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	if w.scanner.Ignored(relPath) {
		return
	}

	if event.Has(fsnotify.Create) {
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				log.Printf("⚠️  Failed to watch new directory %s: %v", event.Name, err)
			}
			return
		}
	}

	if !w.scanner.Ingestible(event.Name) {
		return
	}

	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
		w.mu.Lock()
		w.pendingEvents[relPath] = true
		w.mu.Unlock()
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounceTime)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) flushPending() {
	w.mu.Lock()
	if len(w.pendingEvents) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pendingEvents))
	for path := range w.pendingEvents {
		paths = append(paths, path)
	}
	w.pendingEvents = make(map[string]bool)
	w.mu.Unlock()

	if w.onChange != nil {
		log.Printf("📝 Detected %d changed documents", len(paths))
		w.onChange(paths)
	}
}
