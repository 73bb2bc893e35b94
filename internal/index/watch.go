// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a file must stay quiet after its last write
// before it is re-ingested.
const DefaultDebounce = 500 * time.Millisecond

// WatchEvent reports the outcome of one automatic re-ingestion or removal.
type WatchEvent struct {
	Path    string
	Outcome Outcome
	Removed bool
	Err     error
}

// Watch re-ingests document files in the extracted directory as they are
// created or written, and removes documents whose files are deleted. Writes
// are debounced per file. Ingestion runs on the calling goroutine, one file
// at a time. Watch returns nil when ctx is cancelled.
func (ix *Index) Watch(ctx context.Context, debounce time.Duration, notify func(WatchEvent)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if err := os.MkdirAll(ix.extractedDir, 0o755); err != nil {
		return fmt.Errorf("creating extracted directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(ix.extractedDir); err != nil {
		return fmt.Errorf("watching %s: %w", ix.extractedDir, err)
	}

	var (
		mu     sync.Mutex
		timers = make(map[string]*time.Timer)
		ready  = make(chan string, 64)
	)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	schedule := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := timers[path]; ok {
			t.Stop()
		}
		timers[path] = time.AfterFunc(debounce, func() {
			mu.Lock()
			delete(timers, path)
			mu.Unlock()
			select {
			case ready <- path:
			case <-ctx.Done():
			}
		})
	}

	ix.log.Info("watching extracted documents", "dir", ix.extractedDir)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isDocumentFile(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				schedule(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				id := documentID(event.Name)
				err := ix.Remove(ctx, id)
				ix.log.Info("document removed", "doc", id, "error", err)
				if notify != nil {
					notify(WatchEvent{Path: event.Name, Removed: true, Err: err})
				}
			}

		case path := <-ready:
			if _, err := os.Stat(path); err != nil {
				continue
			}
			outcome, n, err := ix.IngestFile(ctx, path)
			if err != nil {
				ix.log.Warn("re-ingesting document failed", "path", filepath.Base(path), "error", err)
			} else {
				ix.log.Info("document re-ingested", "path", filepath.Base(path), "passages", n, "outcome", outcome)
			}
			if notify != nil {
				notify(WatchEvent{Path: path, Outcome: outcome, Err: err})
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			ix.log.Warn("watcher error", "error", err)
		}
	}
}
