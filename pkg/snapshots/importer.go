package snapshots

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
)

// Importer watches a directory and imports archives dropped into it once
// they stopped changing for the settle period.
type Importer struct {
	manager *Manager
	dir     string
	settle  time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
	wg      sync.WaitGroup
}

// NewImporter creates an importer for dir.
func NewImporter(manager *Manager, dir string, settle time.Duration) *Importer {
	if settle <= 0 {
		settle = 5 * time.Second
	}
	return &Importer{
		manager: manager,
		dir:     dir,
		settle:  settle,
		pending: make(map[string]*time.Timer),
	}
}

// Run watches until ctx is done. Archives already present are imported
// first.
func (i *Importer) Run(ctx context.Context) error {
	if err := os.MkdirAll(i.dir, 0o755); err != nil {
		return fmt.Errorf("create import dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(i.dir); err != nil {
		return fmt.Errorf("watch %s: %w", i.dir, err)
	}

	existing, _ := filepath.Glob(filepath.Join(i.dir, "*.tar"))
	for _, path := range existing {
		i.schedule(ctx, path)
	}

	logger := i.manager.logger
	logger.Infof("Watching %s for snapshot imports", i.dir)
	for {
		select {
		case <-ctx.Done():
			i.stopPending()
			i.wg.Wait()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".tar") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				i.schedule(ctx, event.Name)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				i.cancel(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule (re)arms the settle timer of path. The timer is re-armed again
// while a snapshot operation runs or the supervisor is frozen.
func (i *Importer) schedule(ctx context.Context, path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	if t, ok := i.pending[path]; ok {
		t.Stop()
	}
	i.pending[path] = time.AfterFunc(i.settle, func() {
		i.mu.Lock()
		delete(i.pending, path)
		if i.closed {
			i.mu.Unlock()
			return
		}
		i.wg.Add(1)
		i.mu.Unlock()
		defer i.wg.Done()

		if ctx.Err() != nil {
			return
		}
		if i.manager.busy() {
			i.schedule(ctx, path)
			return
		}
		_, err := i.manager.Import(ctx, path)
		switch {
		case engine.IsInProgress(err):
			i.schedule(ctx, path)
		case err != nil:
			i.manager.logger.WithError(err).Warnf("Import of %s failed", filepath.Base(path))
		}
	})
}

func (i *Importer) cancel(path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if t, ok := i.pending[path]; ok {
		t.Stop()
		delete(i.pending, path)
	}
}

func (i *Importer) stopPending() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	for path, t := range i.pending {
		t.Stop()
		delete(i.pending, path)
	}
}
