package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agent-adventures/adventure-core/eventbus"
)

// AdventureWatcher keeps a name → path index of the `*.json` adventure
// configs in one directory. The filename stem is the adventure name.
// Create, write, rename and remove events keep the index current while
// the watcher runs.
type AdventureWatcher struct {
	dir     string
	logger  eventbus.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	index map[string]string
}

// NewAdventureWatcher scans the directory and starts watching it. The
// directory must exist.
func NewAdventureWatcher(dir string, logger eventbus.Logger) (*AdventureWatcher, error) {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create adventure watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch adventure dir %s: %w", dir, err)
	}

	aw := &AdventureWatcher{
		dir:     dir,
		logger:  logger.Bind("component", "adventures", "dir", dir),
		watcher: watcher,
		index:   make(map[string]string),
	}
	if err := aw.rescan(); err != nil {
		watcher.Close()
		return nil, err
	}
	return aw, nil
}

// Start runs the watch loop until the context ends or Close is called.
func (aw *AdventureWatcher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case event, ok := <-aw.watcher.Events:
				if !ok {
					return
				}
				aw.handleEvent(event)

			case err, ok := <-aw.watcher.Errors:
				if !ok {
					return
				}
				aw.logger.Warning("adventure_watch_error", "error", err)

			case <-ctx.Done():
				return
			}
		}
	}()
	aw.logger.Info("adventure_watch_started", "adventures", len(aw.Names()))
}

// Close stops watching. The index stays readable.
func (aw *AdventureWatcher) Close() error {
	return aw.watcher.Close()
}

// Lookup resolves an adventure name to its config path.
func (aw *AdventureWatcher) Lookup(name string) (string, bool) {
	aw.mu.RLock()
	defer aw.mu.RUnlock()
	path, ok := aw.index[name]
	return path, ok
}

// Names returns the known adventure names, sorted.
func (aw *AdventureWatcher) Names() []string {
	aw.mu.RLock()
	defer aw.mu.RUnlock()
	names := make([]string, 0, len(aw.index))
	for name := range aw.index {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (aw *AdventureWatcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	name := stem(event.Name)

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		aw.mu.Lock()
		aw.index[name] = event.Name
		aw.mu.Unlock()
		aw.logger.Debug("adventure_indexed", "name", name)

	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		aw.mu.Lock()
		delete(aw.index, name)
		aw.mu.Unlock()
		aw.logger.Debug("adventure_removed", "name", name)
	}
}

// rescan rebuilds the index from the directory contents.
func (aw *AdventureWatcher) rescan() error {
	entries, err := os.ReadDir(aw.dir)
	if err != nil {
		return fmt.Errorf("read adventure dir %s: %w", aw.dir, err)
	}
	index := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		index[stem(entry.Name())] = filepath.Join(aw.dir, entry.Name())
	}

	aw.mu.Lock()
	aw.index = index
	aw.mu.Unlock()
	return nil
}

// stem strips the directory and the .json extension.
func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
