// Package watcher feeds local working-copy edits into the change log by
// watching the mirror's pages tree.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/pagemirror/internal/changelog"
)

var ErrNoPagesDir = errors.New("pages directory does not exist")

const defaultDebounce = 500 * time.Millisecond

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	CloneDir string
	Log      *changelog.Log
	Logger   Logger
	Debounce time.Duration

	// OnEdit, when set, is called after an edit record is appended. The
	// server uses it to push change notifications to dashboard clients.
	OnEdit func(pageID int, path string)
}

// Watcher records an edit change-log entry whenever a working copy is
// written. Editors fire bursts of events per save, so entries are debounced
// per file.
type Watcher struct {
	fs       *fsnotify.Watcher
	pagesDir string
	log      *changelog.Log
	logger   Logger
	debounce time.Duration
	onEdit   func(pageID int, path string)

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func New(opts Options) (*Watcher, error) {
	if opts.CloneDir == "" {
		return nil, fmt.Errorf("clone dir is required")
	}
	if opts.Log == nil {
		return nil, fmt.Errorf("change log is required")
	}
	pagesDir := filepath.Join(filepath.Clean(opts.CloneDir), "pages")
	info, err := os.Stat(pagesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoPagesDir
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNoPagesDir
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(pagesDir); err != nil {
		_ = fs.Close()
		return nil, err
	}
	entries, err := os.ReadDir(pagesDir)
	if err != nil {
		_ = fs.Close()
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "page_") {
			if err := fs.Add(filepath.Join(pagesDir, entry.Name())); err != nil {
				_ = fs.Close()
				return nil, err
			}
		}
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		fs:       fs,
		pagesDir: pagesDir,
		log:      opts.Log,
		logger:   opts.Logger,
		debounce: debounce,
		onEdit:   opts.OnEdit,
		lastSeen: map[string]time.Time{},
	}, nil
}

// Run blocks until the context is cancelled or the event stream closes.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fs.Close() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logf("watch error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		// A freshly cloned page arrives as a new page_<id> directory that
		// fsnotify does not follow on its own.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if strings.HasPrefix(filepath.Base(event.Name), "page_") {
				if err := w.fs.Add(event.Name); err != nil {
					w.logf("watch %s: %v", event.Name, err)
				}
			}
			return
		}
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if filepath.Base(event.Name) != "index.html" {
		return
	}
	id, ok := pageIDFromPath(event.Name)
	if !ok {
		return
	}

	w.mu.Lock()
	last := w.lastSeen[event.Name]
	now := time.Now()
	if now.Sub(last) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.lastSeen[event.Name] = now
	w.mu.Unlock()

	record := changelog.Record{
		PageID:      id,
		Timestamp:   now.Format(time.RFC3339),
		Path:        event.Name,
		Action:      "edit",
		Description: fmt.Sprintf("working copy of page %d edited", id),
	}
	if err := w.log.Append(record); err != nil {
		w.logf("record edit for page %d: %v", id, err)
	}
	if w.onEdit != nil {
		w.onEdit(id, event.Name)
	}
}

func pageIDFromPath(path string) (int, bool) {
	dir := filepath.Base(filepath.Dir(path))
	raw, ok := strings.CutPrefix(dir, "page_")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
