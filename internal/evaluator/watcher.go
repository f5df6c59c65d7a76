package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce = 200 * time.Millisecond
	debounceTick    = 50 * time.Millisecond
)

// fileStamp identifies one version of a file.
type fileStamp struct {
	size    int64
	modTime int64
}

// Watcher reports record files in a directory that are new or changed.
//
// Files present when the watcher starts are reported once. After that,
// fsnotify create and write events are debounced so a file is reported after
// its writer has been quiet for the debounce period, and a periodic rescan
// picks up anything the event stream missed. A file is reported at most once
// per (path, size, mtime).
//
// Only *.jsonl and *.json files are considered; names starting with a dot
// are ignored, so writers can stage into a dotfile and rename.
type Watcher struct {
	dir      string
	interval time.Duration
	debounce time.Duration
	logger   *slog.Logger

	fsw   *fsnotify.Watcher
	files chan string

	mu      sync.Mutex
	pending map[string]time.Time
	seen    map[string]fileStamp
	running bool
	stopped bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a watcher for dir that rescans every interval.
func NewWatcher(dir string, interval time.Duration, logger *slog.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, errors.New("records directory is required")
	}
	if interval <= 0 {
		return nil, errors.New("rescan interval must be positive")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		dir:      dir,
		interval: interval,
		debounce: defaultDebounce,
		logger:   logger,
		fsw:      fsw,
		files:    make(chan string, 16),
		pending:  make(map[string]time.Time),
		seen:     make(map[string]fileStamp),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Files returns the channel of file paths ready to be evaluated.
// It is closed when the watcher stops.
func (w *Watcher) Files() <-chan string {
	return w.files
}

// Start creates the directory if needed, queues the files already in it and
// begins watching. Start is non-blocking and idempotent.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.stopped {
		return nil
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create records dir: %w", err)
	}
	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.running = true

	// existing files are due immediately
	w.queueChangedLocked(time.Time{})

	go w.run(ctx)
	w.logger.Info("watching records directory", "dir", w.dir, "rescan", w.interval.String())
	return nil
}

// Stop halts the watcher and waits for its goroutine to exit.
// Stop is idempotent; calling it before Start releases the fsnotify handle.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	wasRunning := w.running
	w.mu.Unlock()

	close(w.stopCh)
	if wasRunning {
		<-w.doneCh
	} else {
		close(w.files)
	}

	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("closing fsnotify watcher", "error", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.files)

	debounce := time.NewTicker(debounceTick)
	defer debounce.Stop()
	rescan := time.NewTicker(w.interval)
	defer rescan.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", "dir", w.dir, "error", err)

		case <-rescan.C:
			w.mu.Lock()
			w.queueChangedLocked(time.Now())
			w.mu.Unlock()

		case <-debounce.C:
			for _, path := range w.due() {
				select {
				case w.files <- path:
				case <-ctx.Done():
					return
				case <-w.stopCh:
					return
				}
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isRecordFile(event.Name) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	w.logger.Debug("records file event", "path", event.Name, "op", event.Op.String())

	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// queueChangedLocked marks every record file whose stamp differs from the
// last reported one as pending since at.
func (w *Watcher) queueChangedLocked(at time.Time) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("scanning records directory", "dir", w.dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if !isRecordFile(path) {
			continue
		}
		stamp, err := statStamp(path)
		if err != nil {
			continue
		}
		if prev, ok := w.seen[path]; ok && prev == stamp {
			continue
		}
		if _, ok := w.pending[path]; !ok {
			w.pending[path] = at
		}
	}
}

// due pops the pending files that have been quiet for the debounce period
// and have not been reported at their current stamp. Paths are sorted so
// files dropped together are evaluated in name order.
func (w *Watcher) due() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	var out []string
	for path, at := range w.pending {
		if now.Sub(at) < w.debounce {
			continue
		}
		delete(w.pending, path)

		stamp, err := statStamp(path)
		if err != nil {
			// removed before it settled
			continue
		}
		if prev, ok := w.seen[path]; ok && prev == stamp {
			continue
		}
		w.seen[path] = stamp
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

func statStamp(path string) (fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	if !info.Mode().IsRegular() {
		return fileStamp{}, fmt.Errorf("%s is not a regular file", path)
	}
	return fileStamp{size: info.Size(), modTime: info.ModTime().UnixNano()}, nil
}

func isRecordFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch filepath.Ext(base) {
	case ".jsonl", ".json":
		return true
	}
	return false
}
