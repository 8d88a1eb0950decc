package ipc

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/warden/internal/fsatomic"
)

const (
	// defaultDebounce coalesces bursts of file events into one sweep.
	defaultDebounce = 100 * time.Millisecond
	// defaultRescan is the poll fallback for events fsnotify missed
	// (network mounts, overflow, files renamed in before the watch).
	defaultRescan = 2 * time.Second
)

// WatchConfig tunes a DirWatcher. Zero values take the defaults above.
type WatchConfig struct {
	Debounce time.Duration
	Rescan   time.Duration
}

// DirWatcher emits the payload files of one directory in stream-name
// order, exactly once per file. Detection is fsnotify first with a
// periodic rescan as backstop, so delivery survives missed events.
//
// All bookkeeping happens on the run goroutine; timers only send
// signals.
type DirWatcher struct {
	dir      string
	debounce time.Duration
	rescan   time.Duration

	batches chan []string
	signals chan struct{} // capacity 1, non-blocking sends
	done    chan struct{}
	stopped sync.Once

	mu       sync.Mutex
	debTimer *time.Timer

	seen map[string]bool
}

func NewDirWatcher(dir string, cfg WatchConfig) *DirWatcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Rescan <= 0 {
		cfg.Rescan = defaultRescan
	}
	return &DirWatcher{
		dir:      dir,
		debounce: cfg.Debounce,
		rescan:   cfg.Rescan,
		batches:  make(chan []string, 1),
		signals:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		seen:     make(map[string]bool),
	}
}

// Batches delivers new files as sorted batches of absolute paths. The
// channel closes when the watcher stops.
func (w *DirWatcher) Batches() <-chan []string {
	return w.batches
}

// Start begins watching. It returns after the initial sweep has been
// queued, so files already present are delivered first.
func (w *DirWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}
	w.trigger()
	go w.run(ctx, fsw)
	return nil
}

func (w *DirWatcher) Stop() {
	w.stopped.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.debTimer != nil {
			w.debTimer.Stop()
		}
		w.mu.Unlock()
	})
}

// trigger requests a sweep without blocking; a pending signal already
// covers this request.
func (w *DirWatcher) trigger() {
	select {
	case w.signals <- struct{}{}:
	default:
	}
}

func (w *DirWatcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.batches)
	defer fsw.Close()

	ticker := time.NewTicker(w.rescan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case <-w.signals:
			w.sweep(ctx)

		case <-ticker.C:
			w.sweep(ctx)

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if fsatomic.IsTemp(filepath.Base(ev.Name)) {
				continue
			}
			w.mu.Lock()
			if w.debTimer != nil {
				w.debTimer.Stop()
			}
			w.debTimer = time.AfterFunc(w.debounce, w.trigger)
			w.mu.Unlock()

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("ipc: watcher error", "dir", w.dir, "error", err)
		}
	}
}

// sweep lists the directory and delivers every name not seen before.
// The seen set is pruned to the names still on disk, so entries for
// consumed (deleted) files don't accumulate.
func (w *DirWatcher) sweep(ctx context.Context) {
	names, err := fsatomic.ListOrdered(w.dir)
	if err != nil {
		slog.Warn("ipc: sweep failed", "dir", w.dir, "error", err)
		return
	}

	present := make(map[string]bool, len(names))
	var batch []string
	for _, name := range names {
		present[name] = true
		if !w.seen[name] {
			w.seen[name] = true
			batch = append(batch, filepath.Join(w.dir, name))
		}
	}
	for name := range w.seen {
		if !present[name] {
			delete(w.seen, name)
		}
	}

	if len(batch) == 0 {
		return
	}
	select {
	case w.batches <- batch:
	case <-ctx.Done():
	case <-w.done:
	}
}
