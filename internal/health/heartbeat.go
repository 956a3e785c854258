package health

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/vigil/internal/clock"
)

// Heartbeat tracks the last write to a file the child touches to prove it is
// not hung. A JSON file carrying a "timestamp" field is judged by that field.
// Otherwise fsnotify events refresh the timestamp as they arrive, and the
// file mtime is consulted as well so a missed event never causes a restart.
type Heartbeat struct {
	path  string
	stale time.Duration
	clk   clock.Clock

	mu      sync.Mutex
	lastHit time.Time
	resetAt time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// WatchHeartbeat starts observing path. If the watcher cannot be created,
// the heartbeat falls back to polling mtime only.
func WatchHeartbeat(clk clock.Clock, path string, stale time.Duration) *Heartbeat {
	now := clk.Now()
	h := &Heartbeat{path: filepath.Clean(path), stale: stale, clk: clk, lastHit: now, resetAt: now, done: make(chan struct{})}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("heartbeat watcher unavailable, polling mtime", "file", h.path, "error", err)
		return h
	}
	// watch the directory so the file may be created or replaced atomically
	if err := w.Add(filepath.Dir(h.path)); err != nil {
		slog.Warn("heartbeat watch failed, polling mtime", "file", h.path, "error", err)
		_ = w.Close()
		return h
	}
	h.watcher = w
	go h.loop()
	return h
}

func (h *Heartbeat) loop() {
	for {
		select {
		case <-h.done:
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == h.path && ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) {
				h.touch(h.clk.Now())
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			slog.Debug("heartbeat watcher error", "file", h.path, "error", err)
		}
	}
}

func (h *Heartbeat) touch(t time.Time) {
	h.mu.Lock()
	if t.After(h.lastHit) {
		h.lastHit = t
	}
	h.mu.Unlock()
}

// Reset restarts the grace window, used when a new run begins.
func (h *Heartbeat) Reset() {
	h.mu.Lock()
	h.lastHit = h.clk.Now()
	h.resetAt = h.lastHit
	h.mu.Unlock()
}

// Stale reports whether the child has not touched the file for longer than
// the stale window. A missing file or an unreadable one is never stale.
func (h *Heartbeat) Stale() bool {
	st, err := os.Stat(h.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Debug("heartbeat stat failed", "file", h.path, "error", err)
		}
		return false
	}
	h.mu.Lock()
	grace := h.resetAt
	h.mu.Unlock()
	if ts, ok := readTimestamp(h.path); ok {
		if grace.After(ts) {
			ts = grace
		}
		return h.clk.Now().Sub(ts) > h.stale
	}
	h.touch(st.ModTime())
	h.mu.Lock()
	last := h.lastHit
	h.mu.Unlock()
	return h.clk.Now().Sub(last) > h.stale
}

const maxHeartbeatSize = 64 << 10

// timestamp layouts accepted in the "timestamp" field; zone-less values are UTC
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// readTimestamp returns the "timestamp" field of a JSON heartbeat file.
func readTimestamp(path string) (time.Time, bool) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false
	}
	defer func() { _ = f.Close() }()
	b, err := io.ReadAll(io.LimitReader(f, maxHeartbeatSize))
	if err != nil {
		return time.Time{}, false
	}
	var doc struct {
		Timestamp string `json:"timestamp"`
	}
	if json.Unmarshal(b, &doc) != nil || doc.Timestamp == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, doc.Timestamp, time.UTC); err == nil {
			return t, true
		}
	}
	slog.Debug("heartbeat timestamp unparsable", "file", path, "timestamp", doc.Timestamp)
	return time.Time{}, false
}

// Close stops the watcher.
func (h *Heartbeat) Close() error {
	var err error
	h.once.Do(func() {
		close(h.done)
		if h.watcher != nil {
			err = h.watcher.Close()
		}
	})
	return err
}
