package workstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/models"
)

// Tailer follows the work-stream log and hands each complete JSON line to
// its handler. It tracks a byte offset rather than an open handle, so a
// deleted or rotated file is picked up again on the next tick: truncation
// (size below the known offset) rewinds to zero, and a missing file is
// simply retried.
//
// The offset only advances past complete lines. A trailing partial line
// stays unconsumed until its terminating newline lands, so a writer caught
// mid-append never produces a half-parsed event.
type Tailer struct {
	path    string
	cfg     *config.AnalyzerConfig
	handler func(models.WorkStreamEvent)

	offset int64
	done   chan struct{}
}

// NewTailer creates a tailer for the log at path. Events are delivered to
// handler in file order from a single goroutine.
func NewTailer(path string, cfg *config.AnalyzerConfig, handler func(models.WorkStreamEvent)) *Tailer {
	return &Tailer{path: path, cfg: cfg, handler: handler}
}

// Start positions the tailer and launches its loop. Without ReplayStartup
// the offset seeks to the current end of file so historical events cannot
// re-alert; with it the existing content is drained synchronously before the
// loop starts.
func (t *Tailer) Start(ctx context.Context) {
	t.position()
	if t.cfg.ReplayStartup {
		for t.drain() {
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("File watcher unavailable, falling back to polling", "error", err)
		watcher = nil
	} else if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		slog.Warn("Cannot watch work-stream directory, falling back to polling", "error", err)
		watcher.Close()
		watcher = nil
	}

	t.done = make(chan struct{})
	go t.run(ctx, watcher)
}

// Wait blocks until the tail loop has exited.
func (t *Tailer) Wait() {
	if t.done != nil {
		<-t.done
	}
}

// position seeks to EOF unless startup replay is requested. A missing file
// leaves the offset at zero so the first write is consumed from the start.
func (t *Tailer) position() {
	if t.cfg.ReplayStartup {
		t.offset = 0
		return
	}
	if info, err := os.Stat(t.path); err == nil {
		t.offset = info.Size()
	}
}

func (t *Tailer) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(t.done)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(t.cfg.PollFallbackInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errors chan error
	if watcher != nil {
		events = watcher.Events
		errors = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == t.path && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				t.drain()
			}
		case err, ok := <-errors:
			if !ok {
				errors = nil
				continue
			}
			slog.Warn("File watcher error", "error", err)
		case <-ticker.C:
			t.drain()
		}
	}
}

// drain consumes complete lines from the current offset, up to MaxBatchLines
// per call. It reports whether the batch limit was hit, meaning more input
// may be waiting.
func (t *Tailer) drain() bool {
	f, err := os.Open(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Cannot open work-stream log", "error", err)
		}
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		slog.Warn("Cannot stat work-stream log", "error", err)
		return false
	}
	if info.Size() < t.offset {
		slog.Info("Work-stream log truncated, rewinding",
			"size", info.Size(), "offset", t.offset)
		t.offset = 0
	}
	if info.Size() == t.offset {
		return false
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		slog.Warn("Cannot seek work-stream log", "error", err)
		return false
	}

	reader := bufio.NewReader(f)
	lines := 0
	for lines < t.cfg.MaxBatchLines {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// EOF, possibly with a partial line left unconsumed.
			return false
		}
		t.offset += int64(len(line))
		lines++

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var event models.WorkStreamEvent
		if err := json.Unmarshal(trimmed, &event); err != nil {
			slog.Warn("Skipping malformed work-stream line", "error", err)
			continue
		}
		t.handler(event)
	}
	return true
}
