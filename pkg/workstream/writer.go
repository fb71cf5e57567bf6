// Package workstream owns the shared agent work-stream log: the writer that
// agent runners append session events to, the tailer that follows the file,
// and the analyzer that turns per-session event patterns into deduplicated
// alerts on a separate alerts log and the event bus.
package workstream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bosun-dev/bosun/pkg/models"
)

// Writer appends work-stream events as JSON lines. One Writer is shared by
// all concurrent agent runners; each Append writes a complete line in a
// single call so concurrent sessions never interleave partial lines.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	observer func(models.WorkStreamEvent)
}

// NewWriter opens the work-stream log for appending, creating the file and
// its parent directory if missing.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create work-stream log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open work-stream log: %w", err)
	}
	return &Writer{f: f}, nil
}

// SetObserver registers a callback invoked after each durable append. The
// process wires the event bus here so appends double as liveness beats.
func (w *Writer) SetObserver(fn func(models.WorkStreamEvent)) {
	w.mu.Lock()
	w.observer = fn
	w.mu.Unlock()
}

// Append writes one event as a single JSON line.
func (w *Writer) Append(event models.WorkStreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal work-stream event: %w", err)
	}
	w.mu.Lock()
	_, werr := w.f.Write(append(data, '\n'))
	observer := w.observer
	w.mu.Unlock()
	if werr != nil {
		return fmt.Errorf("append work-stream event: %w", werr)
	}
	if observer != nil {
		observer(event)
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
