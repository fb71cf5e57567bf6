package workstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bosun-dev/bosun/pkg/models"
)

// recentAlertCap bounds the in-memory alert history served to the API.
const recentAlertCap = 200

// AlertLog is the append-only alerts file. The analyzer is its single
// writer; it doubles as the durable cooldown store that survives restarts.
type AlertLog struct {
	path string

	mu     sync.Mutex
	f      *os.File
	recent []models.Alert
}

// OpenAlertLog opens the alerts log for appending, creating the file and its
// parent directory if missing.
func OpenAlertLog(path string) (*AlertLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create alerts log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open alerts log: %w", err)
	}
	return &AlertLog{path: path, f: f}, nil
}

// Path returns the file path backing the log.
func (l *AlertLog) Path() string {
	return l.path
}

// Append writes one alert as a single JSON line and retains it in the
// bounded in-memory history.
func (l *AlertLog) Append(alert models.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	l.recent = append(l.recent, alert)
	if len(l.recent) > recentAlertCap {
		l.recent = l.recent[len(l.recent)-recentAlertCap:]
	}
	return nil
}

// Recent returns up to limit of the newest alerts, oldest first. limit <= 0
// returns everything retained.
func (l *AlertLog) Recent(limit int) []models.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Alert, n)
	copy(out, l.recent[len(l.recent)-n:])
	return out
}

// Close closes the underlying file.
func (l *AlertLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// readTailLines returns the complete lines found in the last maxBytes of the
// file at path. When reading starts mid-file the first partial line is
// discarded. A missing file yields no lines and no error.
func readTailLines(path string, maxBytes int64) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	start := info.Size() - maxBytes
	if start < 0 {
		start = 0
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if start > 0 {
		if idx := bytes.IndexByte(raw, '\n'); idx >= 0 {
			raw = raw[idx+1:]
		} else {
			return nil, nil
		}
	}

	var lines [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			lines = append(lines, trimmed)
		}
	}
	return lines, nil
}
