package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RunLog appends one JSON object per line to the run's log file.
type RunLog struct {
	mu   sync.Mutex
	path string
}

func NewRunLog(dir, name string) (*RunLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &RunLog{path: filepath.Join(dir, name)}, nil
}

func (l *RunLog) Path() string {
	return l.path
}

func (l *RunLog) Append(record map[string]interface{}) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode log record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open run log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write run log: %w", err)
	}
	return nil
}
