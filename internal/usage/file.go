package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

var _ Recorder = (*FileRecorder)(nil)

// FileRecorder appends events as JSON lines to a local file. It suits a
// single-instance deployment without a database.
type FileRecorder struct {
	mu   sync.Mutex
	path string
}

// NewFileRecorder creates a FileRecorder writing to path. The file is
// created on the first event.
func NewFileRecorder(path string) *FileRecorder {
	return &FileRecorder{path: path}
}

// Record implements [Recorder].
func (fr *FileRecorder) Record(_ context.Context, e Event) error {
	e.Time = e.at()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("usage: marshal event: %w", err)
	}
	data = append(data, '\n')

	fr.mu.Lock()
	defer fr.mu.Unlock()

	f, err := os.OpenFile(fr.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("usage: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("usage: write: %w", err)
	}
	return nil
}
