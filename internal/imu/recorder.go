package imu

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// flushEvery matches the phone collector, which flushed its row buffer
// every ten samples.
const flushEvery = 10

// Recorder appends samples to a CSV file in the layout ParseFields reads.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	w       *csv.Writer
	pending int
	rows    uint64
}

// NewRecorder opens (or creates) path for appending. A header is written
// when the file is empty.
func NewRecorder(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("recorder: create dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	r := &Recorder{file: f, w: csv.NewWriter(f)}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("recorder: stat: %w", err)
	}
	if info.Size() == 0 {
		if err := r.w.Write(CSVHeader()); err != nil {
			f.Close()
			return nil, fmt.Errorf("recorder: header: %w", err)
		}
		r.w.Flush()
	}
	return r, nil
}

// Record buffers one row, flushing every flushEvery rows.
func (r *Recorder) Record(s Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return os.ErrClosed
	}
	if err := r.w.Write(s.Fields()); err != nil {
		return err
	}
	r.rows++
	r.pending++
	if r.pending >= flushEvery {
		r.pending = 0
		r.w.Flush()
		return r.w.Error()
	}
	return nil
}

// Rows reports how many samples have been recorded.
func (r *Recorder) Rows() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows
}

// Flush writes buffered rows to disk.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	r.pending = 0
	r.w.Flush()
	return r.w.Error()
}

// Close flushes and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	r.w.Flush()
	werr := r.w.Error()
	cerr := r.file.Close()
	r.file = nil
	if werr != nil {
		return werr
	}
	return cerr
}
