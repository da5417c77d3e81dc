// Package datalog writes the per-session telemetry log.
package datalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// FileTimeFormat names session files by their start time.
const FileTimeFormat = "2006-01-02 15-04-05.000000"

// Header is the first row of every session log.
var Header = []string{
	"Time (s)",
	"Paw (cmH2O)",
	"Flow (l/min)",
	"Volume (ml)",
	"Vt (ml)",
	"Ti (s)",
	"RR (/min)",
	"PEEP (cmH2O)",
}

// ErrClosed is returned when appending to a closed sink.
var ErrClosed = errors.New("datalog: sink closed")

// Row is one logged sample: telemetry plus the parameters commanded at the
// time it was decoded.
type Row struct {
	Time   float64 // Unix seconds
	Paw    float64
	Flow   float64
	Volume float64
	Vt     float64
	Ti     float64
	RR     float64
	PEEP   float64
}

// Record formats the row in Header column order.
func (r Row) Record() []string {
	values := [...]float64{r.Time, r.Paw, r.Flow, r.Volume, r.Vt, r.Ti, r.RR, r.PEEP}
	record := make([]string, len(values))
	for i, v := range values {
		record[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return record
}

// Sink is an append-only row writer with explicit flush.
type Sink interface {
	Append(row Row) error
	Flush() error
	Close() error
}

var _ Sink = (*CSV)(nil)

// CSV writes rows to a buffered CSV stream. Flush and Close push buffered
// rows to the underlying writer.
type CSV struct {
	mu     sync.Mutex
	path   string
	closer io.Closer
	syncer interface{ Sync() error }
	csv    *csv.Writer
	rows   uint64
	closed bool
}

// Create creates the session log for a session started at start inside dir,
// creating dir if needed, and writes the header.
func Create(dir string, start time.Time) (*CSV, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, start.Format(FileTimeFormat)+".csv")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file %s: %w", path, err)
	}

	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.path = path
	w.syncer = f
	return w, nil
}

// NewWriter writes the session log to w. If w is an io.Closer it is closed
// by Close.
func NewWriter(w io.Writer) (*CSV, error) {
	c := &CSV{csv: csv.NewWriter(w)}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}

	if err := c.csv.Write(Header); err != nil {
		return nil, fmt.Errorf("failed to write log header: %w", err)
	}
	return c, nil
}

// Path returns the log file path, or "" for non-file sinks.
func (c *CSV) Path() string {
	return c.path
}

// Append buffers one row.
func (c *CSV) Append(row Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.csv.Write(row.Record()); err != nil {
		return fmt.Errorf("failed to write log row: %w", err)
	}
	c.rows++
	return nil
}

// Flush pushes buffered rows to the underlying writer.
func (c *CSV) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	return c.flush()
}

func (c *CSV) flush() error {
	c.csv.Flush()
	if err := c.csv.Error(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	return nil
}

// Close flushes remaining rows, syncs and closes the file. Closing twice is
// a no-op.
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	errs := []error{c.flush()}
	if c.syncer != nil {
		if err := c.syncer.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("failed to sync log: %w", err))
		}
	}
	if c.closer != nil {
		if err := c.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close log: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Rows returns the number of data rows appended (excludes header).
func (c *CSV) Rows() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}
