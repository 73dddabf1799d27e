package tradelog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record is one executed or rejected trade decision.
type Record struct {
	Time     time.Time `json:"time"`
	Strategy string    `json:"strategy"`
	Symbol   string    `json:"symbol"`
	Name     string    `json:"name,omitempty"`
	Side     string    `json:"side"`
	Quantity int       `json:"quantity"`
	Price    float64   `json:"price"`
	Reason   string    `json:"reason"`
	Outcome  string    `json:"outcome"` // submitted | rejected
	OrderID  string    `json:"order_id,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Writer appends newline-delimited JSON trade records to a file.
//
// It is safe for concurrent use. A nil Writer discards records, so callers
// never need to guard the disabled case.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

// New returns a trade log writer that appends to path. If path is
// empty/blank, it returns nil and logging is disabled.
func New(path string) *Writer {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &Writer{path: path}
}

func (w *Writer) ensureOpenLocked() error {
	if w.file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	w.file = f
	w.w = bufio.NewWriter(f)
	return nil
}

// Write appends rec as a single JSON object followed by '\n'. It flushes so
// that tailing the file shows each trade as it happens.
func (w *Writer) Write(rec Record) error {
	if w == nil {
		return nil
	}
	if rec.Time.IsZero() {
		return fmt.Errorf("tradelog: record without timestamp")
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureOpenLocked(); err != nil {
		return err
	}

	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Close flushes any buffered data and closes the underlying file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if w.w != nil {
		if err := w.w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.w = nil
	w.file = nil

	if firstErr != nil && errors.Is(firstErr, os.ErrClosed) {
		return nil
	}
	return firstErr
}
