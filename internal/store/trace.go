package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwbudde/welltestfit/internal/fit"
)

// TraceEntry is one accepted optimizer step (or the initial/final state) of a fit.
type TraceEntry struct {
	Iteration int         `json:"iteration"`
	MSE       float64     `json:"mse"`
	Lambda    float64     `json:"lambda,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Params    fit.Mapping `json:"params,omitempty"`
}

// TraceEntryFromReport converts an optimizer report. The curve is not kept.
func TraceEntryFromReport(r fit.Report) TraceEntry {
	return TraceEntry{
		Iteration: r.Iteration,
		MSE:       r.MSE,
		Lambda:    r.Lambda,
		Timestamp: time.Now(),
		Params:    r.Params.Clone(),
	}
}

// TraceSink receives trace entries for one fit.
type TraceSink interface {
	Write(entry TraceEntry) error
	Close() error
}

// Tracer is implemented by stores that keep per-fit traces.
type Tracer interface {
	OpenTrace(fitID string, append bool) (TraceSink, error)
	ReadTrace(fitID string) ([]TraceEntry, error)
}

// TraceWriter writes trace entries as JSON lines. It is safe for concurrent use.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

func tracePath(baseDir, fitID string) string {
	return filepath.Join(baseDir, "fits", fitID, "trace.jsonl")
}

// NewTraceWriter creates <baseDir>/fits/<fitID>/trace.jsonl, or appends to it.
func NewTraceWriter(baseDir, fitID string, append bool) (*TraceWriter, error) {
	path := tracePath(baseDir, fitID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create fit directory: %w", err)
	}

	var file *os.File
	var err error
	if append {
		file, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	} else {
		file, err = os.Create(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &TraceWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
	}, nil
}

// Write buffers one entry.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}
	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	if err := tw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// Flush writes buffered entries and syncs the file.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Path returns the trace file path.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader reads a JSONL trace.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewTraceReader opens the trace of fitID.
func NewTraceReader(baseDir, fitID string) (*TraceReader, error) {
	file, err := os.Open(tracePath(baseDir, fitID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{FitID: fitID}
		}
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &TraceReader{file: file, scanner: scanner}, nil
}

// Read returns the next entry or io.EOF.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	if !tr.scanner.Scan() {
		if err := tr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan trace line: %w", err)
		}
		return nil, io.EOF
	}

	var entry TraceEntry
	if err := json.Unmarshal(tr.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
	}
	return &entry, nil
}

// ReadAll reads the remaining entries.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Close closes the reader.
func (tr *TraceReader) Close() error {
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// OpenTrace implements Tracer.
func (fs *FSStore) OpenTrace(fitID string, append bool) (TraceSink, error) {
	return NewTraceWriter(fs.baseDir, fitID, append)
}

// ReadTrace implements Tracer.
func (fs *FSStore) ReadTrace(fitID string) ([]TraceEntry, error) {
	tr, err := NewTraceReader(fs.baseDir, fitID)
	if err != nil {
		return nil, err
	}
	defer tr.Close()
	return tr.ReadAll()
}
