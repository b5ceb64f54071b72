// Package journal records every step of an instrumentation run as an
// append-only JSONL audit trail. One file per run; the program only ever
// appends, it never reads a journal back.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryObserved EntryType = "observed"
	EntryPlanned  EntryType = "planned"
	EntrySkipped  EntryType = "skipped"
	EntryUpdating EntryType = "updating"
	EntryUpdated  EntryType = "updated"
	EntryFailed   EntryType = "failed"
)

// Entry represents a single journal entry
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	Function  string          `json:"function,omitempty"`
	Region    string          `json:"region,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Journal is the append-only audit log of one run
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
}

// Open creates a new journal file in the specified directory
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	// Timestamped filename, one file per run
	filename := fmt.Sprintf("mittari-%s.journal", time.Now().Format("20060102-150405"))
	path := filepath.Join(dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Close flushes and closes the journal
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// Append adds an entry to the journal
func (j *Journal) Append(entryType EntryType, function, region string, data interface{}) error {
	return j.append(entryType, function, region, data, nil)
}

// AppendError adds an entry carrying a failure
func (j *Journal) AppendError(entryType EntryType, function, region string, data interface{}, errToLog error) error {
	return j.append(entryType, function, region, data, errToLog)
}

func (j *Journal) append(entryType EntryType, function, region string, data interface{}, errToLog error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.sequence++

	entry := Entry{
		Timestamp: time.Now(),
		Sequence:  j.sequence,
		Type:      entryType,
		Function:  function,
		Region:    region,
	}

	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
		entry.Data = jsonData
	}

	if errToLog != nil {
		entry.Error = errToLog.Error()
	}

	return j.writeEntry(entry)
}

// writeEntry writes a single entry and flushes for durability
func (j *Journal) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := j.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	if _, err := j.writer.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return j.file.Sync()
}

// Reader walks one journal file entry by entry
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a journal reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Reader{
		scanner: bufio.NewScanner(file),
		file:    file,
	}, nil
}

// Next reads the next entry, io.EOF at the end
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}
