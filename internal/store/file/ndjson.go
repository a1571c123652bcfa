package file

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Appender is an append-only newline-delimited JSON log. Each Append is one
// write(2) on an O_APPEND descriptor followed by fsync, so once it returns
// nil the record survives a crash. A failed write is truncated away so the
// file never keeps a partial line.
type Appender struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

// OpenAppender opens (creating if needed) an NDJSON log. A torn final line
// left by an earlier crash must have been cut off with Scan and Truncate
// beforehand.
func OpenAppender(path string) (*Appender, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("file: mkdir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("file: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("file: stat %s: %w", path, err)
	}
	return &Appender{path: path, f: f, size: info.Size()}, nil
}

// Path returns the log location.
func (a *Appender) Path() string { return a.path }

// Append marshals v as one line and makes it durable.
func (a *Appender) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("file: marshal record: %w", err)
	}
	line = append(line, '\n')
	return a.AppendRaw(line)
}

// AppendRaw appends an already encoded line, which must end in '\n'.
func (a *Appender) AppendRaw(line []byte) error {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		return fmt.Errorf("file: record must end with a newline")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return fmt.Errorf("file: %s: appender closed", a.path)
	}

	n, err := a.f.Write(line)
	if err == nil {
		err = a.f.Sync()
	}
	if err != nil {
		if n > 0 {
			// Roll a partial line back; if that fails the next Scan reports it as torn.
			_ = a.f.Truncate(a.size)
		}
		return fmt.Errorf("file: append %s: %w", a.path, err)
	}
	a.size += int64(n)
	return nil
}

// Close closes the log.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// Record is one complete line returned by Scan.
type Record struct {
	Line   []byte
	Offset int64
}

// ScanResult summarises a Scan.
type ScanResult struct {
	Records   []Record
	ValidSize int64 // bytes covered by complete lines
	TornTail  bool  // the file ended without a newline
}

// Scan reads every newline-terminated record of path. Bytes after the last
// newline are reported as a torn tail and are not returned. A missing file
// scans as empty.
func Scan(path string) (ScanResult, error) {
	var res ScanResult
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("file: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			res.Records = append(res.Records, Record{Line: bytes.TrimRight(line, "\r\n"), Offset: offset})
			offset += int64(len(line))
		} else if len(line) > 0 {
			res.TornTail = true
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("file: read %s: %w", path, err)
		}
	}
	res.ValidSize = offset
	return res, nil
}

// Truncate cuts path to size and syncs it.
func Truncate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("file: open %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("file: truncate %s: %w", path, err)
	}
	return f.Sync()
}
