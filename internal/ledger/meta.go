package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/alanyoungcy/riskgate/internal/store/file"
)

// Cursor names kept in ledger.meta.json.
const (
	CursorFeeSweepSeq = "finance.last_fee_sweep_seq"
	CursorFeeSweepAt  = "finance.last_fee_sweep_at"
	CursorFeeSwept    = "finance.fee_swept_after_seq"
	CursorCompounded  = "finance.compounded_today"
	CursorArchiveSeq  = "archive.last_seq"
	CursorArchivePlan = "archive.last_plan_at"
	CursorStreamID    = "feed.stream_last_id"
)

func (s *Store) metaPath() string { return filepath.Join(s.dir, metaFile) }

func (s *Store) loadMeta() error {
	data, err := os.ReadFile(s.metaPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: read meta: %w", err)
	}
	if err := json.Unmarshal(data, &s.meta); err != nil {
		return fmt.Errorf("ledger: decode meta: %w", err)
	}
	return nil
}

// Cursor returns a metadata value.
func (s *Store) Cursor(name string) (string, bool) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	v, ok := s.meta[name]
	return v, ok
}

// CursorSeq returns a sequence cursor, 0 when unset or unparsable.
func (s *Store) CursorSeq(name string) int64 {
	v, ok := s.Cursor(name)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// SetCursor stores one value and atomically replaces the metadata file.
func (s *Store) SetCursor(name, value string) error {
	return s.SetCursors(map[string]string{name: value})
}

// SetCursors stores several values in a single atomic replace.
func (s *Store) SetCursors(values map[string]string) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	next := make(map[string]string, len(s.meta)+len(values))
	for k, v := range s.meta {
		next[k] = v
	}
	for k, v := range values {
		next[k] = v
	}
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: encode meta: %w", err)
	}
	if err := file.WriteAtomic(s.metaPath(), data, 0o644); err != nil {
		return fmt.Errorf("ledger: write meta: %w", err)
	}
	s.meta = next
	return nil
}

// FormatSeq encodes a sequence cursor.
func FormatSeq(seq int64) string { return strconv.FormatInt(seq, 10) }

// FormatTime encodes a timestamp cursor.
func FormatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
