package feed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

// FileSource reads NDJSON signals from a file. With a positive poll interval
// it keeps following the file for appended lines; otherwise it stops at EOF.
type FileSource struct {
	path   string
	poll   time.Duration
	logger *slog.Logger
}

// NewFileSource creates a FileSource.
func NewFileSource(path string, poll time.Duration, logger *slog.Logger) *FileSource {
	return &FileSource{
		path:   path,
		poll:   poll,
		logger: logger.With(slog.String("component", "feed_file"), slog.String("path", path)),
	}
}

// Run implements Source.
func (s *FileSource) Run(ctx context.Context, out chan<- domain.TradeSignal) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("feed: open %s: %w", s.path, err)
	}
	defer f.Close()

	s.logger.Info("file feed started", slog.Duration("poll", s.poll))
	r := bufio.NewReader(f)
	var partial []byte
	lineNo := 0
	for {
		chunk, err := r.ReadBytes('\n')
		if len(chunk) > 0 {
			partial = append(partial, chunk...)
		}
		if len(partial) > 0 && partial[len(partial)-1] == '\n' {
			lineNo++
			line := bytes.TrimSpace(partial)
			partial = partial[:0]
			if len(line) == 0 {
				continue
			}
			sig, decErr := DecodeSignal(line)
			if decErr != nil {
				s.logger.Warn("invalid signal line skipped", slog.Int("line", lineNo), slog.String("error", decErr.Error()))
				continue
			}
			if err := send(ctx, out, sig); err != nil {
				return err
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("feed: read %s: %w", s.path, err)
		}

		// At EOF. An unterminated last line is kept until the writer
		// finishes it.
		if s.poll <= 0 {
			if len(bytes.TrimSpace(partial)) > 0 {
				s.logger.Warn("unterminated final line ignored", slog.Int("line", lineNo+1))
			}
			s.logger.Info("file feed exhausted", slog.Int("lines", lineNo))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.poll):
		}
	}
}
