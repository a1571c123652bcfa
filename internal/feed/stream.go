package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

// StreamSource reads signals from a durable stream on the signal bus.
type StreamSource struct {
	bus    domain.SignalBus
	stream string
	batch  int
	poll   time.Duration
	lastID string
	logger *slog.Logger
}

// NewStreamSource creates a StreamSource that starts after lastID ("0" reads
// the whole stream).
func NewStreamSource(bus domain.SignalBus, stream, lastID string, batch int, poll time.Duration, logger *slog.Logger) *StreamSource {
	if batch <= 0 {
		batch = 100
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if lastID == "" {
		lastID = "0"
	}
	return &StreamSource{
		bus:    bus,
		stream: stream,
		batch:  batch,
		poll:   poll,
		lastID: lastID,
		logger: logger.With(slog.String("component", "feed_stream"), slog.String("stream", stream)),
	}
}

// LastID returns the id of the last message consumed.
func (s *StreamSource) LastID() string { return s.lastID }

// Run implements Source. It returns only when ctx is cancelled or the bus
// fails.
func (s *StreamSource) Run(ctx context.Context, out chan<- domain.TradeSignal) error {
	s.logger.Info("stream feed started", slog.String("from", s.lastID))
	for {
		msgs, err := s.bus.StreamRead(ctx, s.stream, s.lastID, s.batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: %w", err)
		}
		for _, m := range msgs {
			s.lastID = m.ID
			sig, err := DecodeSignal(m.Payload)
			if err != nil {
				s.logger.Warn("invalid stream message skipped", slog.String("id", m.ID), slog.String("error", err.Error()))
				continue
			}
			if err := send(ctx, out, sig); err != nil {
				return err
			}
		}
		if len(msgs) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.poll):
		}
	}
}
