// Package feed turns external signal sources into a channel of validated
// trade signals.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

// Source pushes signals into out until ctx is cancelled or the source is
// exhausted. It never closes out.
type Source interface {
	Run(ctx context.Context, out chan<- domain.TradeSignal) error
}

// DecodeSignal parses and normalizes one JSON-encoded signal. A missing kind
// means entry; a missing timestamp means now.
func DecodeSignal(data []byte) (domain.TradeSignal, error) {
	var sig domain.TradeSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return domain.TradeSignal{}, fmt.Errorf("%w: decode: %v", domain.ErrInvalidSignal, err)
	}
	side, err := domain.ParseSide(string(sig.Side))
	if err != nil {
		return domain.TradeSignal{}, err
	}
	sig.Side = side
	sig.Kind = domain.SignalKind(strings.ToLower(strings.TrimSpace(string(sig.Kind))))
	if sig.Kind == "" {
		sig.Kind = domain.KindEntry
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	if err := sig.Validate(); err != nil {
		return domain.TradeSignal{}, err
	}
	return sig, nil
}

func send(ctx context.Context, out chan<- domain.TradeSignal, sig domain.TradeSignal) error {
	select {
	case out <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
