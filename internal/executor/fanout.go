package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/metrics"
)

const fanoutTimeout = 2 * time.Second

// fanout copies a booked trade to the event bus and the database mirror.
// Failures are counted and logged; they never change the result.
func (e *Engine) fanout(ctx context.Context, t domain.Trade) {
	if e.deps.Bus != nil {
		if payload, err := json.Marshal(t); err == nil {
			e.publish(ctx, domain.ChannelTrades, payload)
		}
	}
	if e.deps.Mirror != nil {
		mctx, cancel := context.WithTimeout(ctx, fanoutTimeout)
		err := e.deps.Mirror.InsertBatch(mctx, []domain.Trade{t})
		cancel()
		if err != nil {
			metrics.FanoutErrors.WithLabelValues("mirror").Inc()
			e.logger.WarnContext(ctx, "trade mirror insert failed",
				slog.String("trade_id", t.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Engine) publish(ctx context.Context, channel string, payload []byte) {
	pctx, cancel := context.WithTimeout(ctx, fanoutTimeout)
	defer cancel()
	if err := e.deps.Bus.Publish(pctx, channel, payload); err != nil {
		metrics.FanoutErrors.WithLabelValues("bus").Inc()
		e.logger.WarnContext(ctx, "event publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) notify(ctx context.Context, event, title, message string) {
	if e.deps.Notifier == nil {
		return
	}
	if err := e.deps.Notifier.Notify(ctx, event, title, message); err != nil {
		metrics.FanoutErrors.WithLabelValues("notify").Inc()
		e.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) audit(ctx context.Context, event string, detail map[string]any) {
	if e.deps.Audit == nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, fanoutTimeout)
	defer cancel()
	if err := e.deps.Audit.Log(actx, event, detail); err != nil {
		metrics.FanoutErrors.WithLabelValues("audit").Inc()
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
