package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

// TradeStore implements domain.TradeMirror. Rows are keyed by ledger trade id,
// so re-inserting an already mirrored trade is a no-op.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, seq, signal_id, strategy_id, wallet_id, symbol, side,
	price, quantity, notional_usd, fee_usd, mode, realized_pnl_usd, compensates_id, ts`

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var pnl decimal.NullDecimal
		if err := rows.Scan(
			&t.ID, &t.Seq, &t.SignalID, &t.StrategyID, &t.WalletID, &t.Symbol, &t.Side,
			&t.Price, &t.Quantity, &t.NotionalUSD, &t.FeeUSD, &t.Mode, &pnl, &t.CompensatesID,
			&t.Timestamp,
		); err != nil {
			return nil, err
		}
		if pnl.Valid {
			v := pnl.Decimal
			t.RealizedPnLUSD = &v
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// InsertBatch mirrors trades in one pgx batch.
func (s *TradeStore) InsertBatch(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	const query = `
		INSERT INTO trades (
			id, seq, signal_id, strategy_id, wallet_id, symbol, side,
			price, quantity, notional_usd, fee_usd, mode,
			realized_pnl_usd, compensates_id, ts
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15
		) ON CONFLICT (id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, t := range trades {
		var pnl decimal.NullDecimal
		if t.RealizedPnLUSD != nil {
			pnl = decimal.NewNullDecimal(*t.RealizedPnLUSD)
		}
		batch.Queue(query,
			t.ID, t.Seq, t.SignalID, t.StrategyID, t.WalletID, t.Symbol, string(t.Side),
			t.Price, t.Quantity, t.NotionalUSD, t.FeeUSD, string(t.Mode),
			pnl, t.CompensatesID, t.Timestamp,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range trades {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert trade batch item %d (%s): %w", i, trades[i].ID, err)
		}
	}
	return nil
}

// ListByWallet returns a wallet's mirrored trades, newest first.
func (s *TradeStore) ListByWallet(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := listQuery(`SELECT `+tradeSelectCols+` FROM trades WHERE wallet_id = $1`, []any{wallet}, "ts", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by wallet: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by wallet: %w", err)
	}
	return trades, nil
}

// MaxSeq returns the highest mirrored ledger sequence, or 0 for an empty
// table. Reconcile uses it to backfill what the best-effort fan-out missed.
func (s *TradeStore) MaxSeq(ctx context.Context) (int64, error) {
	var seq *int64
	if err := s.pool.QueryRow(ctx, "SELECT MAX(seq) FROM trades").Scan(&seq); err != nil {
		return 0, fmt.Errorf("postgres: max trade seq: %w", err)
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

var _ domain.TradeMirror = (*TradeStore)(nil)
