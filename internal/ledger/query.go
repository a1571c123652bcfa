package ledger

import (
	"sort"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/shopspring/decimal"
)

// LastSeq returns the highest sequence number stored.
func (s *Store) LastSeq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// FindBySignal returns the first non-compensating trade booked for signalID.
func (s *Store) FindBySignal(signalID string) (domain.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.bySignal[signalID]
	if !ok {
		return domain.Trade{}, false
	}
	return s.trades[pos], true
}

// Get returns one trade by id.
func (s *Store) Get(id string) (domain.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.byID[id]
	if !ok {
		return domain.Trade{}, false
	}
	return s.trades[pos], true
}

// RecentTrades returns up to limit trades, newest first. An empty walletID
// means all wallets; limit <= 0 means no limit.
func (s *Store) RecentTrades(walletID string, limit int) []domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if walletID != "" && t.WalletID != walletID {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Trades returns trades at or after since in sequence order. A zero since
// returns the full history.
func (s *Store) Trades(walletID string, since time.Time) []domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Trade
	for _, t := range s.trades {
		if walletID != "" && t.WalletID != walletID {
			continue
		}
		if !since.IsZero() && t.Timestamp.Before(since) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// TradesAfter returns up to limit trades with Seq > seq, ascending.
func (s *Store) TradesAfter(seq int64, limit int) []domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Trade
	for _, t := range s.trades {
		if t.Seq <= seq {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// FeesSince sums fees of a wallet's trades with Seq > seq.
func (s *Store) FeesSince(walletID string, seq int64) decimal.Decimal {
	return s.FeesBetween(walletID, seq, -1)
}

// FeesBetween sums fees of a wallet's trades with after < Seq <= upto. A
// negative upto means no upper bound.
func (s *Store) FeesBetween(walletID string, after, upto int64) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := decimal.Zero
	for _, t := range s.trades {
		if t.Seq <= after || t.WalletID != walletID {
			continue
		}
		if upto >= 0 && t.Seq > upto {
			break
		}
		sum = sum.Add(t.FeeUSD)
	}
	return sum
}

// PnLStats aggregates a wallet's trades (all wallets when walletID is empty)
// booked at or after since.
func (s *Store) PnLStats(walletID string, since time.Time) domain.PnLStats {
	st := domain.PnLStats{
		WalletID:    walletID,
		Since:       since,
		RealizedUSD: decimal.Zero,
		FeesUSD:     decimal.Zero,
		VolumeUSD:   decimal.Zero,
		WinRate:     decimal.Zero,
	}
	for _, t := range s.Trades(walletID, since) {
		st.NbTrades++
		st.FeesUSD = st.FeesUSD.Add(t.FeeUSD)
		if t.CompensatesID != "" {
			st.VolumeUSD = st.VolumeUSD.Sub(t.NotionalUSD)
		} else {
			st.VolumeUSD = st.VolumeUSD.Add(t.NotionalUSD)
		}
		if t.RealizedPnLUSD == nil {
			continue
		}
		pnl := *t.RealizedPnLUSD
		st.RealizedUSD = st.RealizedUSD.Add(pnl)
		if t.CompensatesID != "" {
			continue
		}
		switch {
		case pnl.IsPositive():
			st.Winners++
		case pnl.IsNegative():
			st.Losers++
		}
	}
	if closed := st.Winners + st.Losers; closed > 0 {
		st.WinRate = decimal.NewFromInt(int64(st.Winners)).
			Div(decimal.NewFromInt(int64(closed))).Round(4)
	}
	return st
}

type posKey struct{ wallet, symbol string }

// Positions rebuilds open inventory with an average-cost model. Buys add
// quantity at their price; sells reduce it at the running average. Flat
// positions are omitted. Results are ordered by wallet then symbol.
func (s *Store) Positions(walletID string) []domain.Position {
	book := s.book(walletID)
	out := make([]domain.Position, 0, len(book))
	for _, p := range book {
		if p.Quantity.IsPositive() {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out
}

// Position returns the open position for one wallet and symbol.
func (s *Store) Position(walletID, symbol string) (domain.Position, bool) {
	p, ok := s.book(walletID)[posKey{walletID, symbol}]
	if !ok || !p.Quantity.IsPositive() {
		return domain.Position{}, false
	}
	return *p, true
}

// ExitPnL is the realized PnL, before fees, of selling qty of symbol at price
// against the wallet's average cost. Quantity beyond the open position
// realizes nothing.
func (s *Store) ExitPnL(walletID, symbol string, qty, price decimal.Decimal) decimal.Decimal {
	p, ok := s.Position(walletID, symbol)
	if !ok {
		return decimal.Zero
	}
	closed := decimal.Min(qty, p.Quantity)
	return price.Sub(p.AvgPrice).Mul(closed).Round(8)
}

func (s *Store) book(walletID string) map[posKey]*domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	book := map[posKey]*domain.Position{}
	for _, t := range s.trades {
		if walletID != "" && t.WalletID != walletID {
			continue
		}
		k := posKey{t.WalletID, t.Symbol}
		p, ok := book[k]
		if !ok {
			p = &domain.Position{WalletID: t.WalletID, Symbol: t.Symbol,
				Quantity: decimal.Zero, AvgPrice: decimal.Zero, CostUSD: decimal.Zero}
			book[k] = p
		}
		switch t.Side.Direction() {
		case domain.SideBuy:
			p.Quantity = p.Quantity.Add(t.Quantity)
			p.CostUSD = p.CostUSD.Add(t.Quantity.Mul(t.Price))
		case domain.SideSell:
			if !p.Quantity.IsPositive() {
				continue
			}
			reduce := decimal.Min(t.Quantity, p.Quantity)
			p.CostUSD = p.CostUSD.Sub(reduce.Mul(p.AvgPrice))
			p.Quantity = p.Quantity.Sub(reduce)
		}
		if p.Quantity.IsPositive() {
			p.AvgPrice = p.CostUSD.Div(p.Quantity).Round(8)
		} else {
			p.Quantity, p.AvgPrice, p.CostUSD = decimal.Zero, decimal.Zero, decimal.Zero
		}
	}
	return book
}

func sortPositions(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].WalletID != ps[j].WalletID {
			return ps[i].WalletID < ps[j].WalletID
		}
		return ps[i].Symbol < ps[j].Symbol
	})
}
