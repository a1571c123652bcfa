// Package ledger is the durable, append-only trade record. Each wallet has
// its own NDJSON file; a global sequence orders records across files.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/metrics"
	"github.com/alanyoungcy/riskgate/internal/store/file"
	"github.com/google/uuid"
)

const (
	filePrefix = "trades-"
	fileSuffix = ".ndjson"
	metaFile   = "ledger.meta.json"
)

var walletIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Store is safe for concurrent use. Appends are serialized globally; queries
// read an in-memory index rebuilt from the files at Open.
type Store struct {
	dir    string
	logger *slog.Logger

	appendMu  sync.Mutex
	appenders map[string]*file.Appender

	mu       sync.RWMutex
	trades   []domain.Trade // ascending Seq
	byID     map[string]int
	bySignal map[string]int
	seq      int64

	metaMu sync.Mutex
	meta   map[string]string
}

// Open replays every wallet file under dir. A torn or corrupt final line is
// cut off the file; a corrupt line in the middle is skipped and logged.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: mkdir %s: %w", dir, err)
	}
	s := &Store{
		dir:       dir,
		logger:    logger.With(slog.String("component", "ledger")),
		appenders: make(map[string]*file.Appender),
		byID:      make(map[string]int),
		bySignal:  make(map[string]int),
		meta:      make(map[string]string),
	}

	paths, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("ledger: list %s: %w", dir, err)
	}
	sort.Strings(paths)

	var all []domain.Trade
	for _, p := range paths {
		trades, err := s.replayFile(p)
		if err != nil {
			return nil, err
		}
		all = append(all, trades...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	for _, t := range all {
		if _, dup := s.byID[t.ID]; dup {
			s.logger.Warn("duplicate trade id in ledger, skipped", slog.String("trade_id", t.ID))
			continue
		}
		s.index(t)
	}

	if err := s.loadMeta(); err != nil {
		return nil, err
	}
	s.logger.Info("ledger opened",
		slog.String("dir", dir),
		slog.Int("files", len(paths)),
		slog.Int("trades", len(s.trades)),
		slog.Int64("seq", s.seq),
	)
	return s, nil
}

func (s *Store) replayFile(path string) ([]domain.Trade, error) {
	res, err := file.Scan(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: replay: %w", err)
	}

	cut := int64(-1)
	if res.TornTail {
		cut = res.ValidSize
	}
	var out []domain.Trade
	for i, rec := range res.Records {
		var t domain.Trade
		if err := json.Unmarshal(rec.Line, &t); err != nil || t.ID == "" || t.WalletID == "" {
			if i == len(res.Records)-1 {
				cut = rec.Offset
				break
			}
			s.logger.Error("corrupt ledger line skipped",
				slog.String("file", path),
				slog.Int64("offset", rec.Offset),
			)
			continue
		}
		out = append(out, t)
	}
	if cut >= 0 {
		s.logger.Warn("truncating incomplete ledger tail",
			slog.String("file", path),
			slog.Int64("size", cut),
		)
		if err := file.Truncate(path, cut); err != nil {
			return nil, fmt.Errorf("ledger: repair %s: %w", path, err)
		}
	}
	return out, nil
}

// index adds t to the in-memory view. Callers hold mu or own s exclusively.
func (s *Store) index(t domain.Trade) {
	s.trades = append(s.trades, t)
	pos := len(s.trades) - 1
	s.byID[t.ID] = pos
	if t.CompensatesID == "" && t.SignalID != "" {
		if _, ok := s.bySignal[t.SignalID]; !ok {
			s.bySignal[t.SignalID] = pos
		}
	}
	if t.Seq > s.seq {
		s.seq = t.Seq
	}
}

func (s *Store) appender(walletID string) (*file.Appender, error) {
	if a, ok := s.appenders[walletID]; ok {
		return a, nil
	}
	path := filepath.Join(s.dir, filePrefix+walletID+fileSuffix)
	_, statErr := os.Stat(path)
	a, err := file.OpenAppender(path)
	if err != nil {
		return nil, err
	}
	if os.IsNotExist(statErr) {
		if err := file.SyncDir(s.dir); err != nil {
			a.Close()
			return nil, err
		}
	}
	s.appenders[walletID] = a
	return a, nil
}

// Append assigns the next sequence number (and an id and timestamp when
// unset) and makes t durable. It returns the stored record. Any failure is
// reported as domain.ErrLedgerWriteFailure and leaves no record behind.
func (s *Store) Append(ctx context.Context, t domain.Trade) (domain.Trade, error) {
	if err := ctx.Err(); err != nil {
		return domain.Trade{}, fmt.Errorf("%w: %v", domain.ErrLedgerWriteFailure, err)
	}
	if !walletIDPattern.MatchString(t.WalletID) {
		return domain.Trade{}, fmt.Errorf("%w: invalid wallet id %q", domain.ErrLedgerWriteFailure, t.WalletID)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	_, dup := s.byID[t.ID]
	t.Seq = s.seq + 1
	s.mu.RUnlock()
	if dup {
		return domain.Trade{}, fmt.Errorf("%w: trade %s: %w", domain.ErrLedgerWriteFailure, t.ID, domain.ErrAlreadyExists)
	}

	a, err := s.appender(t.WalletID)
	if err != nil {
		metrics.LedgerAppendErrors.Inc()
		return domain.Trade{}, fmt.Errorf("%w: %v", domain.ErrLedgerWriteFailure, err)
	}
	start := time.Now()
	if err := a.Append(t); err != nil {
		metrics.LedgerAppendErrors.Inc()
		s.logger.ErrorContext(ctx, "ledger append failed",
			slog.String("trade_id", t.ID),
			slog.String("wallet_id", t.WalletID),
			slog.String("error", err.Error()),
		)
		return domain.Trade{}, fmt.Errorf("%w: %v", domain.ErrLedgerWriteFailure, err)
	}
	metrics.LedgerAppendSeconds.Observe(time.Since(start).Seconds())

	s.mu.Lock()
	s.index(t)
	s.mu.Unlock()
	return t, nil
}

// AppendCompensation records a trade that reverses originalID. The original
// is never edited. The reversal refunds the original fee and negates any
// realized PnL. note is logged with the correction.
func (s *Store) AppendCompensation(ctx context.Context, originalID, note string) (domain.Trade, error) {
	s.mu.RLock()
	pos, ok := s.byID[originalID]
	var orig domain.Trade
	if ok {
		orig = s.trades[pos]
	}
	s.mu.RUnlock()
	if !ok {
		return domain.Trade{}, fmt.Errorf("ledger: compensate %s: %w", originalID, domain.ErrNotFound)
	}
	if orig.CompensatesID != "" {
		return domain.Trade{}, fmt.Errorf("ledger: compensate %s: record is itself a compensation", originalID)
	}

	side := domain.SideSell
	if orig.Side.Direction() == domain.SideSell {
		side = domain.SideBuy
	}
	rev := domain.Trade{
		SignalID:      orig.SignalID,
		StrategyID:    orig.StrategyID,
		WalletID:      orig.WalletID,
		Symbol:        orig.Symbol,
		Side:          side,
		Price:         orig.Price,
		Quantity:      orig.Quantity,
		NotionalUSD:   orig.NotionalUSD,
		FeeUSD:        orig.FeeUSD.Neg(),
		Mode:          orig.Mode,
		CompensatesID: orig.ID,
	}
	if orig.RealizedPnLUSD != nil {
		neg := orig.RealizedPnLUSD.Neg()
		rev.RealizedPnLUSD = &neg
	}
	stored, err := s.Append(ctx, rev)
	if err != nil {
		return domain.Trade{}, err
	}
	s.logger.WarnContext(ctx, "compensating trade recorded",
		slog.String("trade_id", stored.ID),
		slog.String("compensates_id", orig.ID),
		slog.String("note", note),
	)
	return stored, nil
}

// Close closes every open wallet file.
func (s *Store) Close() error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	var firstErr error
	for id, a := range s.appenders {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ledger: close %s: %w", id, err)
		}
	}
	s.appenders = map[string]*file.Appender{}
	return firstErr
}
