package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/finance"
	"github.com/alanyoungcy/riskgate/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseCron_Next(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 7, 30, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 1, 15, 10, 8, 0, 0, time.UTC)},
		{"0 3 1 * *", time.Date(2026, 2, 1, 3, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 1, 15, 10, 15, 0, 0, time.UTC)},
		{"0 0 * * *", time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)},
		{"30 9-17 * * 1-5", time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"0 12 * * 0", time.Date(2026, 1, 18, 12, 0, 0, 0, time.UTC)},
		{"5,10 10 15 1 *", time.Date(2026, 1, 15, 10, 10, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := parseCron(tt.expr)
			require.NoError(t, err)
			got, err := s.next(base)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCron_Invalid(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "60 * * * *", "a * * * *", "*/0 * * * *", "5-1 * * * *", "0 0 31 2 *x"} {
		_, err := parseCron(expr)
		assert.Error(t, err, expr)
	}

	// Valid fields that never match.
	s, err := parseCron("0 0 31 2 *")
	require.NoError(t, err)
	_, err = s.next(time.Now())
	assert.Error(t, err)
}

type fakeBlobArchiver struct {
	mu       sync.Mutex
	trades   [][]domain.Trade
	plans    [][]domain.TransferPlan
	failFrom int64
}

func (f *fakeBlobArchiver) ArchiveTrades(_ context.Context, ts []domain.Trade) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFrom > 0 && ts[0].Seq >= f.failFrom {
		return 0, errors.New("upload failed")
	}
	f.trades = append(f.trades, ts)
	return int64(len(ts)), nil
}

func (f *fakeBlobArchiver) ArchivePlans(_ context.Context, ps []domain.TransferPlan) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = append(f.plans, ps)
	return int64(len(ps)), nil
}

func seedLedger(t *testing.T, n int) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	for i := 0; i < n; i++ {
		_, err := store.Append(context.Background(), domain.Trade{
			SignalID: fmt.Sprintf("sig-%d", i), WalletID: "main", Symbol: "ETH", Side: domain.SideBuy,
			Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), NotionalUSD: decimal.NewFromInt(100),
			FeeUSD: decimal.Zero, Mode: domain.ModePaper,
		})
		require.NoError(t, err)
	}
	return store
}

func TestArchiver_BatchesAndCursor(t *testing.T) {
	store := seedLedger(t, 5)
	blob := &fakeBlobArchiver{}
	a := NewArchiver(blob, store, store, "", 2, testLogger())

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Trades)
	require.Len(t, blob.trades, 3)
	assert.Len(t, blob.trades[2], 1)
	assert.Equal(t, int64(5), store.CursorSeq(ledger.CursorArchiveSeq))

	// Nothing new: a second run uploads nothing.
	res, err = a.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Trades)
	assert.Len(t, blob.trades, 3)
}

func TestArchiver_ResumesAfterFailure(t *testing.T) {
	store := seedLedger(t, 4)
	blob := &fakeBlobArchiver{failFrom: 3}
	a := NewArchiver(blob, store, store, "", 2, testLogger())

	_, err := a.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(2), store.CursorSeq(ledger.CursorArchiveSeq))

	blob.failFrom = 0
	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Trades)
	assert.Equal(t, int64(3), blob.trades[len(blob.trades)-1][0].Seq)
}

func TestArchiver_Plans(t *testing.T) {
	store := seedLedger(t, 0)
	path := filepath.Join(t.TempDir(), "plans.ndjson")
	log, err := finance.OpenPlanLog(path)
	require.NoError(t, err)
	defer log.Close()

	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, log.Append(domain.TransferPlan{
			ID: fmt.Sprintf("p%d", i), FromWallet: "main", ToWallet: "vault",
			AmountUSD: decimal.NewFromInt(10), Reason: domain.PlanSweep, CreatedAt: t0.Add(time.Duration(i) * time.Hour),
		}))
	}

	blob := &fakeBlobArchiver{}
	a := NewArchiver(blob, store, store, path, 0, testLogger())
	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Plans)
	require.Len(t, blob.plans, 1)
	assert.Equal(t, "p0", blob.plans[0][0].ID)

	require.NoError(t, log.Append(domain.TransferPlan{
		ID: "p3", FromWallet: "main", ToWallet: "vault", AmountUSD: decimal.NewFromInt(1),
		Reason: domain.PlanSweep, CreatedAt: t0.Add(5 * time.Hour),
	}))
	res, err = a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Plans)
	assert.Equal(t, "p3", blob.plans[1][0].ID)
}

func TestOrchestrator_EveryAndShutdown(t *testing.T) {
	o := NewOrchestrator(testLogger())
	var runs atomic.Int32
	o.Every("tick", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return errors.New("logged, not fatal")
	})
	require.NoError(t, o.Cron("nightly", "0 0 * * *", func(context.Context) error { return nil }))
	assert.Equal(t, 2, o.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestOrchestrator_FailingJobStopsOthers(t *testing.T) {
	o := NewOrchestrator(testLogger())
	o.Add("broken", func(context.Context) error { return errors.New("boom") })
	o.Add("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: boom")
}

func TestOrchestrator_BadCron(t *testing.T) {
	o := NewOrchestrator(testLogger())
	assert.Error(t, o.Cron("bad", "nope", func(context.Context) error { return nil }))
	assert.Zero(t, o.Len())
}
