package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func line(id, side string) string {
	return fmt.Sprintf(`{"id":%q,"strategy_id":"s1","symbol":"ETH","side":%q,"notional_usd":"100"}`, id, side)
}

func collect(t *testing.T, src Source, ctx context.Context) ([]domain.TradeSignal, error) {
	t.Helper()
	out := make(chan domain.TradeSignal, 64)
	err := src.Run(ctx, out)
	close(out)
	var got []domain.TradeSignal
	for s := range out {
		got = append(got, s)
	}
	return got, err
}

func TestDecodeSignal(t *testing.T) {
	sig, err := DecodeSignal([]byte(`{"id":"a","symbol":"ETH","side":"LONG","notional_usd":"25.5","kind":"Take_Profit"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SideLong, sig.Side)
	assert.Equal(t, domain.KindTakeProfit, sig.Kind)
	assert.Equal(t, "25.5", sig.NotionalUSD.String())
	assert.False(t, sig.CreatedAt.IsZero())

	sig, err = DecodeSignal([]byte(line("b", "buy")))
	require.NoError(t, err)
	assert.Equal(t, domain.KindEntry, sig.Kind)

	for name, raw := range map[string]string{
		"bad json":      `{"id":`,
		"bad side":      line("c", "hold"),
		"zero notional": `{"id":"d","symbol":"ETH","side":"buy","notional_usd":"0"}`,
		"missing id":    `{"symbol":"ETH","side":"buy","notional_usd":"1"}`,
		"bad kind":      `{"id":"e","symbol":"ETH","side":"buy","notional_usd":"1","kind":"hedge"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSignal([]byte(raw))
			assert.ErrorIs(t, err, domain.ErrInvalidSignal)
		})
	}
}

func TestFileSource_ReadsToEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signals.ndjson")
	body := line("s1", "buy") + "\n" +
		"not json\n" +
		"\n" +
		line("s2", "sell") + "\n" +
		line("s3", "buy") // unterminated
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	got, err := collect(t, NewFileSource(path, 0, testLogger()), context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s1", got[0].ID)
	assert.Equal(t, "s2", got[1].ID)
	assert.Equal(t, domain.SideSell, got[1].Side)
}

func TestFileSource_MissingFile(t *testing.T) {
	_, err := collect(t, NewFileSource(filepath.Join(t.TempDir(), "nope"), 0, testLogger()), context.Background())
	assert.Error(t, err)
}

func TestFileSource_Follows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signals.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(line("s1", "buy")+"\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan domain.TradeSignal, 8)
	done := make(chan error, 1)
	go func() { done <- NewFileSource(path, 10*time.Millisecond, testLogger()).Run(ctx, out) }()

	first := <-out
	assert.Equal(t, "s1", first.ID)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line("s2", "sell")[:20])
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = f.WriteString(line("s2", "sell")[20:] + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case second := <-out:
		assert.Equal(t, "s2", second.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("appended signal not delivered")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type fakeBus struct {
	mu    sync.Mutex
	msgs  []domain.StreamMessage
	reads int
	err   error
}

func (b *fakeBus) Publish(context.Context, string, []byte) error { return nil }

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}

func (b *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, domain.StreamMessage{ID: fmt.Sprintf("%d-0", len(b.msgs)+1), Payload: payload})
	return nil
}

func (b *fakeBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	if b.err != nil {
		return nil, b.err
	}
	start := 0
	for i, m := range b.msgs {
		if m.ID == lastID {
			start = i + 1
		}
	}
	end := start + count
	if end > len(b.msgs) {
		end = len(b.msgs)
	}
	return append([]domain.StreamMessage(nil), b.msgs[start:end]...), nil
}

func TestStreamSource(t *testing.T) {
	bus := &fakeBus{}
	ctx := context.Background()
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamSignals, []byte(line("a", "buy"))))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamSignals, []byte("garbage")))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamSignals, []byte(line("b", "short"))))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	src := NewStreamSource(bus, domain.StreamSignals, "0", 2, 5*time.Millisecond, testLogger())

	out := make(chan domain.TradeSignal, 8)
	done := make(chan error, 1)
	go func() { done <- src.Run(runCtx, out) }()

	var ids []string
	for len(ids) < 2 {
		select {
		case s := <-out:
			ids = append(ids, s.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("stream signals not delivered")
		}
	}
	assert.Equal(t, []string{"a", "b"}, ids)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, "3-0", src.LastID())
}

func TestStreamSource_BusError(t *testing.T) {
	bus := &fakeBus{err: assert.AnError}
	src := NewStreamSource(bus, domain.StreamSignals, "", 0, 0, testLogger())
	_, err := collect(t, src, context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}
