package executor

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

type dedupRecord struct {
	result domain.ExecutionResult
	err    error
	at     time.Time
}

// Dedup collapses repeated and concurrent submissions of one signal id onto
// a single execution. The first caller runs; later callers wait for it and
// receive its terminal result. Results are kept for ttl. It is safe for
// concurrent use.
type Dedup struct {
	mu       sync.Mutex
	done     map[string]dedupRecord
	inflight map[string]chan struct{}
	ttl      time.Duration
}

// NewDedup creates a Dedup that remembers results for ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		done:     make(map[string]dedupRecord),
		inflight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// Claim is the outcome of Acquire. When Dup is set, Result and Err are the
// recorded outcome of the earlier execution. Otherwise the holder owns the
// execution and must call Finish exactly once.
type Claim struct {
	Dup    bool
	Result domain.ExecutionResult
	Err    error

	finish func(domain.ExecutionResult, error)
}

// Finish records the owner's terminal result and wakes waiting callers.
func (c *Claim) Finish(res domain.ExecutionResult, err error) {
	if c.finish != nil {
		c.finish(res, err)
		c.finish = nil
	}
}

// Acquire claims signalID, waiting for an in-flight execution of the same id
// to finish first.
func (d *Dedup) Acquire(ctx context.Context, signalID string) (*Claim, error) {
	for {
		d.mu.Lock()
		if rec, ok := d.done[signalID]; ok && time.Since(rec.at) < d.ttl {
			d.mu.Unlock()
			return &Claim{Dup: true, Result: rec.result, Err: rec.err}, nil
		}
		wait, running := d.inflight[signalID]
		if !running {
			ch := make(chan struct{})
			d.inflight[signalID] = ch
			d.mu.Unlock()
			return &Claim{finish: func(res domain.ExecutionResult, err error) {
				d.mu.Lock()
				d.done[signalID] = dedupRecord{result: res, err: err, at: time.Now()}
				delete(d.inflight, signalID)
				d.mu.Unlock()
				close(ch)
			}}, nil
		}
		d.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Cleanup removes results older than the TTL. This should be called
// periodically to prevent unbounded memory growth.
func (d *Dedup) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, rec := range d.done {
		if time.Since(rec.at) >= d.ttl {
			delete(d.done, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of remembered results.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.done)
}
