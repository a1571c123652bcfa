package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

const contentTypeNDJSON = "application/x-ndjson"

// Archiver implements domain.Archiver. Records are written as JSONL objects
// partitioned by month:
//
//	{prefix}/trades/2026-01/000000000001-000000000042.jsonl
//	{prefix}/plans/2026-01/20260131T000000Z-3f2a9c1e.jsonl
//
// Object names derive from the batch contents, so retrying a batch after a
// crash targets the same objects. With a stater, an object already stored
// at full size is skipped and a short one is rewritten.
type Archiver struct {
	writer domain.BlobWriter
	stater domain.BlobStater
	prefix string
}

// NewArchiver creates an Archiver. stater may be nil.
func NewArchiver(writer domain.BlobWriter, stater domain.BlobStater, prefix string) *Archiver {
	if prefix == "" {
		prefix = "archive"
	}
	return &Archiver{writer: writer, stater: stater, prefix: prefix}
}

// ArchiveTrades uploads trades and returns how many are now archived.
func (a *Archiver) ArchiveTrades(ctx context.Context, trades []domain.Trade) (int64, error) {
	groups := groupByMonth(trades, func(t domain.Trade) time.Time { return t.Timestamp })
	var n int64
	for _, g := range groups {
		sort.Slice(g.items, func(i, j int) bool { return g.items[i].Seq < g.items[j].Seq })
		first, last := g.items[0].Seq, g.items[len(g.items)-1].Seq
		key := path.Join(a.prefix, "trades", g.month, fmt.Sprintf("%012d-%012d.jsonl", first, last))
		if err := put(ctx, a, key, g.items); err != nil {
			return n, fmt.Errorf("s3blob: archive trades: %w", err)
		}
		n += int64(len(g.items))
	}
	return n, nil
}

// ArchivePlans uploads transfer plans and returns how many are now archived.
func (a *Archiver) ArchivePlans(ctx context.Context, plans []domain.TransferPlan) (int64, error) {
	groups := groupByMonth(plans, func(p domain.TransferPlan) time.Time { return p.CreatedAt })
	var n int64
	for _, g := range groups {
		sort.SliceStable(g.items, func(i, j int) bool { return g.items[i].CreatedAt.Before(g.items[j].CreatedAt) })
		head := g.items[0]
		id := head.ID
		if len(id) > 8 {
			id = id[:8]
		}
		name := fmt.Sprintf("%s-%s.jsonl", head.CreatedAt.UTC().Format("20060102T150405Z"), id)
		key := path.Join(a.prefix, "plans", g.month, name)
		if err := put(ctx, a, key, g.items); err != nil {
			return n, fmt.Errorf("s3blob: archive plans: %w", err)
		}
		n += int64(len(g.items))
	}
	return n, nil
}

func put[T any](ctx context.Context, a *Archiver, key string, records []T) error {
	payload, err := marshalJSONL(records)
	if err != nil {
		return err
	}
	if a.stater != nil {
		info, err := a.stater.Stat(ctx, key)
		switch {
		case err == nil && info.Size == int64(len(payload)):
			return nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return err
		}
	}
	if int64(len(payload)) > minPartSize {
		return a.writer.PutMultipart(ctx, key, bytes.NewReader(payload), minPartSize)
	}
	return a.writer.Put(ctx, key, bytes.NewReader(payload), contentTypeNDJSON)
}

type monthGroup[T any] struct {
	month string
	items []T
}

// groupByMonth buckets records by UTC year-month, oldest month first.
func groupByMonth[T any](records []T, at func(T) time.Time) []monthGroup[T] {
	idx := make(map[string]int)
	var groups []monthGroup[T]
	for _, r := range records {
		m := at(r).UTC().Format("2006-01")
		i, ok := idx[m]
		if !ok {
			i = len(groups)
			idx[m] = i
			groups = append(groups, monthGroup[T]{month: m})
		}
		groups[i].items = append(groups[i].items, r)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].month < groups[j].month })
	return groups
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
