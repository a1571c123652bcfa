package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeMirror copies ledger trades into a queryable database. The NDJSON
// ledger stays the source of truth.
type TradeMirror interface {
	InsertBatch(ctx context.Context, trades []Trade) error
	ListByWallet(ctx context.Context, wallet string, opts ListOpts) ([]Trade, error)
}

// PlanMirror copies emitted transfer plans into a queryable database.
type PlanMirror interface {
	InsertPlans(ctx context.Context, plans []TransferPlan) error
	ListPlans(ctx context.Context, opts ListOpts) ([]TransferPlan, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
