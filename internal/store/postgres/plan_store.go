package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

// PlanStore implements domain.PlanMirror.
type PlanStore struct {
	pool *pgxpool.Pool
}

// NewPlanStore creates a new PlanStore backed by the given connection pool.
func NewPlanStore(pool *pgxpool.Pool) *PlanStore {
	return &PlanStore{pool: pool}
}

// InsertPlans mirrors emitted transfer plans. Plans already present are
// skipped.
func (s *PlanStore) InsertPlans(ctx context.Context, plans []domain.TransferPlan) error {
	if len(plans) == 0 {
		return nil
	}
	const query = `
		INSERT INTO transfer_plans (id, from_wallet, to_wallet, amount_usd, reason, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, p := range plans {
		batch.Queue(query, p.ID, p.FromWallet, p.ToWallet, p.AmountUSD, string(p.Reason), p.Note, p.CreatedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range plans {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert plan %s: %w", plans[i].ID, err)
		}
	}
	return nil
}

// ListPlans returns mirrored plans, newest first.
func (s *PlanStore) ListPlans(ctx context.Context, opts domain.ListOpts) ([]domain.TransferPlan, error) {
	query, args := listQuery(
		`SELECT id, from_wallet, to_wallet, amount_usd, reason, note, created_at FROM transfer_plans WHERE 1=1`,
		nil, "created_at", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.TransferPlan
	for rows.Next() {
		var p domain.TransferPlan
		if err := rows.Scan(&p.ID, &p.FromWallet, &p.ToWallet, &p.AmountUSD, &p.Reason, &p.Note, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list plans rows: %w", err)
	}
	return plans, nil
}

var _ domain.PlanMirror = (*PlanStore)(nil)
