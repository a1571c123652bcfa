package finance

import (
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/store/file"
)

// PlanLog is the fsynced NDJSON record of every emitted plan.
type PlanLog struct {
	app *file.Appender
}

// OpenPlanLog opens (creating if needed) the plans log. A torn final line
// from an earlier crash is cut off first.
func OpenPlanLog(path string) (*PlanLog, error) {
	res, err := file.Scan(path)
	if err != nil {
		return nil, fmt.Errorf("finance: plans log: %w", err)
	}
	if res.TornTail {
		if err := file.Truncate(path, res.ValidSize); err != nil {
			return nil, fmt.Errorf("finance: plans log repair: %w", err)
		}
	}
	app, err := file.OpenAppender(path)
	if err != nil {
		return nil, fmt.Errorf("finance: plans log: %w", err)
	}
	return &PlanLog{app: app}, nil
}

// Append makes one plan durable.
func (l *PlanLog) Append(plan domain.TransferPlan) error {
	if err := l.app.Append(plan); err != nil {
		return fmt.Errorf("finance: append plan %s: %w", plan.ID, err)
	}
	return nil
}

// Path returns the log location.
func (l *PlanLog) Path() string { return l.app.Path() }

// Close closes the log.
func (l *PlanLog) Close() error { return l.app.Close() }

// ReadPlans returns up to limit plans from the log at path, newest first.
// Unreadable lines are skipped.
func ReadPlans(path string, limit int) ([]domain.TransferPlan, error) {
	res, err := file.Scan(path)
	if err != nil {
		return nil, fmt.Errorf("finance: read plans: %w", err)
	}
	var out []domain.TransferPlan
	for i := len(res.Records) - 1; i >= 0; i-- {
		var p domain.TransferPlan
		if err := json.Unmarshal(res.Records[i].Line, &p); err != nil {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
