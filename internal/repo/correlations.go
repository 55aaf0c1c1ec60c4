package repo

import (
	"context"
	"database/sql"
	"fmt"

	"planline/internal/domain"
)

const correlationColumns = `id,activity_id,procurement_process_id,budget_allocation_id,COALESCE(department_id,''),COALESCE(fiscal_year,0),
score,status,linkage,budget_alignment,timeliness,allocated_amount,executed_amount,overspent,current_period,computed_at,revision`

func scanCorrelation(s interface{ Scan(...any) error }) (domain.Correlation, error) {
	var c domain.Correlation
	var overspent int
	err := s.Scan(&c.ID, &c.ActivityID, &c.ProcurementProcessID, &c.BudgetAllocationID, &c.DepartmentID, &c.FiscalYear,
		&c.Score, &c.Status, &c.Signals.Linkage, &c.Signals.BudgetAlignment, &c.Signals.Timeliness,
		&c.AllocatedAmount, &c.ExecutedAmount, &overspent, &c.CurrentPeriod, &c.ComputedAt, &c.Revision)
	c.Overspent = overspent == 1
	return c, err
}

func (r Repo) GetCorrelation(ctx context.Context, tx *sql.Tx, id string) (domain.Correlation, error) {
	c, err := scanCorrelation(r.q(tx).QueryRowContext(ctx, `SELECT `+correlationColumns+` FROM correlations WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// SaveCorrelation upserts the record and appends the revision to correlation_history.
func (r Repo) SaveCorrelation(ctx context.Context, tx *sql.Tx, c domain.Correlation) error {
	q := r.q(tx)
	_, err := q.ExecContext(ctx, `INSERT INTO correlations(`+insertCorrelationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET department_id=excluded.department_id, fiscal_year=excluded.fiscal_year,
  score=excluded.score, status=excluded.status, linkage=excluded.linkage, budget_alignment=excluded.budget_alignment,
  timeliness=excluded.timeliness, allocated_amount=excluded.allocated_amount, executed_amount=excluded.executed_amount,
  overspent=excluded.overspent, current_period=excluded.current_period, computed_at=excluded.computed_at,
  revision=excluded.revision`,
		c.ID, c.ActivityID, c.ProcurementProcessID, c.BudgetAllocationID, nullable(c.DepartmentID), nullableYear(c.FiscalYear),
		c.Score, c.Status, c.Signals.Linkage, c.Signals.BudgetAlignment, c.Signals.Timeliness,
		c.AllocatedAmount, c.ExecutedAmount, boolInt(c.Overspent), c.CurrentPeriod, c.ComputedAt, c.Revision)
	if err != nil {
		return fmt.Errorf("save correlation: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO correlation_history(correlation_id,revision,score,status,linkage,budget_alignment,timeliness,
allocated_amount,executed_amount,overspent,current_period,computed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Revision, c.Score, c.Status, c.Signals.Linkage, c.Signals.BudgetAlignment, c.Signals.Timeliness,
		c.AllocatedAmount, c.ExecutedAmount, boolInt(c.Overspent), c.CurrentPeriod, c.ComputedAt)
	if err != nil {
		return fmt.Errorf("append correlation history: %w", err)
	}
	return nil
}

const insertCorrelationColumns = `id,activity_id,procurement_process_id,budget_allocation_id,department_id,fiscal_year,
score,status,linkage,budget_alignment,timeliness,allocated_amount,executed_amount,overspent,current_period,computed_at,revision`

type CorrelationFilters struct {
	ActivityID   string
	DepartmentID string
	FiscalYear   int
	Status       string
}

func (r Repo) ListCorrelations(ctx context.Context, f CorrelationFilters) ([]domain.Correlation, error) {
	return r.listCorrelations(ctx, nil, f)
}

// ActivityCorrelations returns the stored records of an activity, including triples whose
// links have since been removed.
func (r Repo) ActivityCorrelations(ctx context.Context, tx *sql.Tx, activityID string) ([]domain.Correlation, error) {
	return r.listCorrelations(ctx, tx, CorrelationFilters{ActivityID: activityID})
}

func (r Repo) listCorrelations(ctx context.Context, tx *sql.Tx, f CorrelationFilters) ([]domain.Correlation, error) {
	var clauses []string
	var args []any
	if f.ActivityID != "" {
		clauses = append(clauses, "activity_id=?")
		args = append(args, f.ActivityID)
	}
	if f.DepartmentID != "" {
		clauses = append(clauses, "department_id=?")
		args = append(args, f.DepartmentID)
	}
	if f.FiscalYear != 0 {
		clauses = append(clauses, "fiscal_year=?")
		args = append(args, f.FiscalYear)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+correlationColumns+` FROM correlations`+where(clauses)+` ORDER BY activity_id, budget_allocation_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Correlation
	for rows.Next() {
		c, err := scanCorrelation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CorrelationHistory returns every recorded revision of a correlation, oldest first.
func (r Repo) CorrelationHistory(ctx context.Context, id string) ([]domain.Correlation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT c.id,c.activity_id,c.procurement_process_id,c.budget_allocation_id,
COALESCE(c.department_id,''),COALESCE(c.fiscal_year,0),h.score,h.status,h.linkage,h.budget_alignment,h.timeliness,
h.allocated_amount,h.executed_amount,h.overspent,h.current_period,h.computed_at,h.revision
FROM correlation_history h JOIN correlations c ON c.id=h.correlation_id
WHERE h.correlation_id=? ORDER BY h.revision`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Correlation
	for rows.Next() {
		c, err := scanCorrelation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DirtyActivity is a queued recomputation request.
type DirtyActivity struct {
	ActivityID string
	Reason     string
	MarkedAt   string
	Attempts   int
}

// MarkDirty queues the activity for recomputation. Re-marking refreshes the reason and
// timestamp so a drain that started earlier does not clear it.
func (r Repo) MarkDirty(ctx context.Context, tx *sql.Tx, activityID, reason, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO correlation_queue(activity_id,reason,marked_at) VALUES (?,?,?)
ON CONFLICT(activity_id) DO UPDATE SET reason=excluded.reason, marked_at=excluded.marked_at`, activityID, reason, now)
	return err
}

// DirtyActivities returns up to limit queued activities, fewest attempts and oldest first.
func (r Repo) DirtyActivities(ctx context.Context, limit int) ([]DirtyActivity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT activity_id,reason,marked_at,attempts FROM correlation_queue
ORDER BY attempts, marked_at, activity_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DirtyActivity
	for rows.Next() {
		var d DirtyActivity
		if err := rows.Scan(&d.ActivityID, &d.Reason, &d.MarkedAt, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClearDirty removes the queue entry unless it was re-marked after markedAt. An empty
// markedAt removes it unconditionally.
func (r Repo) ClearDirty(ctx context.Context, tx *sql.Tx, activityID, markedAt string) error {
	if markedAt == "" {
		_, err := r.q(tx).ExecContext(ctx, `DELETE FROM correlation_queue WHERE activity_id=?`, activityID)
		return err
	}
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM correlation_queue WHERE activity_id=? AND marked_at=?`, activityID, markedAt)
	return err
}

func (r Repo) FailDirty(ctx context.Context, activityID, reason string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE correlation_queue SET attempts=attempts+1, last_error=? WHERE activity_id=?`, reason, activityID)
	return err
}

func (r Repo) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM correlation_queue`).Scan(&n)
	return n, err
}
