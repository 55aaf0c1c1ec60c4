package repo

import (
	"context"
	"database/sql"

	"planline/internal/domain"
)

// UpsertAllocation inserts or amends an allocation. Amendments keep created_at.
func (r Repo) UpsertAllocation(ctx context.Context, tx *sql.Tx, b domain.BudgetAllocation) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO budget_allocations(id,code,type,fiscal_year,allocated_amount,activity_id,procurement_process_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET code=excluded.code, type=excluded.type, fiscal_year=excluded.fiscal_year,
  allocated_amount=excluded.allocated_amount, activity_id=excluded.activity_id,
  procurement_process_id=excluded.procurement_process_id, updated_at=excluded.updated_at`,
		b.ID, b.Code, b.Type, b.FiscalYear, b.AllocatedAmount, nullableStringPtr(b.ActivityID), nullableStringPtr(b.ProcurementProcessID), b.CreatedAt, b.UpdatedAt)
	return err
}

const allocationColumns = `id,code,type,fiscal_year,allocated_amount,activity_id,procurement_process_id,created_at,updated_at`

func scanAllocation(s interface{ Scan(...any) error }) (domain.BudgetAllocation, error) {
	var b domain.BudgetAllocation
	var act, proc sql.NullString
	if err := s.Scan(&b.ID, &b.Code, &b.Type, &b.FiscalYear, &b.AllocatedAmount, &act, &proc, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return b, err
	}
	b.ActivityID = stringPtr(act)
	b.ProcurementProcessID = stringPtr(proc)
	return b, nil
}

func (r Repo) GetAllocation(ctx context.Context, tx *sql.Tx, id string) (domain.BudgetAllocation, error) {
	b, err := scanAllocation(r.q(tx).QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM budget_allocations WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

type AllocationFilters struct {
	ActivityID    string
	ProcurementID string
	FiscalYear    int
}

// ListAllocations returns allocations matching any of the given links (activity OR
// procurement), narrowed by fiscal year.
func (r Repo) ListAllocations(ctx context.Context, tx *sql.Tx, f AllocationFilters) ([]domain.BudgetAllocation, error) {
	var clauses []string
	var args []any
	switch {
	case f.ActivityID != "" && f.ProcurementID != "":
		clauses = append(clauses, "(activity_id=? OR procurement_process_id=?)")
		args = append(args, f.ActivityID, f.ProcurementID)
	case f.ActivityID != "":
		clauses = append(clauses, "activity_id=?")
		args = append(args, f.ActivityID)
	case f.ProcurementID != "":
		clauses = append(clauses, "procurement_process_id=?")
		args = append(args, f.ProcurementID)
	}
	if f.FiscalYear != 0 {
		clauses = append(clauses, "fiscal_year=?")
		args = append(args, f.FiscalYear)
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+allocationColumns+` FROM budget_allocations`+where(clauses)+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BudgetAllocation
	for rows.Next() {
		b, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, x domain.BudgetExecution) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO budget_executions(id,allocation_id,amount,executed_on,description,created_at) VALUES (?,?,?,?,?,?)`,
		x.ID, x.AllocationID, x.Amount, x.ExecutedOn, nullable(x.Description), x.CreatedAt)
	return err
}

func (r Repo) ListExecutions(ctx context.Context, tx *sql.Tx, allocationID string) ([]domain.BudgetExecution, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,allocation_id,amount,executed_on,COALESCE(description,''),created_at
FROM budget_executions WHERE allocation_id=? ORDER BY executed_on, id`, allocationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BudgetExecution
	for rows.Next() {
		var x domain.BudgetExecution
		if err := rows.Scan(&x.ID, &x.AllocationID, &x.Amount, &x.ExecutedOn, &x.Description, &x.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, rows.Err()
}
