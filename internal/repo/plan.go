package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"planline/internal/domain"
)

type targetsJSON struct {
	Monthly   []float64 `json:"monthly,omitempty"`
	Quarterly []float64 `json:"quarterly,omitempty"`
}

func encodeTargets(p domain.TargetPlan) (string, error) {
	b, err := json.Marshal(targetsJSON{Monthly: p.MonthlyTargets, Quarterly: p.QuarterlyTargets})
	return string(b), err
}

func decodeTargets(raw string, p *domain.TargetPlan) error {
	var t targetsJSON
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return err
	}
	p.MonthlyTargets, p.QuarterlyTargets = t.Monthly, t.Quarterly
	return nil
}

func (r Repo) InsertIndicator(ctx context.Context, tx *sql.Tx, ind domain.Indicator) error {
	targets, err := encodeTargets(ind.TargetPlan)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO indicators(id,axis_id,product_id,name,unit,reporting_frequency,fiscal_year,targets_json,annual_target,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ind.ID, nullable(ind.AxisID), nullable(ind.ProductID), ind.Name, nullable(ind.Unit), ind.ReportingFrequency,
		nullableYear(ind.FiscalYear), targets, ind.AnnualTarget, ind.CreatedAt)
	return err
}

const indicatorColumns = `id,COALESCE(axis_id,''),COALESCE(product_id,''),name,COALESCE(unit,''),reporting_frequency,COALESCE(fiscal_year,0),targets_json,annual_target,created_at`

func scanIndicator(s interface{ Scan(...any) error }) (domain.Indicator, error) {
	var ind domain.Indicator
	var targets string
	if err := s.Scan(&ind.ID, &ind.AxisID, &ind.ProductID, &ind.Name, &ind.Unit, &ind.ReportingFrequency, &ind.FiscalYear, &targets, &ind.AnnualTarget, &ind.CreatedAt); err != nil {
		return ind, err
	}
	return ind, decodeTargets(targets, &ind.TargetPlan)
}

func (r Repo) GetIndicator(ctx context.Context, tx *sql.Tx, id string) (domain.Indicator, error) {
	ind, err := scanIndicator(r.q(tx).QueryRowContext(ctx, `SELECT `+indicatorColumns+` FROM indicators WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.Indicator{}, ErrNotFound
	}
	return ind, err
}

func (r Repo) ListIndicators(ctx context.Context, productID string) ([]domain.Indicator, error) {
	var clauses []string
	var args []any
	if productID != "" {
		clauses = append(clauses, "product_id=?")
		args = append(args, productID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+indicatorColumns+` FROM indicators`+where(clauses)+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Indicator
	for rows.Next() {
		ind, err := scanIndicator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

func (r Repo) InsertActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	targets, err := encodeTargets(a.TargetPlan)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO activities(id,product_id,name,department_id,responsible_id,procurement_process_id,reporting_frequency,fiscal_year,targets_json,annual_target,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullable(a.ProductID), a.Name, nullable(a.DepartmentID), nullable(a.ResponsibleID), nullableStringPtr(a.ProcurementProcessID),
		a.ReportingFrequency, nullableYear(a.FiscalYear), targets, a.AnnualTarget, a.CreatedAt, a.UpdatedAt)
	return err
}

// SetActivityProcurement links (or with nil unlinks) the activity's procurement process.
func (r Repo) SetActivityProcurement(ctx context.Context, tx *sql.Tx, activityID string, procurementID *string, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE activities SET procurement_process_id=?, updated_at=? WHERE id=?`,
		nullableStringPtr(procurementID), now, activityID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const activityColumns = `id,COALESCE(product_id,''),name,COALESCE(department_id,''),COALESCE(responsible_id,''),procurement_process_id,reporting_frequency,COALESCE(fiscal_year,0),targets_json,annual_target,created_at,updated_at`

func scanActivity(s interface{ Scan(...any) error }) (domain.Activity, error) {
	var a domain.Activity
	var proc sql.NullString
	var targets string
	if err := s.Scan(&a.ID, &a.ProductID, &a.Name, &a.DepartmentID, &a.ResponsibleID, &proc, &a.ReportingFrequency, &a.FiscalYear, &targets, &a.AnnualTarget, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return a, err
	}
	a.ProcurementProcessID = stringPtr(proc)
	return a, decodeTargets(targets, &a.TargetPlan)
}

func (r Repo) GetActivity(ctx context.Context, tx *sql.Tx, id string) (domain.Activity, error) {
	a, err := scanActivity(r.q(tx).QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.Activity{}, ErrNotFound
	}
	return a, err
}

type ActivityFilters struct {
	DepartmentID  string
	ProcurementID string
}

func (r Repo) ListActivities(ctx context.Context, tx *sql.Tx, f ActivityFilters) ([]domain.Activity, error) {
	var clauses []string
	var args []any
	if f.DepartmentID != "" {
		clauses = append(clauses, "department_id=?")
		args = append(args, f.DepartmentID)
	}
	if f.ProcurementID != "" {
		clauses = append(clauses, "procurement_process_id=?")
		args = append(args, f.ProcurementID)
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+activityColumns+` FROM activities`+where(clauses)+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r Repo) UpsertProcurement(ctx context.Context, tx *sql.Tx, p domain.ProcurementProcess) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO procurement_processes(id,description,status,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description, status=excluded.status`,
		p.ID, p.Description, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProcurement(ctx context.Context, tx *sql.Tx, id string) (domain.ProcurementProcess, error) {
	var p domain.ProcurementProcess
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,description,status,created_at FROM procurement_processes WHERE id=?`, id).
		Scan(&p.ID, &p.Description, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProcurements(ctx context.Context) ([]domain.ProcurementProcess, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,description,status,created_at FROM procurement_processes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ProcurementProcess
	for rows.Next() {
		var p domain.ProcurementProcess
		if err := rows.Scan(&p.ID, &p.Description, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullableYear(y int) any {
	if y == 0 {
		return nil
	}
	return y
}
