package repo

import (
	"context"
	"database/sql"
	"fmt"

	"planline/internal/domain"
)

func subjectKey(r domain.ProgressReport) string {
	return r.SubjectKind() + ":" + r.SubjectID()
}

func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, p domain.ProgressReport) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO progress_reports(
  id,activity_id,indicator_id,subject_key,period_type,period,current_value,target_value,execution_percentage,
  achievements,difficulties,next_steps,status,reported_by,reviewed_by,review_comment,clone_of,version,
  created_at,updated_at,submitted_at,reviewed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, nullableStringPtr(p.ActivityID), nullableStringPtr(p.IndicatorID), subjectKey(p), p.PeriodType, p.Period,
		p.CurrentValue, p.TargetValue, nullableFloatPtr(p.ExecutionPercentage),
		nullable(p.Achievements), nullable(p.Difficulties), nullable(p.NextSteps), p.Status, p.ReportedBy,
		nullableStringPtr(p.ReviewedBy), nullable(p.ReviewComment), nullableStringPtr(p.CloneOf), p.Version,
		p.CreatedAt, p.UpdatedAt, nullableStringPtr(p.SubmittedAt), nullableStringPtr(p.ReviewedAt))
	if isUniqueViolation(err) {
		return domain.DuplicatePeriodReportError{SubjectID: p.SubjectID(), Period: p.Period}
	}
	return err
}

// UpdateReport writes p when the stored version still equals prevVersion. A lost race is
// ErrStaleVersion; a counted-period conflict caught by the partial unique index is a
// DuplicatePeriodReportError.
func (r Repo) UpdateReport(ctx context.Context, tx *sql.Tx, p domain.ProgressReport, prevVersion int) error {
	q := r.q(tx)
	res, err := q.ExecContext(ctx, `UPDATE progress_reports SET
  current_value=?, execution_percentage=?, achievements=?, difficulties=?, next_steps=?, status=?,
  reviewed_by=?, review_comment=?, version=?, updated_at=?, submitted_at=?, reviewed_at=?
WHERE id=? AND version=?`,
		p.CurrentValue, nullableFloatPtr(p.ExecutionPercentage), nullable(p.Achievements), nullable(p.Difficulties),
		nullable(p.NextSteps), p.Status, nullableStringPtr(p.ReviewedBy), nullable(p.ReviewComment), p.Version,
		p.UpdatedAt, nullableStringPtr(p.SubmittedAt), nullableStringPtr(p.ReviewedAt), p.ID, prevVersion)
	if isUniqueViolation(err) {
		return domain.DuplicatePeriodReportError{SubjectID: p.SubjectID(), Period: p.Period}
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM progress_reports WHERE id=?`, p.ID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrStaleVersion
}

const reportColumns = `id,activity_id,indicator_id,period_type,period,current_value,target_value,execution_percentage,
COALESCE(achievements,''),COALESCE(difficulties,''),COALESCE(next_steps,''),status,reported_by,reviewed_by,
COALESCE(review_comment,''),clone_of,version,created_at,updated_at,submitted_at,reviewed_at`

func scanReport(s interface{ Scan(...any) error }) (domain.ProgressReport, error) {
	var (
		p                                      domain.ProgressReport
		act, ind, reviewer, clone, subm, revAt sql.NullString
		pct                                    sql.NullFloat64
	)
	err := s.Scan(&p.ID, &act, &ind, &p.PeriodType, &p.Period, &p.CurrentValue, &p.TargetValue, &pct,
		&p.Achievements, &p.Difficulties, &p.NextSteps, &p.Status, &p.ReportedBy, &reviewer,
		&p.ReviewComment, &clone, &p.Version, &p.CreatedAt, &p.UpdatedAt, &subm, &revAt)
	if err != nil {
		return p, err
	}
	p.ActivityID = stringPtr(act)
	p.IndicatorID = stringPtr(ind)
	p.ReviewedBy = stringPtr(reviewer)
	p.CloneOf = stringPtr(clone)
	p.SubmittedAt = stringPtr(subm)
	p.ReviewedAt = stringPtr(revAt)
	if pct.Valid {
		v := pct.Float64
		p.ExecutionPercentage = &v
	}
	return p, nil
}

func (r Repo) GetReport(ctx context.Context, tx *sql.Tx, id string) (domain.ProgressReport, error) {
	p, err := scanReport(r.q(tx).QueryRowContext(ctx, `SELECT `+reportColumns+` FROM progress_reports WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

type ReportFilters struct {
	ActivityID  string
	IndicatorID string
	Period      string
	Status      string
	ReportedBy  string
	Limit       int
}

func (r Repo) ListReports(ctx context.Context, tx *sql.Tx, f ReportFilters) ([]domain.ProgressReport, error) {
	var clauses []string
	var args []any
	add := func(clause string, v string) {
		if v != "" {
			clauses = append(clauses, clause)
			args = append(args, v)
		}
	}
	add("activity_id=?", f.ActivityID)
	add("indicator_id=?", f.IndicatorID)
	add("period=?", f.Period)
	add("status=?", f.Status)
	add("reported_by=?", f.ReportedBy)
	query := `SELECT ` + reportColumns + ` FROM progress_reports` + where(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ProgressReport
	for rows.Next() {
		p, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PeriodSiblings returns every report sharing p's subject and period, p included.
func (r Repo) PeriodSiblings(ctx context.Context, tx *sql.Tx, p domain.ProgressReport) ([]domain.ProgressReport, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+reportColumns+` FROM progress_reports WHERE subject_key=? AND period=? ORDER BY id`,
		subjectKey(p), p.Period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ProgressReport
	for rows.Next() {
		s, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r Repo) InsertHistory(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO report_history(id,report_id,from_status,to_status,actor_id,at,comment) VALUES (?,?,?,?,?,?,?)`,
		h.ID, h.ReportID, nullable(h.FromStatus), h.ToStatus, h.ActorID, h.At, nullable(h.Comment))
	return err
}

func (r Repo) ListHistory(ctx context.Context, reportID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,report_id,COALESCE(from_status,''),to_status,actor_id,at,COALESCE(comment,'')
FROM report_history WHERE report_id=? ORDER BY at, rowid`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.ID, &h.ReportID, &h.FromStatus, &h.ToStatus, &h.ActorID, &h.At, &h.Comment); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
