package repo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"planline/internal/domain"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) UpsertRole(ctx context.Context, tx *sql.Tx, role domain.Role) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO roles(id, description, active) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description, active=excluded.active`,
		role.ID, nullable(role.Description), boolInt(role.Active))
	return err
}

// SetRolePermissions replaces the role's permission set.
func (r Repo) SetRolePermissions(ctx context.Context, tx *sql.Tx, roleID string, perms []domain.Permission) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, roleID); err != nil {
		return err
	}
	for _, p := range perms {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, action, resource) VALUES (?,?,?)`, p.String(), p.Action, p.Resource); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, p.String()); err != nil {
			return err
		}
	}
	return nil
}

// DeactivateRolesExcept marks every role not in keep as inactive and returns their ids.
func (r Repo) DeactivateRolesExcept(ctx context.Context, tx *sql.Tx, keep []string) ([]string, error) {
	q := r.q(tx)
	args := make([]any, 0, len(keep))
	for _, id := range keep {
		args = append(args, id)
	}
	cond := "active=1"
	if len(keep) > 0 {
		cond += " AND id NOT IN (" + strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",") + ")"
	}
	rows, err := q.QueryContext(ctx, `SELECT id FROM roles WHERE `+cond, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `UPDATE roles SET active=0 WHERE id=?`, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// LoadRoles returns every role with its permission pairs, sorted by id.
func (r Repo) LoadRoles(ctx context.Context, tx *sql.Tx) ([]domain.Role, error) {
	rows, err := r.q(tx).QueryContext(ctx, `
SELECT ro.id, COALESCE(ro.description,''), ro.active, COALESCE(p.action,''), COALESCE(p.resource,'')
FROM roles ro
LEFT JOIN role_permissions rp ON rp.role_id=ro.id
LEFT JOIN permissions p ON p.id=rp.permission_id
ORDER BY ro.id, p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []domain.Role
	for rows.Next() {
		var (
			id, desc, action, resource string
			active                     int
		)
		if err := rows.Scan(&id, &desc, &active, &action, &resource); err != nil {
			return nil, err
		}
		if len(roles) == 0 || roles[len(roles)-1].ID != id {
			roles = append(roles, domain.Role{ID: id, Description: desc, Active: active == 1})
		}
		if action != "" {
			last := &roles[len(roles)-1]
			last.Permissions = append(last.Permissions, domain.Permission{Action: action, Resource: resource})
		}
	}
	return roles, rows.Err()
}

// AssignRole gives the actor exactly one role, creating the actor when missing.
func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID, departmentID, now string) error {
	q := r.q(tx)
	var exists int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM roles WHERE id=?`, roleID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	_, err := q.ExecContext(ctx, `INSERT INTO actors(id, role_id, department_id, active, created_at) VALUES (?,?,?,1,?)
ON CONFLICT(id) DO UPDATE SET role_id=excluded.role_id, department_id=excluded.department_id`,
		actorID, roleID, nullable(departmentID), now)
	return err
}

func (r Repo) SetActorActive(ctx context.Context, tx *sql.Tx, actorID string, active bool) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE actors SET active=? WHERE id=?`, boolInt(active), actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetPrincipal(ctx context.Context, tx *sql.Tx, actorID string) (domain.Principal, error) {
	var (
		p          domain.Principal
		role, dept sql.NullString
		active     int
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT id, role_id, department_id, active FROM actors WHERE id=?`, actorID).
		Scan(&p.ID, &role, &dept, &active)
	if err == sql.ErrNoRows {
		return domain.Principal{}, ErrNotFound
	}
	if err != nil {
		return domain.Principal{}, err
	}
	p.RoleID = role.String
	p.DepartmentID = dept.String
	p.Active = active == 1
	return p, nil
}

func (r Repo) ListPrincipals(ctx context.Context) ([]domain.Principal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, COALESCE(role_id,''), COALESCE(department_id,''), active FROM actors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Principal
	for rows.Next() {
		var p domain.Principal
		var active int
		if err := rows.Scan(&p.ID, &p.RoleID, &p.DepartmentID, &active); err != nil {
			return nil, err
		}
		p.Active = active == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

// RolePermissionIDs returns the sorted action:resource strings of a role.
func RolePermissionIDs(role domain.Role) []string {
	out := make([]string, 0, len(role.Permissions))
	for _, p := range role.Permissions {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
