package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"planline/internal/config"
	"planline/internal/events"
	"planline/internal/repo"
)

// ProvisionResult summarizes one provisioning run.
type ProvisionResult struct {
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles"`
	Deactivated []string `json:"deactivated,omitempty"`
	Admin       string   `json:"admin,omitempty"`
}

// Provision applies cfg to the database in one transaction: it stores the config, upserts
// every declared role with exactly its permission set, deactivates roles no longer declared
// and, when adminID is set, gives that actor the administrator role.
func Provision(ctx context.Context, r repo.Repo, cfg *config.Config, adminID string) (ProvisionResult, error) {
	if cfg == nil {
		return ProvisionResult{}, errors.New("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return ProvisionResult{}, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res := ProvisionResult{OrgID: cfg.Organization.ID, Admin: adminID}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if err := r.UpsertOrgConfig(ctx, tx, cfg.Organization.ID, cfg); err != nil {
		return res, fmt.Errorf("store org config: %w", err)
	}
	for _, role := range cfg.Roles() {
		if err := r.UpsertRole(ctx, tx, role); err != nil {
			return res, fmt.Errorf("upsert role %s: %w", role.ID, err)
		}
		if err := r.SetRolePermissions(ctx, tx, role.ID, role.Permissions); err != nil {
			return res, fmt.Errorf("seed permissions for %s: %w", role.ID, err)
		}
		res.Roles = append(res.Roles, role.ID)
	}
	res.Deactivated, err = r.DeactivateRolesExcept(ctx, tx, res.Roles)
	if err != nil {
		return res, fmt.Errorf("deactivate roles: %w", err)
	}
	if adminID != "" {
		if err := r.AssignRole(ctx, tx, adminID, config.AdministratorRole, "", now); err != nil {
			return res, fmt.Errorf("assign administrator: %w", err)
		}
		if err := r.SetActorActive(ctx, tx, adminID, true); err != nil {
			return res, err
		}
	}
	w := events.Writer{}
	if err := w.Append(ctx, tx, events.RBACProvisioned, "organization", cfg.Organization.ID, adminID, events.EventPayload{
		"roles": res.Roles, "deactivated": res.Deactivated,
	}); err != nil {
		return res, err
	}
	return res, tx.Commit()
}

// ResolveConfig picks the effective config. A planline.yml in the workspace wins; otherwise
// the config stored by the last provisioning run for orgOverride (or the only one) is used.
func ResolveConfig(ctx context.Context, workspace, orgOverride string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		if orgOverride != "" && cfg.Organization.ID != orgOverride {
			return nil, fmt.Errorf("workspace config is for organization %s, not %s", cfg.Organization.ID, orgOverride)
		}
		return cfg, nil
	}
	cfg, err = r.GetOrgConfig(ctx, orgOverride)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, errors.New("organization not provisioned; run `pl init` then `pl provision`")
	}
	return cfg, err
}
