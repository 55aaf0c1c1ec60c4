package auth

import (
	"fmt"
	"sort"
	"strings"

	"planline/internal/domain"
)

// Actions.
const (
	ActionCreate  = "create"
	ActionRead    = "read"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionManage  = "manage"
)

// Resources. Scope tiers are separate resources: progress-report grants access to every
// report, my-reports only to the caller's own.
const (
	ResourceProgressReport = "progress-report"
	ResourceMyReports      = "my-reports"
	ResourceIndicator      = "indicator"
	ResourceActivity       = "activity"
	ResourceProcurement    = "procurement"
	ResourceBudget         = "budget"
	ResourceCorrelation    = "correlation"
	ResourceCompliance     = "compliance"
	ResourceRBAC           = "rbac"
	ResourceEvents         = "events"
)

// Scope narrows a check to one owner and/or department. Empty fields are unchecked.
// A principal assigned without a department is org-wide and passes any department scope;
// one assigned to a department passes only its own.
type Scope struct {
	OwnerID      string
	DepartmentID string
}

type roleEntry struct {
	active bool
	perms  map[string]struct{}
}

// Evaluator answers permission questions from a role -> permission set snapshot.
// Build one per request scope; it never queries storage.
type Evaluator struct {
	roles map[string]roleEntry
}

// NewEvaluator snapshots roles. Later duplicates of the same role id replace earlier ones.
func NewEvaluator(roles []domain.Role) Evaluator {
	m := make(map[string]roleEntry, len(roles))
	for _, r := range roles {
		perms := make(map[string]struct{}, len(r.Permissions))
		for _, p := range r.Permissions {
			perms[key(p.Action, p.Resource)] = struct{}{}
		}
		m[r.ID] = roleEntry{active: r.Active, perms: perms}
	}
	return Evaluator{roles: m}
}

func key(action, resource string) string {
	return action + ":" + resource
}

// CanPerform reports whether the principal's role holds exactly (action, resource) and the
// scope matches. It never errors: unknown or inactive roles and principals yield false.
func (e Evaluator) CanPerform(p domain.Principal, action, resource string, scope Scope) bool {
	if !p.Active || p.ID == "" {
		return false
	}
	role, ok := e.roles[p.RoleID]
	if !ok || !role.active {
		return false
	}
	if _, ok := role.perms[key(action, resource)]; !ok {
		return false
	}
	if scope.OwnerID != "" && scope.OwnerID != p.ID {
		return false
	}
	if scope.DepartmentID != "" && !p.OrgWide() && scope.DepartmentID != p.DepartmentID {
		return false
	}
	return true
}

// Require is CanPerform surfaced as a PermissionDeniedError.
func (e Evaluator) Require(p domain.Principal, action, resource string, scope Scope) error {
	if e.CanPerform(p, action, resource, scope) {
		return nil
	}
	return domain.PermissionDeniedError{
		ActorID:    p.ID,
		Permission: key(action, resource),
		Reason:     e.denyReason(p, action, resource, scope),
	}
}

// RequireAny passes when at least one of the pairs is granted.
func (e Evaluator) RequireAny(p domain.Principal, scope Scope, pairs ...domain.Permission) error {
	names := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		if e.CanPerform(p, pair.Action, pair.Resource, scope) {
			return nil
		}
		names = append(names, pair.String())
	}
	return domain.PermissionDeniedError{ActorID: p.ID, Permission: strings.Join(names, "|")}
}

// Permissions lists the pairs held by the principal's role, or nil when it holds none.
func (e Evaluator) Permissions(p domain.Principal) []string {
	role, ok := e.roles[p.RoleID]
	if !ok || !role.active || !p.Active {
		return nil
	}
	out := make([]string, 0, len(role.perms))
	for k := range role.perms {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (e Evaluator) denyReason(p domain.Principal, action, resource string, scope Scope) string {
	if !p.Active {
		return "principal inactive"
	}
	role, ok := e.roles[p.RoleID]
	switch {
	case !ok:
		return fmt.Sprintf("unknown role %q", p.RoleID)
	case !role.active:
		return fmt.Sprintf("role %s inactive", p.RoleID)
	}
	if _, ok := role.perms[key(action, resource)]; !ok {
		return ""
	}
	if scope.OwnerID != "" && scope.OwnerID != p.ID {
		return "not the owner"
	}
	return "outside department"
}

// ParsePermission splits "action:resource".
func ParsePermission(s string) (domain.Permission, error) {
	action, resource, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || action == "" || resource == "" || strings.Contains(resource, ":") {
		return domain.Permission{}, fmt.Errorf("permission %q must be action:resource", s)
	}
	return domain.Permission{Action: action, Resource: resource}, nil
}
