package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/domain"
)

func testRoles() []domain.Role {
	return []domain.Role{
		{ID: "reporter", Active: true, Permissions: []domain.Permission{
			{Action: "create", Resource: "progress-report"},
			{Action: "read", Resource: "my-reports"},
		}},
		{ID: "approver", Active: true, Permissions: []domain.Permission{
			{Action: "read", Resource: "progress-report"},
			{Action: "approve", Resource: "progress-report"},
		}},
		{ID: "retired", Active: false, Permissions: []domain.Permission{
			{Action: "approve", Resource: "progress-report"},
		}},
	}
}

func TestCanPerformExactPair(t *testing.T) {
	ev := NewEvaluator(testRoles())
	approver := domain.Principal{ID: "ana", RoleID: "approver", Active: true}

	assert.True(t, ev.CanPerform(approver, "approve", "progress-report", Scope{}))
	assert.True(t, ev.CanPerform(approver, "read", "progress-report", Scope{}))
	assert.False(t, ev.CanPerform(approver, "reject", "progress-report", Scope{}), "approve does not imply reject")
	assert.False(t, ev.CanPerform(approver, "read", "my-reports", Scope{}), "scope tiers are distinct resources")
}

func TestCanPerformFalseCases(t *testing.T) {
	ev := NewEvaluator(testRoles())
	cases := map[string]domain.Principal{
		"unknown role":       {ID: "u", RoleID: "ghost", Active: true},
		"inactive role":      {ID: "u", RoleID: "retired", Active: true},
		"inactive principal": {ID: "u", RoleID: "approver", Active: false},
		"empty id":           {RoleID: "approver", Active: true},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, ev.CanPerform(p, "approve", "progress-report", Scope{}))
		})
	}
}

func TestCanPerformScope(t *testing.T) {
	ev := NewEvaluator(testRoles())
	p := domain.Principal{ID: "luis", RoleID: "reporter", DepartmentID: "ops", Active: true}

	assert.True(t, ev.CanPerform(p, "read", "my-reports", Scope{OwnerID: "luis"}))
	assert.False(t, ev.CanPerform(p, "read", "my-reports", Scope{OwnerID: "ana"}))
	assert.True(t, ev.CanPerform(p, "create", "progress-report", Scope{DepartmentID: "ops"}))
	assert.False(t, ev.CanPerform(p, "create", "progress-report", Scope{DepartmentID: "finance"}))

	orgWide := domain.Principal{ID: "x", RoleID: "reporter", Active: true}
	require.True(t, orgWide.OrgWide())
	assert.True(t, ev.CanPerform(orgWide, "create", "progress-report", Scope{DepartmentID: "finance"}))
	assert.True(t, ev.CanPerform(orgWide, "create", "progress-report", Scope{DepartmentID: "ops"}))
	assert.False(t, ev.CanPerform(orgWide, "read", "my-reports", Scope{OwnerID: "luis", DepartmentID: "ops"}), "org-wide does not lift the owner scope")

	err := ev.Require(p, "create", "progress-report", Scope{DepartmentID: "finance"})
	var denied domain.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "outside department", denied.Reason)
}

func TestRequireWrapsPermissionDenied(t *testing.T) {
	ev := NewEvaluator(testRoles())
	p := domain.Principal{ID: "luis", RoleID: "reporter", Active: true}

	require.NoError(t, ev.Require(p, "create", "progress-report", Scope{}))

	err := ev.Require(p, "approve", "progress-report", Scope{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPermissionDenied))
	var denied domain.PermissionDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "approve:progress-report", denied.Permission)
	assert.Equal(t, "luis", denied.ActorID)
}

func TestRequireAny(t *testing.T) {
	ev := NewEvaluator(testRoles())
	approver := domain.Principal{ID: "ana", RoleID: "approver", Active: true}
	pairs := []domain.Permission{
		{Action: "approve", Resource: "progress-report"},
		{Action: "reject", Resource: "progress-report"},
	}
	require.NoError(t, ev.RequireAny(approver, Scope{}, pairs...))

	reporter := domain.Principal{ID: "luis", RoleID: "reporter", Active: true}
	err := ev.RequireAny(reporter, Scope{}, pairs...)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestPermissionsSorted(t *testing.T) {
	ev := NewEvaluator(testRoles())
	p := domain.Principal{ID: "ana", RoleID: "approver", Active: true}
	assert.Equal(t, []string{"approve:progress-report", "read:progress-report"}, ev.Permissions(p))
	assert.Nil(t, ev.Permissions(domain.Principal{ID: "x", RoleID: "retired", Active: true}))
}

func TestParsePermission(t *testing.T) {
	p, err := ParsePermission("approve:progress-report")
	require.NoError(t, err)
	assert.Equal(t, domain.Permission{Action: "approve", Resource: "progress-report"}, p)

	for _, bad := range []string{"", "approve", ":x", "x:", "a:b:c"} {
		_, err := ParsePermission(bad)
		assert.Error(t, err, bad)
	}
}
