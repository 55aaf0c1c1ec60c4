package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "acme", cfg.Organization.ID)
	assert.Equal(t, 0.40, cfg.CorrelationParams().Weights.Linkage)
	assert.Equal(t, 80.0, cfg.CorrelationParams().Thresholds.Compliant)
	assert.True(t, cfg.WorkflowPolicy().RequireRejectionReason)
	assert.Equal(t, 30*time.Second, cfg.WorkerInterval())

	roles := cfg.Roles()
	require.Len(t, roles, 4)
	assert.Equal(t, "administrator", roles[0].ID)
	assert.True(t, roles[0].Active)
	assert.Len(t, roles[0].Permissions, 23)
}

func TestValidateRejectsDuplicatePairs(t *testing.T) {
	raw := strings.Replace(GenerateDefault("acme"), "        - read:my-reports\n        - read:indicator\n        - read:activity\n",
		"        - read:my-reports\n        - read:my-reports\n", 1)
	_, err := FromYAML([]byte(raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "twice")
}

func TestValidateRejectsMalformedPermission(t *testing.T) {
	cfg := Default("acme")
	r := cfg.RBAC.Roles["reporter"]
	r.Permissions = append(r.Permissions, "approve")
	cfg.RBAC.Roles["reporter"] = r
	require.Error(t, cfg.Validate())
}

func TestValidateCorrelationAndWorker(t *testing.T) {
	cfg := Default("acme")
	cfg.Correlation.Weights.Budget = 0.9
	require.Error(t, cfg.Validate())

	cfg = Default("acme")
	cfg.Correlation.Thresholds.AtRisk = 85
	require.Error(t, cfg.Validate())

	cfg = Default("acme")
	cfg.Worker.Interval = "soon"
	require.Error(t, cfg.Validate())

	cfg = Default("acme")
	delete(cfg.RBAC.Roles, "administrator")
	require.Error(t, cfg.Validate())

	cfg = Default("")
	require.Error(t, cfg.Validate())
}

func TestInactiveRole(t *testing.T) {
	raw := strings.Replace(GenerateDefault("acme"), "    reporter:\n", "    reporter:\n      active: false\n", 1)
	cfg, err := FromYAML([]byte(raw))
	require.NoError(t, err)
	for _, r := range cfg.Roles() {
		if r.ID == "reporter" {
			assert.False(t, r.Active)
		}
	}
}

func TestLoadOptionalAndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "planline.yml"), []byte(GenerateDefault("acme")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)

	out, err := cfg.ToYAML()
	require.NoError(t, err)
	again, err := FromYAML(out)
	require.NoError(t, err)
	assert.Equal(t, cfg.CorrelationParams(), again.CorrelationParams())
	assert.Equal(t, cfg.Roles(), again.Roles())
}
