package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"planline/internal/domain"
	"planline/internal/engine/auth"
	"planline/internal/engine/correlation"
	"planline/internal/engine/workflow"
)

// AdministratorRole is the role provisioning hands to the bootstrap actor.
const AdministratorRole = "administrator"

// Config models planline.yml.
type Config struct {
	Organization struct {
		ID         string `yaml:"id"`
		Name       string `yaml:"name,omitempty"`
		FiscalYear int    `yaml:"fiscal_year,omitempty"`
	} `yaml:"organization"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Workflow struct {
		RequireRejectionReason bool `yaml:"require_rejection_reason"`
		AllowRejectPermission  bool `yaml:"allow_reject_permission"`
	} `yaml:"workflow"`
	Correlation struct {
		correlation.Params `yaml:",inline"`
		// CurrentPeriod pins the reference period (YYYY-MM or YYYY-MM-DD). Empty means today.
		CurrentPeriod string `yaml:"current_period,omitempty"`
	} `yaml:"correlation"`
	Worker struct {
		Interval    string `yaml:"interval"`
		Batch       int    `yaml:"batch"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"worker"`
	Relay struct {
		Topic string `yaml:"topic"`
		Batch int    `yaml:"batch"`
		// Events limits relaying to these types; empty relays everything.
		Events []string `yaml:"events,omitempty"`
	} `yaml:"relay"`
}

type RBACRole struct {
	Description string `yaml:"description"`
	// Active defaults to true when omitted.
	Active      *bool    `yaml:"active,omitempty"`
	Permissions []string `yaml:"permissions"`
}

func (r RBACRole) IsActive() bool {
	return r.Active == nil || *r.Active
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Organization.ID == "" {
		return fmt.Errorf("config.organization.id is required")
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	if _, ok := c.RBAC.Roles[AdministratorRole]; !ok {
		return fmt.Errorf("config.rbac.roles must include %s", AdministratorRole)
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		seen := map[string]bool{}
		for _, perm := range role.Permissions {
			p, err := auth.ParsePermission(perm)
			if err != nil {
				return fmt.Errorf("role %s: %w", roleID, err)
			}
			if seen[p.String()] {
				return fmt.Errorf("role %s lists permission %s twice", roleID, p)
			}
			seen[p.String()] = true
		}
	}
	if err := c.Correlation.Params.Validate(); err != nil {
		return fmt.Errorf("config.correlation: %w", err)
	}
	if c.Worker.Interval != "" {
		if d, err := time.ParseDuration(c.Worker.Interval); err != nil || d <= 0 {
			return fmt.Errorf("config.worker.interval must be a positive duration")
		}
	}
	if c.Worker.Batch < 0 || c.Worker.Concurrency < 0 || c.Relay.Batch < 0 {
		return fmt.Errorf("config.worker and config.relay sizes must be >= 0")
	}
	return nil
}

// Roles converts the rbac section into domain roles sorted by id.
func (c *Config) Roles() []domain.Role {
	ids := make([]string, 0, len(c.RBAC.Roles))
	for id := range c.RBAC.Roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	roles := make([]domain.Role, 0, len(ids))
	for _, id := range ids {
		rc := c.RBAC.Roles[id]
		role := domain.Role{ID: id, Description: rc.Description, Active: rc.IsActive()}
		for _, perm := range rc.Permissions {
			if p, err := auth.ParsePermission(perm); err == nil {
				role.Permissions = append(role.Permissions, p)
			}
		}
		roles = append(roles, role)
	}
	return roles
}

func (c *Config) WorkflowPolicy() workflow.Policy {
	return workflow.Policy{
		RequireRejectionReason: c.Workflow.RequireRejectionReason,
		AllowRejectPermission:  c.Workflow.AllowRejectPermission,
	}
}

func (c *Config) CorrelationParams() correlation.Params {
	return c.Correlation.Params
}

func (c *Config) WorkerInterval() time.Duration {
	d, err := time.ParseDuration(c.Worker.Interval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(orgID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the config back to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `organization:
  id: %s

rbac:
  # Roles are assigned per actor with 'pl rbac assign --department'. An actor assigned
  # without a department is org-wide: department-scoped permissions apply everywhere.
  roles:
    administrator:
      description: "Every permission, listed explicitly"
      permissions:
        - create:progress-report
        - read:progress-report
        - update:progress-report
        - approve:progress-report
        - reject:progress-report
        - read:my-reports
        - create:indicator
        - read:indicator
        - update:indicator
        - create:activity
        - read:activity
        - update:activity
        - create:procurement
        - read:procurement
        - update:procurement
        - create:budget
        - read:budget
        - update:budget
        - read:correlation
        - update:correlation
        - read:compliance
        - manage:rbac
        - read:events
    planner:
      description: "Maintains the operating plan, procurement and budget"
      permissions:
        - create:indicator
        - read:indicator
        - update:indicator
        - create:activity
        - read:activity
        - update:activity
        - create:procurement
        - read:procurement
        - update:procurement
        - create:budget
        - read:budget
        - update:budget
        - read:progress-report
        - read:correlation
        - update:correlation
        - read:compliance
    approver:
      description: "Reviews submitted progress reports"
      permissions:
        - read:progress-report
        - approve:progress-report
        - reject:progress-report
        - read:indicator
        - read:activity
        - read:correlation
        - read:compliance
    reporter:
      description: "Files progress reports for own activities"
      permissions:
        - create:progress-report
        - update:progress-report
        - read:my-reports
        - read:indicator
        - read:activity

workflow:
  require_rejection_reason: true
  allow_reject_permission: true

correlation:
  weights:
    linkage: 0.40
    budget: 0.35
    timeliness: 0.25
  thresholds:
    compliant: 80
    at_risk: 50
  grace_periods: 1

worker:
  interval: 30s
  batch: 50
  concurrency: 4

relay:
  topic: planline.events
  batch: 100
`
