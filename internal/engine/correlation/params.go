package correlation

import (
	"fmt"
	"math"

	"planline/internal/domain"
)

type Weights struct {
	Linkage    float64 `yaml:"linkage" json:"linkage"`
	Budget     float64 `yaml:"budget" json:"budget"`
	Timeliness float64 `yaml:"timeliness" json:"timeliness"`
}

type Thresholds struct {
	Compliant float64 `yaml:"compliant" json:"compliant"`
	AtRisk    float64 `yaml:"at_risk" json:"at_risk"`
}

// Params tunes the score. None of the defaults is a business fact; they are loaded from
// the workspace config.
type Params struct {
	Weights      Weights    `yaml:"weights" json:"weights"`
	Thresholds   Thresholds `yaml:"thresholds" json:"thresholds"`
	GracePeriods int        `yaml:"grace_periods" json:"grace_periods"`
}

func DefaultParams() Params {
	return Params{
		Weights:      Weights{Linkage: 0.40, Budget: 0.35, Timeliness: 0.25},
		Thresholds:   Thresholds{Compliant: 80, AtRisk: 50},
		GracePeriods: 1,
	}
}

func (p Params) Validate() error {
	w := p.Weights
	for name, v := range map[string]float64{"linkage": w.Linkage, "budget": w.Budget, "timeliness": w.Timeliness} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("correlation weight %s must be non-negative", name)
		}
	}
	if sum := w.Linkage + w.Budget + w.Timeliness; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("correlation weights must sum to 1, got %.4f", sum)
	}
	t := p.Thresholds
	if t.AtRisk < 0 || t.Compliant > 100 || t.AtRisk > t.Compliant {
		return fmt.Errorf("correlation thresholds must satisfy 0 <= at_risk (%.2f) <= compliant (%.2f) <= 100", t.AtRisk, t.Compliant)
	}
	if p.GracePeriods < 0 {
		return fmt.Errorf("correlation grace_periods must be >= 0")
	}
	return nil
}

// Classify maps a score onto a compliance status.
func (p Params) Classify(score float64) string {
	switch {
	case score >= p.Thresholds.Compliant:
		return domain.Compliant
	case score >= p.Thresholds.AtRisk:
		return domain.AtRisk
	}
	return domain.NonCompliant
}
