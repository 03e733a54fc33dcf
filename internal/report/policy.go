package report

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Spread selects how score dispersion is measured.
type Spread string

const (
	// SpreadRange is max - min.
	SpreadRange Spread = "range"
	// SpreadStdDev is the population standard deviation.
	SpreadStdDev Spread = "stddev"
)

// DefaultThreshold is the score above which a unit counts as fake.
const DefaultThreshold = 0.65

// Verdict labels.
const (
	LikelyAuthentic = "Likely Authentic"
	Suspicious      = "Suspicious"
	LikelyDeepfake  = "Likely Deepfake"
)

// VerdictPolicy maps the mean score to a label. SuspiciousAt and DeepfakeAt
// are inclusive lower bounds.
type VerdictPolicy struct {
	Enabled      bool    `yaml:"enabled"`
	SuspiciousAt float64 `yaml:"suspicious_at"`
	DeepfakeAt   float64 `yaml:"deepfake_at"`
}

// Policy holds every tunable of aggregation.
type Policy struct {
	Threshold float64       `yaml:"threshold"`
	Spread    Spread        `yaml:"spread"`
	Verdict   VerdictPolicy `yaml:"verdict"`
}

// DefaultPolicy returns threshold 0.65, range spread and cut points 0.4 / 0.7.
func DefaultPolicy() Policy {
	return Policy{
		Threshold: DefaultThreshold,
		Spread:    SpreadRange,
		Verdict: VerdictPolicy{
			Enabled:      true,
			SuspiciousAt: 0.4,
			DeepfakeAt:   0.7,
		},
	}
}

// Validate reports the first inconsistent field.
func (p Policy) Validate() error {
	if p.Threshold < 0 || p.Threshold > 1 {
		return fmt.Errorf("threshold %v outside [0,1]", p.Threshold)
	}
	switch p.Spread {
	case SpreadRange, SpreadStdDev:
	default:
		return fmt.Errorf("unknown spread method %q", p.Spread)
	}
	if p.Verdict.Enabled && p.Verdict.SuspiciousAt > p.Verdict.DeepfakeAt {
		return fmt.Errorf("suspicious cut point %v above deepfake cut point %v", p.Verdict.SuspiciousAt, p.Verdict.DeepfakeAt)
	}
	return nil
}

// Label returns the verdict for a mean score, or "" when verdicts are off.
func (v VerdictPolicy) Label(mean float64) string {
	switch {
	case !v.Enabled:
		return ""
	case mean >= v.DeepfakeAt:
		return LikelyDeepfake
	case mean >= v.SuspiciousAt:
		return Suspicious
	default:
		return LikelyAuthentic
	}
}

// LoadPolicy reads a YAML policy file. Fields missing from the file keep
// their DefaultPolicy values.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()

	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return p, nil
}
