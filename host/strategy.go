package host

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Strategy selects how instances come up.
type Strategy int

const (
	// ColdStart instantiates the module fresh and loads the script from
	// source on every instance.
	ColdStart Strategy = iota

	// SnapshotRestore restores a pre-initialized memory image, skipping
	// engine construction and script parsing.
	SnapshotRestore
)

func (s Strategy) String() string {
	switch s {
	case ColdStart:
		return "cold-start"
	case SnapshotRestore:
		return "snapshot-restore"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses a strategy name as used in configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "cold", "cold-start":
		return ColdStart, nil
	case "snapshot", "snapshot-restore":
		return SnapshotRestore, nil
	default:
		return ColdStart, fmt.Errorf("unknown strategy %q", s)
	}
}

// DeploymentProfile describes a deployment's call pattern, used to pick
// an instantiation strategy.
type DeploymentProfile struct {
	// ExpectedCallsPerScript estimates how many calls each distinct
	// script serves before it changes or the deployment cycles.
	ExpectedCallsPerScript int `yaml:"expected_calls_per_script"`

	// ColdStartBudget is the acceptable latency for bringing up an
	// instance. Zero means no constraint.
	ColdStartBudget time.Duration `yaml:"cold_start_budget"`

	// ColdStartCost is the measured or estimated cost of a cold start
	// (instantiation plus script evaluation) for this deployment.
	ColdStartCost time.Duration `yaml:"cold_start_cost"`

	// ScriptVaries is set when the script differs call to call, so a
	// snapshot of one script cannot serve the next.
	ScriptVaries bool `yaml:"script_varies"`
}

// snapshotAmortizationThreshold is the call volume below which snapshot
// maintenance (capture, storage, invalidation on script change) is not
// worth the startup savings.
const snapshotAmortizationThreshold = 10

// SelectStrategy picks an instantiation strategy from a deployment
// profile. Pure: equal profiles always select the same strategy.
func SelectStrategy(p DeploymentProfile) Strategy {
	if p.ScriptVaries {
		return ColdStart
	}
	if p.ColdStartBudget > 0 && p.ColdStartCost > p.ColdStartBudget {
		return SnapshotRestore
	}
	if p.ExpectedCallsPerScript >= snapshotAmortizationThreshold {
		return SnapshotRestore
	}
	return ColdStart
}

// LoadProfile reads a deployment profile from a YAML file.
func LoadProfile(path string) (DeploymentProfile, error) {
	var p DeploymentProfile
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read deployment profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse deployment profile: %w", err)
	}
	if p.ExpectedCallsPerScript < 0 {
		return p, fmt.Errorf("deployment profile: expected_calls_per_script must not be negative")
	}
	return p, nil
}
