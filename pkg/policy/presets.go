package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/types"
)

var allCategories = []types.IssueCategory{
	types.CategoryReplicationFailure,
	types.CategoryConnectivity,
	types.CategoryStaleReplication,
}

var allSeverities = []types.Severity{
	types.SeverityLow,
	types.SeverityMedium,
	types.SeverityHigh,
	types.SeverityCritical,
}

// Conservative heals only stale replication of low impact
var Conservative = types.HealingPolicy{
	Name:                 "conservative",
	AllowedCategories:    []types.IssueCategory{types.CategoryStaleReplication},
	AllowedSeverities:    []types.Severity{types.SeverityLow, types.SeverityMedium},
	Cooldown:             60 * time.Minute,
	MaxConcurrentActions: 5,
}

// Moderate also heals replication failures up to High severity
var Moderate = types.HealingPolicy{
	Name: "moderate",
	AllowedCategories: []types.IssueCategory{
		types.CategoryStaleReplication,
		types.CategoryReplicationFailure,
	},
	AllowedSeverities:    []types.Severity{types.SeverityLow, types.SeverityMedium, types.SeverityHigh},
	Cooldown:             30 * time.Minute,
	MaxConcurrentActions: 10,
}

// Aggressive heals everything it can; connectivity still needs an operator
var Aggressive = types.HealingPolicy{
	Name:                   "aggressive",
	AllowedCategories:      allCategories,
	AllowedSeverities:      allSeverities,
	RequiresManualApproval: []types.IssueCategory{types.CategoryConnectivity},
	Cooldown:               15 * time.Minute,
	MaxConcurrentActions:   25,
}

// Presets returns the built-in policies, least permissive first
func Presets() []types.HealingPolicy {
	return []types.HealingPolicy{Conservative, Moderate, Aggressive}
}

// Lookup returns the preset with the given name (case-insensitive)
func Lookup(name string) (types.HealingPolicy, error) {
	for _, p := range Presets() {
		if strings.EqualFold(p.Name, strings.TrimSpace(name)) {
			return p, nil
		}
	}
	return types.HealingPolicy{}, fault.New(fault.CodePolicyConfigInvalid,
		fmt.Sprintf("unknown healing policy %q (want conservative, moderate or aggressive)", name),
		fault.Field("policy", name))
}

// Validate reports every problem with p as a single policy config error
func Validate(p types.HealingPolicy) error {
	var problems []string

	if strings.TrimSpace(p.Name) == "" {
		problems = append(problems, "name is required")
	}
	if len(p.AllowedCategories) == 0 {
		problems = append(problems, "at least one allowed category is required")
	}
	if len(p.AllowedSeverities) == 0 {
		problems = append(problems, "at least one allowed severity is required")
	}
	for _, c := range append(append([]types.IssueCategory{}, p.AllowedCategories...), p.RequiresManualApproval...) {
		if !knownCategory(c) {
			problems = append(problems, fmt.Sprintf("unknown category %q", c))
		}
	}
	for _, c := range p.RequiresManualApproval {
		if knownCategory(c) && !p.AllowsCategory(c) {
			problems = append(problems, fmt.Sprintf("manual approval category %q is not an allowed category", c))
		}
	}
	for _, s := range p.AllowedSeverities {
		if s.Rank() == 0 {
			problems = append(problems, fmt.Sprintf("unknown severity %q", s))
		}
	}
	if p.Cooldown < 0 {
		problems = append(problems, "cooldown must not be negative")
	}
	if p.MaxConcurrentActions < 1 {
		problems = append(problems, "max concurrent actions must be at least 1")
	}

	if len(problems) > 0 {
		return fault.New(fault.CodePolicyConfigInvalid,
			fmt.Sprintf("invalid healing policy %q: %s", p.Name, strings.Join(problems, "; ")),
			fault.Field("policy", p.Name))
	}
	return nil
}

func knownCategory(c types.IssueCategory) bool {
	for _, known := range allCategories {
		if c == known {
			return true
		}
	}
	return false
}
