package gatekeeper

import (
	"fmt"

	"github.com/reglet-dev/macro-overlay/entities"
	"github.com/reglet-dev/macro-overlay/values"
)

// RiskLevel represents how disruptive trusting a change is.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (l RiskLevel) String() string {
	switch l {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return fmt.Sprintf("RiskLevel(%d)", int(l))
	}
}

// RiskReport contains the overall risk assessment for one pending bundle.
type RiskReport struct {
	Factors []RiskFactor
	Level   RiskLevel
}

// RiskFactor describes a single risk element.
type RiskFactor struct {
	Description string
	Level       RiskLevel
}

func (r *RiskReport) add(level RiskLevel, format string, args ...any) {
	if level <= RiskNone {
		return
	}
	r.Factors = append(r.Factors, RiskFactor{Level: level, Description: fmt.Sprintf(format, args...)})
	if level > r.Level {
		r.Level = level
	}
}

// AnalyzeAdded rates a bundle never reviewed before.
func AnalyzeAdded(b values.FunctionBundle) RiskReport {
	var report RiskReport
	report.add(RiskMedium, "new capability with %d parameter(s)", b.ParamCount())
	return report
}

// AnalyzeChange rates a bundle whose signature moved away from its approval.
func AnalyzeChange(change entities.BundleChange) RiskReport {
	var report RiskReport
	if !change.Current.Active {
		report.add(RiskMedium, "approval was withdrawn by a reviewer")
	}
	if change.Kind == entities.ChangeSoft {
		report.add(RiskLow, "defaults or limits changed")
		return report
	}

	report.add(RiskHigh, "parameter structure changed")

	before := make(map[string]entities.ParamRecord, len(change.Current.Params))
	for _, p := range change.Current.Params {
		before[p.Name] = p
	}
	seen := make(map[string]bool, len(before))
	for _, p := range change.Discovered.Params() {
		seen[p.Name] = true
		old, ok := before[p.Name]
		switch {
		case !ok:
			report.add(RiskHigh, "parameter %q added", p.Name)
		case old.Type != p.Type:
			report.add(RiskCritical, "parameter %q retyped %s -> %s", p.Name, old.Type, p.Type)
		case old.Position != p.Position:
			report.add(RiskCritical, "parameter %q moved %d -> %d", p.Name, old.Position, p.Position)
		}
	}
	for _, p := range change.Current.Params {
		if !seen[p.Name] {
			report.add(RiskCritical, "parameter %q removed", p.Name)
		}
	}
	if change.Current.FunctionName != change.Discovered.FunctionName() {
		report.add(RiskHigh, "renamed %q -> %q", change.Current.FunctionName, change.Discovered.FunctionName())
	}
	return report
}
