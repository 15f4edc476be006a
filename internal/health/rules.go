// Package health evaluates instance metrics against threshold rules and
// escalates sustained violations into alerts.
package health

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Operator compares an observed value against a rule threshold.
type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
)

// Valid reports whether op is one of the supported operators.
func (op Operator) Valid() bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ:
		return true
	}
	return false
}

// Compare applies the operator to value and threshold.
func (op Operator) Compare(value, threshold float64) bool {
	switch op {
	case OpGT:
		return value > threshold
	case OpGTE:
		return value >= threshold
	case OpLT:
		return value < threshold
	case OpLTE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	}
	return false
}

// Severity of an alert. Ordered: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// HighestSeverity is the only tier that triggers external notifications.
const HighestSeverity = SeverityCritical

// Rank returns the ordinal of the severity, 0 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

const (
	defaultStatistic = "Average"
	defaultPeriod    = 5 * time.Minute
)

// Rule is a threshold on one metric.
type Rule struct {
	ID                  string        `yaml:"id" json:"id"`
	Metric              string        `yaml:"metric_name" json:"metric_name"`
	Statistic           string        `yaml:"statistic" json:"statistic"`
	Period              time.Duration `yaml:"period" json:"period"`
	Operator            Operator      `yaml:"operator" json:"operator"`
	Value               float64       `yaml:"value" json:"value"`
	Severity            Severity      `yaml:"severity" json:"severity"`
	ConsecutiveRequired int           `yaml:"consecutive_required" json:"consecutive_required"`
	Remediation         string        `yaml:"remediation" json:"remediation,omitempty"`
}

// ApplyDefaults fills optional fields.
func (r *Rule) ApplyDefaults() {
	if r.Statistic == "" {
		r.Statistic = defaultStatistic
	}
	if r.Period <= 0 {
		r.Period = defaultPeriod
	}
	if r.ConsecutiveRequired <= 0 {
		r.ConsecutiveRequired = 1
	}
	if r.ID == "" {
		r.ID = fmt.Sprintf("%s-%s-%s", strings.ToLower(r.Metric), r.Operator,
			strconv.FormatFloat(r.Value, 'f', -1, 64))
	}
}

// Validate checks the rule's enumerated fields.
func (r Rule) Validate() error {
	if r.Metric == "" {
		return fmt.Errorf("rule %q: metric_name is required", r.ID)
	}
	if !r.Operator.Valid() {
		return fmt.Errorf("rule %q: operator %q must be one of gt, gte, lt, lte, eq", r.ID, r.Operator)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("rule %q: severity %q must be one of low, medium, high, critical", r.ID, r.Severity)
	}
	if r.ConsecutiveRequired < 1 {
		return fmt.Errorf("rule %q: consecutive_required must be >= 1", r.ID)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("rule %q: value must be finite", r.ID)
	}
	return nil
}

// Violated reports whether value breaches the rule.
func (r Rule) Violated(value float64) bool {
	return r.Operator.Compare(value, r.Value)
}

// DefaultRemediation is used in notifications when the rule has none.
func (r Rule) DefaultRemediation() string {
	if r.Remediation != "" {
		return r.Remediation
	}
	return fmt.Sprintf("Investigate %s (%s %s %g) and scale or tune the instance.", r.Metric, r.Statistic, r.Operator, r.Value)
}
