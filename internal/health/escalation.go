package health

import "time"

// Status is the escalation state of one (instance, rule) pair.
type Status string

const (
	StatusOK        Status = "OK"
	StatusViolating Status = "VIOLATING"
	StatusActive    Status = "ACTIVE"
	StatusResolved  Status = "RESOLVED"
)

// AlertState tracks consecutive violations of one rule on one instance.
// The row is kept after resolution so notification history survives.
type AlertState struct {
	InstanceKey           string     `json:"instance_key"`
	InstanceID            string     `json:"instance_id"`
	RuleID                string     `json:"rule_id"`
	Metric                string     `json:"metric_name"`
	ConsecutiveViolations int        `json:"consecutive_violations"`
	Status                Status     `json:"status"`
	Severity              Severity   `json:"severity,omitempty"`
	FirstViolationAt      *time.Time `json:"first_violation_at,omitempty"`
	LastViolationAt       *time.Time `json:"last_violation_at,omitempty"`
	NotifiedAt            *time.Time `json:"notified_at,omitempty"`
	LastNotifiedAt        *time.Time `json:"last_notified_at,omitempty"`
	LastValue             float64    `json:"last_value"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// AlertKey identifies an AlertState.
func AlertKey(instanceKey, ruleID string) string {
	return instanceKey + "|" + ruleID
}

// Key returns the state's identity.
func (s AlertState) Key() string {
	return AlertKey(s.InstanceKey, s.RuleID)
}

// IsOpen reports whether the pair is currently violating or alerting.
func (s AlertState) IsOpen() bool {
	return s.Status == StatusViolating || s.Status == StatusActive
}

// Transition is an audit row for a status change.
type Transition struct {
	InstanceKey string    `json:"instance_key"`
	RuleID      string    `json:"rule_id"`
	From        Status    `json:"from"`
	To          Status    `json:"to"`
	Consecutive int       `json:"consecutive"`
	Value       float64   `json:"value"`
	Severity    Severity  `json:"severity,omitempty"`
	At          time.Time `json:"at"`
}

// Observation is the outcome of feeding one sample to the tracker.
type Observation struct {
	State      AlertState
	Changed    bool        // State must be persisted.
	Transition *Transition // Non-nil when Status changed.
}

// Observe advances the state machine for one sample.
//
// A violating sample increments the counter; the state is VIOLATING until
// the counter reaches the rule's ConsecutiveRequired, then ACTIVE. A single
// clearing sample resets the counter: VIOLATING becomes OK, ACTIVE becomes
// RESOLVED. Clearing samples on OK or RESOLVED states change nothing.
func Observe(prev AlertState, rule Rule, value float64, now time.Time) Observation {
	from := prev.Status
	if from == "" {
		from = StatusOK
	}

	next := prev
	next.RuleID = rule.ID
	next.Metric = rule.Metric

	if rule.Violated(value) {
		next.ConsecutiveViolations++
		next.LastValue = value
		next.UpdatedAt = now
		at := now
		next.LastViolationAt = &at
		if from != StatusViolating && from != StatusActive {
			next.FirstViolationAt = &at
			next.NotifiedAt = nil
		}

		required := rule.ConsecutiveRequired
		if required < 1 {
			required = 1
		}
		if next.ConsecutiveViolations >= required {
			next.Status = StatusActive
			next.Severity = rule.Severity
		} else {
			next.Status = StatusViolating
		}
		return finish(next, from, now)
	}

	switch from {
	case StatusViolating:
		next.Status = StatusOK
	case StatusActive:
		next.Status = StatusResolved
		next.NotifiedAt = nil
	default:
		return Observation{State: prev}
	}
	next.ConsecutiveViolations = 0
	next.LastValue = value
	next.UpdatedAt = now
	return finish(next, from, now)
}

func finish(next AlertState, from Status, now time.Time) Observation {
	obs := Observation{State: next, Changed: true}
	if next.Status != from {
		obs.Transition = &Transition{
			InstanceKey: next.InstanceKey,
			RuleID:      next.RuleID,
			From:        from,
			To:          next.Status,
			Consecutive: next.ConsecutiveViolations,
			Value:       next.LastValue,
			Severity:    next.Severity,
			At:          now,
		}
	}
	return obs
}

// ShouldNotify reports whether an external notification is due. Only
// ACTIVE states at the highest severity qualify, once per activation, and
// not again within cooldown of the previous notification.
func ShouldNotify(s AlertState, cooldown time.Duration, now time.Time) bool {
	if s.Status != StatusActive || s.Severity != HighestSeverity || s.NotifiedAt != nil {
		return false
	}
	if cooldown > 0 && s.LastNotifiedAt != nil && now.Sub(*s.LastNotifiedAt) < cooldown {
		return false
	}
	return true
}

// MarkNotified records a successful delivery.
func MarkNotified(s AlertState, now time.Time) AlertState {
	at := now
	s.NotifiedAt = &at
	s.LastNotifiedAt = &at
	s.UpdatedAt = now
	return s
}
