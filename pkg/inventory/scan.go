package inventory

import (
	"fmt"
	"time"
)

// ExecutionStatus is the outcome of a run. Runs never return an error;
// failures are reported through the status and the Errors list.
type ExecutionStatus string

const (
	StatusCompleted           ExecutionStatus = "completed"
	StatusCompletedWithErrors ExecutionStatus = "completed_with_errors"
	// StatusFailed is reserved for unexpected internal faults.
	StatusFailed ExecutionStatus = "failed"
)

// ErrorScope is the isolation level at which a failure was captured.
type ErrorScope string

const (
	ScopeRun      ErrorScope = "run"
	ScopeAccount  ErrorScope = "account"
	ScopeRegion   ErrorScope = "region"
	ScopeInstance ErrorScope = "instance"
)

// ErrorKind classifies failures for policy and reporting.
type ErrorKind string

const (
	KindAccessDenied      ErrorKind = "AccessDenied"
	KindTransient         ErrorKind = "TransientProviderError"
	KindDataShape         ErrorKind = "DataShapeError"
	KindPersistence       ErrorKind = "PersistenceError"
	KindNotification      ErrorKind = "NotificationError"
	KindTimeout           ErrorKind = "Timeout"
	KindProvider          ErrorKind = "ProviderError"
	KindMetricUnavailable ErrorKind = "MetricUnavailable"
	KindInternal          ErrorKind = "InternalError"
)

// ScanError is a structured, actionable failure record.
type ScanError struct {
	Scope       ErrorScope `json:"scope"`
	AccountID   string     `json:"account_id,omitempty"`
	Region      string     `json:"region,omitempty"`
	InstanceID  string     `json:"instance_id,omitempty"`
	Kind        ErrorKind  `json:"error_kind"`
	Message     string     `json:"message"`
	Remediation string     `json:"remediation,omitempty"`
}

// Error implements the error interface so a ScanError can travel through
// ordinary error returns.
func (e ScanError) Error() string {
	target := e.AccountID
	if e.Region != "" {
		target += "/" + e.Region
	}
	if e.InstanceID != "" {
		target += "/" + e.InstanceID
	}
	if target == "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Scope, e.Message)
	}
	return fmt.Sprintf("%s [%s %s]: %s", e.Kind, e.Scope, target, e.Message)
}

// ScanResult is the outcome of one discovery run. It is always produced.
type ScanResult struct {
	ScanID            string          `json:"scan_id"`
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        time.Time       `json:"finished_at"`
	ExecutionStatus   ExecutionStatus `json:"execution_status"`
	AccountsAttempted int             `json:"accounts_attempted"`
	AccountsScanned   int             `json:"accounts_scanned"`
	RegionsScanned    int             `json:"regions_scanned"`
	TotalInstances    int             `json:"total_instances"`
	NewInstances      []string        `json:"new_instances"`
	UpdatedInstances  []string        `json:"updated_instances"`
	RemovedInstances  []string        `json:"removed_instances"`
	PurgedInstances   []string        `json:"purged_instances"`
	Errors            []ScanError     `json:"errors"`
}

// Duration returns the wall-clock time of the run.
func (r ScanResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// AccountErrors returns the number of distinct accounts with an
// account-scope error.
func (r ScanResult) AccountErrors() int {
	seen := make(map[string]struct{})
	for _, e := range r.Errors {
		if e.Scope == ScopeAccount {
			seen[e.AccountID] = struct{}{}
		}
	}
	return len(seen)
}

// StatusFor derives the status of a run that finished without an internal fault.
func StatusFor(errs []ScanError) ExecutionStatus {
	if len(errs) > 0 {
		return StatusCompletedWithErrors
	}
	return StatusCompleted
}
