package aws

import (
	"fmt"
	"strings"

	"github.com/yairfalse/dbsentry/internal/plugin"
	"github.com/yairfalse/dbsentry/internal/resilience"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

const unknown = "unknown"

// extraction is one converted provider object plus the optional fields
// that had to be defaulted.
type extraction struct {
	record    inventory.InstanceRecord
	missing   []string
	defaulted []string
}

// fieldTracker records which optional fields were absent. missing holds
// provider field names; defaulted holds the record fields whose zero value
// stands in for them.
type fieldTracker struct {
	missing   []string
	defaulted []string
}

func (f *fieldTracker) result(rec inventory.InstanceRecord) extraction {
	return extraction{record: rec, missing: f.missing, defaulted: f.defaulted}
}

// str returns the value, or "unknown" and records the field as missing.
func (f *fieldTracker) str(name string, v *string) string {
	if v == nil || *v == "" {
		f.missing = append(f.missing, name)
		return unknown
	}
	return *v
}

// int32 returns the value, or 0 and records both field names as missing.
func (f *fieldTracker) int32(name, field string, v *int32) int32 {
	if v == nil {
		f.missing = append(f.missing, name)
		f.defaulted = append(f.defaulted, field)
		return 0
	}
	return *v
}

// bool returns the value, or false and records both field names as missing.
func (f *fieldTracker) bool(name, field string, v *bool) bool {
	if v == nil {
		f.missing = append(f.missing, name)
		f.defaulted = append(f.defaulted, field)
		return false
	}
	return *v
}

func missingIdentifier(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

// extractInto runs one conversion inside an instance boundary and appends
// its outcome to out. A conversion that fails or panics never affects the
// other objects in the page.
func extractInto(out *plugin.Listing, accountID, region, hint string, convert func() (extraction, error)) {
	boundary := inventory.ScanError{
		Scope:      inventory.ScopeInstance,
		AccountID:  accountID,
		Region:     region,
		InstanceID: hint,
	}

	res := resilience.Guard(boundary, ClassifyError, convert)
	if !res.IsOk() {
		out.Issues = append(out.Issues, *res.Err)
		return
	}

	rec := res.Value.record
	rec.AccountID = accountID
	rec.Region = region
	if len(res.Value.missing) > 0 {
		rec.Degraded = true
		rec.Defaulted = res.Value.defaulted
		out.Issues = append(out.Issues, inventory.ScanError{
			Scope:       inventory.ScopeInstance,
			AccountID:   accountID,
			Region:      region,
			InstanceID:  rec.InstanceID,
			Kind:        inventory.KindDataShape,
			Message:     fmt.Sprintf("missing fields %s; defaults used", strings.Join(res.Value.missing, ", ")),
			Remediation: "Record kept as degraded; it is refreshed on the next scan.",
		})
	}
	out.Records = append(out.Records, rec)
}
