package aws

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/smithy-go"

	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// API error codes that mean the caller is not allowed to act.
var accessDeniedCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"AuthFailure":                 true,
	"AuthorizationError":          true,
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"InvalidClientTokenId":        true,
	"OptInRequired":               true,
	"UnauthorizedOperation":       true,
	"UnrecognizedClientException": true,
}

// ErrMissingField marks a provider object without a required field.
var ErrMissingField = errors.New("missing required field")

// ClassifyError maps an AWS SDK error to a ScanError kind with remediation.
// Scope and target fields are filled in by the caller's boundary.
func ClassifyError(err error) inventory.ScanError {
	var se inventory.ScanError
	if errors.As(err, &se) {
		return se
	}

	msg := err.Error()

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return inventory.ScanError{
			Kind:        inventory.KindTimeout,
			Message:     msg,
			Remediation: "Run exceeded its time budget; raise the timeout or lower the scope.",
		}
	case errors.Is(err, ErrMissingField):
		return inventory.ScanError{Kind: inventory.KindDataShape, Message: msg}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if accessDeniedCodes[code] {
			remediation := "Grant the delegated role read access (rds:Describe*, redshift:Describe*, memorydb:Describe*, cloudwatch:GetMetricStatistics, ec2:DescribeRegions)."
			if code == "OptInRequired" {
				remediation = "Enable the region in the account or remove it from the scope."
			}
			return inventory.ScanError{
				Kind:        inventory.KindAccessDenied,
				Message:     fmt.Sprintf("%s: %s", code, apiErr.ErrorMessage()),
				Remediation: remediation,
			}
		}
	}

	if isTransient(err) {
		return inventory.ScanError{
			Kind:        inventory.KindTransient,
			Message:     msg,
			Remediation: "Provider throttled or timed out after bounded retries; the next run will retry.",
		}
	}

	return inventory.ScanError{Kind: inventory.KindProvider, Message: msg}
}

// isTransient reports throttling, retryable and network errors, including
// the SDK's exhausted-retries error.
func isTransient(err error) bool {
	var maxErr *retry.MaxAttemptsError
	if errors.As(err, &maxErr) {
		return true
	}
	if retry.IsErrorThrottles(retry.DefaultThrottles).IsErrorThrottle(err) == aws.TrueTernary {
		return true
	}
	if retry.IsErrorRetryables(retry.DefaultRetryables).IsErrorRetryable(err) == aws.TrueTernary {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsAccessDenied reports whether err is an access failure.
func IsAccessDenied(err error) bool {
	return err != nil && ClassifyError(err).Kind == inventory.KindAccessDenied
}
