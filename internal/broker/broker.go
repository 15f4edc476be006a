// Package broker exchanges the orchestrating identity for short-lived,
// account-scoped credentials.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/dbsentry/internal/config"
	awsplugin "github.com/yairfalse/dbsentry/internal/plugin/aws"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

const maxSessionNameLen = 64

// STSAPI defines the STS operations used by the broker.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Options configures a Broker.
type Options struct {
	Partition       string
	SessionName     string
	SessionDuration time.Duration
}

// Broker assumes a delegated role per account. It holds no credentials
// itself; every call returns a fresh config.
type Broker struct {
	client STSAPI
	base   aws.Config
	opts   Options
}

// New creates a broker on top of the base (home) config.
func New(base aws.Config, client STSAPI, opts Options) *Broker {
	if opts.Partition == "" {
		opts.Partition = "aws"
	}
	if opts.SessionName == "" {
		opts.SessionName = "dbsentry"
	}
	if opts.SessionDuration <= 0 {
		opts.SessionDuration = time.Hour
	}
	return &Broker{client: client, base: base, opts: opts}
}

// NewFromConfig creates a broker with a real STS client.
func NewFromConfig(base aws.Config, opts Options) *Broker {
	return New(base, sts.NewFromConfig(base), opts)
}

// ForRun returns a broker whose sessions are named after the run, so
// CloudTrail entries in target accounts can be traced back to it.
func (b *Broker) ForRun(runID string) *Broker {
	opts := b.opts
	opts.SessionName = "dbsentry-" + runID
	if len(opts.SessionName) > maxSessionNameLen {
		opts.SessionName = opts.SessionName[:maxSessionNameLen]
	}
	return &Broker{client: b.client, base: b.base, opts: opts}
}

// RoleARN builds the delegated role ARN for an account.
func (b *Broker) RoleARN(a config.AccountScope) string {
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", b.opts.Partition, a.AccountID, a.RoleName)
}

// Credentials assumes the account's role and returns a copy of the base
// config carrying the temporary credentials. Failures are *Error.
func (b *Broker) Credentials(ctx context.Context, a config.AccountScope) (aws.Config, error) {
	roleARN := b.RoleARN(a)

	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(b.opts.SessionName),
		DurationSeconds: aws.Int32(int32(b.opts.SessionDuration / time.Second)),
	}
	if a.ExternalID != "" {
		input.ExternalId = aws.String(a.ExternalID)
	}

	output, err := b.client.AssumeRole(ctx, input)
	if err != nil {
		return aws.Config{}, newError(a.AccountID, roleARN, fmt.Errorf("assume role: %w", err))
	}
	if output.Credentials == nil {
		return aws.Config{}, newError(a.AccountID, roleARN, errors.New("assume role: response has no credentials"))
	}

	creds := output.Credentials
	cfg := b.base.Copy()
	cfg.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		aws.ToString(creds.AccessKeyId),
		aws.ToString(creds.SecretAccessKey),
		aws.ToString(creds.SessionToken),
	))

	log.Debug().
		Str("account", a.AccountID).
		Str("role_arn", roleARN).
		Time("expires", aws.ToTime(creds.Expiration)).
		Msg("assumed role")

	return cfg, nil
}

// Error is a brokering failure for one account.
type Error struct {
	Kind        inventory.ErrorKind
	AccountID   string
	RoleARN     string
	Remediation string
	Err         error
}

func newError(accountID, roleARN string, err error) *Error {
	classified := awsplugin.ClassifyError(err)
	e := &Error{
		Kind:        classified.Kind,
		AccountID:   accountID,
		RoleARN:     roleARN,
		Remediation: classified.Remediation,
		Err:         err,
	}
	if e.Kind == inventory.KindAccessDenied {
		e.Remediation = fmt.Sprintf(
			"Create role %s and allow the orchestrating identity in its trust policy (sts:AssumeRole with the configured sts:ExternalId condition).",
			roleARN)
	}
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s (%s): %v", e.AccountID, e.RoleARN, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ScanError converts the failure into an account-scope scan error.
func (e *Error) ScanError() inventory.ScanError {
	return inventory.ScanError{
		Scope:       inventory.ScopeAccount,
		AccountID:   e.AccountID,
		Kind:        e.Kind,
		Message:     e.Err.Error(),
		Remediation: e.Remediation,
	}
}
