// Package resilience isolates failures at account, region and instance
// boundaries. Expected failures travel as values; panics are recovered once
// per boundary and reported as internal errors.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// Result is either a value or a structured failure.
type Result[T any] struct {
	Value T
	Err   *inventory.ScanError
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail wraps a failure.
func Fail[T any](e inventory.ScanError) Result[T] {
	return Result[T]{Err: &e}
}

// IsOk reports whether the result carries a value.
func (r Result[T]) IsOk() bool {
	return r.Err == nil
}

// Classifier turns an error returned at a boundary into a ScanError.
type Classifier func(err error) inventory.ScanError

// Guard runs fn at an isolation boundary. An error is classified; a panic is
// recovered and reported as an internal error for that boundary.
func Guard[T any](boundary inventory.ScanError, classify Classifier, fn func() (T, error)) (res Result[T]) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("scope", string(boundary.Scope)).
				Str("account", boundary.AccountID).
				Str("region", boundary.Region).
				Str("instance", boundary.InstanceID).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic at isolation boundary")
			e := boundary
			e.Kind = inventory.KindInternal
			e.Message = fmt.Sprintf("unexpected fault: %v", p)
			res = Fail[T](e)
		}
	}()

	v, err := fn()
	if err != nil {
		e := classify(err)
		e.Scope = boundary.Scope
		if e.AccountID == "" {
			e.AccountID = boundary.AccountID
		}
		if e.Region == "" {
			e.Region = boundary.Region
		}
		if e.InstanceID == "" {
			e.InstanceID = boundary.InstanceID
		}
		return Fail[T](e)
	}
	return Ok(v)
}

// Collect splits results into values and failures, preserving order.
func Collect[T any](results []Result[T]) ([]T, []inventory.ScanError) {
	values := make([]T, 0, len(results))
	var errs []inventory.ScanError
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, *r.Err)
			continue
		}
		values = append(values, r.Value)
	}
	return values, errs
}

// RetryOnce runs fn and, if it fails, runs it exactly one more time unless
// the context is already done.
func RetryOnce(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	log.Warn().Err(err).Msg("operation failed, retrying once")
	if retryErr := fn(ctx); retryErr != nil {
		return errors.Join(err, retryErr)
	}
	return nil
}

// Classify is a Classifier that maps context errors to Timeout and keeps
// ScanErrors intact. Everything else becomes fallback.
func Classify(fallback inventory.ErrorKind) Classifier {
	return func(err error) inventory.ScanError {
		var se inventory.ScanError
		if errors.As(err, &se) {
			return se
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return inventory.ScanError{Kind: inventory.KindTimeout, Message: err.Error()}
		}
		return inventory.ScanError{Kind: fallback, Message: err.Error()}
	}
}
