package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/dbsentry/pkg/inventory"
)

var regionBoundary = inventory.ScanError{Scope: inventory.ScopeRegion, AccountID: "111111111111", Region: "us-east-1"}

func TestGuard_Ok(t *testing.T) {
	res := Guard(regionBoundary, Classify(inventory.KindProvider), func() (int, error) {
		return 42, nil
	})

	require.True(t, res.IsOk())
	assert.Equal(t, 42, res.Value)
}

func TestGuard_ClassifiesError(t *testing.T) {
	res := Guard(regionBoundary, Classify(inventory.KindProvider), func() (int, error) {
		return 0, errors.New("boom")
	})

	require.False(t, res.IsOk())
	assert.Equal(t, inventory.ScopeRegion, res.Err.Scope)
	assert.Equal(t, inventory.KindProvider, res.Err.Kind)
	assert.Equal(t, "111111111111", res.Err.AccountID)
	assert.Equal(t, "us-east-1", res.Err.Region)
	assert.Equal(t, "boom", res.Err.Message)
}

func TestGuard_RecoversPanic(t *testing.T) {
	res := Guard(regionBoundary, Classify(inventory.KindProvider), func() (int, error) {
		var m map[string]int
		m["x"] = 1
		return 1, nil
	})

	require.False(t, res.IsOk())
	assert.Equal(t, inventory.KindInternal, res.Err.Kind)
	assert.Contains(t, res.Err.Message, "unexpected fault")
}

func TestClassify_KeepsScanErrorAndTimeout(t *testing.T) {
	classify := Classify(inventory.KindProvider)

	wrapped := fmt.Errorf("assume: %w", inventory.ScanError{Kind: inventory.KindAccessDenied, Remediation: "fix trust"})
	se := classify(wrapped)
	assert.Equal(t, inventory.KindAccessDenied, se.Kind)
	assert.Equal(t, "fix trust", se.Remediation)

	assert.Equal(t, inventory.KindTimeout, classify(fmt.Errorf("list: %w", context.DeadlineExceeded)).Kind)
}

func TestCollect(t *testing.T) {
	results := []Result[string]{
		Ok("a"),
		Fail[string](inventory.ScanError{Kind: inventory.KindDataShape}),
		Ok("b"),
	}

	values, errs := Collect(results)

	assert.Equal(t, []string{"a", "b"}, values)
	require.Len(t, errs, 1)
	assert.Equal(t, inventory.KindDataShape, errs[0].Kind)
}

func TestRetryOnce(t *testing.T) {
	t.Run("succeeds on retry", func(t *testing.T) {
		calls := 0
		err := RetryOnce(context.Background(), func(context.Context) error {
			calls++
			if calls == 1 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("fails twice", func(t *testing.T) {
		calls := 0
		err := RetryOnce(context.Background(), func(context.Context) error {
			calls++
			return fmt.Errorf("attempt %d", calls)
		})
		require.Error(t, err)
		assert.Equal(t, 2, calls)
		assert.Contains(t, err.Error(), "attempt 2")
	})

	t.Run("no retry after cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := RetryOnce(ctx, func(context.Context) error {
			calls++
			return errors.New("down")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
