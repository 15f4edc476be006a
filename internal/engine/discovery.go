package engine

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/dbsentry/internal/config"
	"github.com/yairfalse/dbsentry/internal/persist"
	"github.com/yairfalse/dbsentry/internal/plugin"
	awsplugin "github.com/yairfalse/dbsentry/internal/plugin/aws"
	"github.com/yairfalse/dbsentry/internal/resilience"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// accountPlan is a brokered account ready to scan.
type accountPlan struct {
	scope   config.AccountScope
	cfg     aws.Config
	regions []string
}

// pairOutcome is what scanning one account/region produced.
type pairOutcome struct {
	accountID string
	region    string
	delta     persist.Delta
	persisted bool
	skipped   bool
	errors    []inventory.ScanError
}

// RunDiscovery scans every account/region pair in scope and reconciles the
// inventory. It is safe to re-invoke; persisted pairs stay persisted when
// the run budget expires. An empty engine list means rds.
func (e *Engine) RunDiscovery(ctx context.Context, scope config.Scope) (result inventory.ScanResult) {
	scope.Accounts = slices.Clone(scope.Accounts)
	scope.ApplyDefaults()

	result = inventory.ScanResult{
		ScanID:    uuid.NewString(),
		StartedAt: e.now(),
	}

	ctx, span := tracer.Start(ctx, "discovery", trace.WithAttributes(attribute.String("scan_id", result.ScanID)))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			result.Errors = append(result.Errors, internalFault(p))
			result.ExecutionStatus = inventory.StatusFailed
			result.FinishedAt = e.now()
		}
		e.publishScan(ctx, &result)
		if result.ExecutionStatus == inventory.StatusFailed {
			span.SetStatus(codes.Error, "discovery failed")
		}
	}()

	if e.cfg.Discovery.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Discovery.Timeout)
		defer cancel()
	}

	log.Info().
		Str("scan_id", result.ScanID).
		Bool("organization_wide", scope.OrganizationWide).
		Strs("engines", scope.Engines).
		Msg("starting discovery")

	accounts, err := e.resolveAccounts(ctx, scope)
	if err != nil {
		se := awsplugin.ClassifyError(err)
		se.Scope = inventory.ScopeRun
		if se.Remediation == "" {
			se.Remediation = "Check organizations:ListAccounts permission of the home identity."
		}
		result.Errors = append(result.Errors, se)
		e.finish(&result)
		return result
	}
	result.AccountsAttempted = len(accounts)
	if len(accounts) == 0 {
		result.Errors = append(result.Errors, inventory.ScanError{
			Scope:       inventory.ScopeRun,
			Kind:        inventory.KindProvider,
			Message:     "no accounts in scope",
			Remediation: "List accounts under scope.accounts or check the organization has ACTIVE member accounts.",
		})
		e.finish(&result)
		return result
	}

	b := e.brokers(result.ScanID)
	plans, errs := e.brokerAccounts(ctx, b, scope, accounts)
	result.Errors = append(result.Errors, errs...)

	outcomes := e.scanPairs(ctx, plans, scope.Engines)
	e.aggregate(&result, outcomes)

	e.finish(&result)
	span.SetAttributes(
		attribute.Int("accounts_attempted", result.AccountsAttempted),
		attribute.Int("accounts_scanned", result.AccountsScanned),
		attribute.Int("total_instances", result.TotalInstances),
	)
	return result
}

// resolveAccounts returns the accounts in scope. Organization accounts are
// paired with the scope defaults; explicitly configured accounts keep their
// own settings.
func (e *Engine) resolveAccounts(ctx context.Context, scope config.Scope) ([]config.AccountScope, error) {
	if !scope.OrganizationWide {
		return scope.Accounts, nil
	}

	ids, err := e.discovery.Accounts(ctx, e.base)
	if err != nil {
		return nil, fmt.Errorf("resolve organization accounts: %w", err)
	}

	seen := make(map[string]bool, len(ids))
	accounts := make([]config.AccountScope, 0, len(ids)+len(scope.Accounts))
	for _, id := range ids {
		seen[id] = true
		accounts = append(accounts, scope.DefaultAccount(id))
	}
	for _, a := range scope.Accounts {
		if !seen[a.AccountID] {
			accounts = append(accounts, a)
		}
	}
	return accounts, nil
}

// brokerAccounts assumes each account's role and resolves its regions with
// bounded parallelism. Failures are account-scope errors.
func (e *Engine) brokerAccounts(ctx context.Context, b CredentialBroker, scope config.Scope, accounts []config.AccountScope) ([]accountPlan, []inventory.ScanError) {
	results := make([]resilience.Result[accountPlan], len(accounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Discovery.Concurrency)

	for i, a := range accounts {
		g.Go(func() error {
			boundary := inventory.ScanError{Scope: inventory.ScopeAccount, AccountID: a.AccountID}
			results[i] = resilience.Guard(boundary, asScanError, func() (accountPlan, error) {
				return e.planAccount(gctx, b, scope, a)
			})
			return nil
		})
	}
	_ = g.Wait()

	return resilience.Collect(results)
}

func (e *Engine) planAccount(ctx context.Context, b CredentialBroker, scope config.Scope, a config.AccountScope) (accountPlan, error) {
	cfg, err := b.Credentials(ctx, a)
	if err != nil {
		return accountPlan{}, err
	}

	regions := scope.RegionsFor(a)
	if len(regions) == 0 {
		regions, err = e.discovery.Regions(ctx, cfg)
		if err != nil {
			return accountPlan{}, err
		}
	}

	return accountPlan{scope: a, cfg: cfg, regions: regions}, nil
}

// scanPairs fans out over every account/region pair. Pairs not started
// before the run budget expires are reported as skipped.
func (e *Engine) scanPairs(ctx context.Context, plans []accountPlan, engines []string) []pairOutcome {
	total := 0
	for _, p := range plans {
		total += len(p.regions)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Discovery.Concurrency)

	results := make(chan pairOutcome, total)
	for _, plan := range plans {
		for _, region := range plan.regions {
			g.Go(func() error {
				if gctx.Err() != nil {
					results <- pairOutcome{accountID: plan.scope.AccountID, region: region, skipped: true}
					return nil
				}
				results <- e.scanPair(gctx, plan, region, engines)
				return nil
			})
		}
	}

	go func() {
		_ = g.Wait()
		close(results)
	}()

	outcomes := make([]pairOutcome, 0, total)
	for out := range results {
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// scanPair lists every engine in one account/region. The pair is persisted
// only when every lister succeeded, so a failed listing never marks
// instances stale.
func (e *Engine) scanPair(ctx context.Context, plan accountPlan, region string, engines []string) pairOutcome {
	accountID := plan.scope.AccountID
	out := pairOutcome{accountID: accountID, region: region}
	boundary := inventory.ScanError{Scope: inventory.ScopeRegion, AccountID: accountID, Region: region}

	ctx, span := tracer.Start(ctx, "scan_pair", trace.WithAttributes(
		attribute.String("account", accountID),
		attribute.String("region", region),
	))
	defer span.End()

	listers, err := e.registry.Listers(plan.cfg, accountID, region, engines)
	if err != nil {
		se := boundary
		se.Kind = inventory.KindProvider
		se.Message = err.Error()
		out.errors = append(out.errors, se)
		return out
	}

	var listing plugin.Listing
	sources := make([]string, 0, len(listers))
	failed := false
	for _, l := range listers {
		sources = append(sources, l.Engine())
		r := resilience.Guard(boundary, awsplugin.ClassifyError, func() (plugin.Listing, error) {
			return l.List(ctx)
		})
		if !r.IsOk() {
			se := *r.Err
			se.Message = l.Engine() + ": " + se.Message
			out.errors = append(out.errors, se)
			failed = true
			continue
		}
		listing.Merge(r.Value)
	}
	out.errors = append(out.errors, listing.Issues...)

	if failed {
		span.SetStatus(codes.Error, "listing failed")
		log.Warn().
			Str("account", accountID).
			Str("region", region).
			Msg("pair not persisted after listing failure")
		return out
	}

	// Persisting is not abandoned when the run budget expires mid-write.
	delta, err := e.persister.Apply(context.WithoutCancel(ctx), accountID, region, sources, listing.Records, e.now())
	if err != nil {
		out.errors = append(out.errors, asScanError(err))
		return out
	}

	out.delta = delta
	out.persisted = true
	span.SetAttributes(attribute.Int("instances", delta.Seen()))
	return out
}

// aggregate folds pair outcomes into the result and reports accounts whose
// pairs were cut off by the run budget.
func (e *Engine) aggregate(result *inventory.ScanResult, outcomes []pairOutcome) {
	skipped := make(map[string]int)
	for _, out := range outcomes {
		if out.skipped {
			skipped[out.accountID]++
			continue
		}
		result.Errors = append(result.Errors, out.errors...)
		if !out.persisted {
			continue
		}
		result.RegionsScanned++
		result.TotalInstances += out.delta.Seen()
		result.NewInstances = append(result.NewInstances, out.delta.New...)
		result.UpdatedInstances = append(result.UpdatedInstances, out.delta.Updated...)
		result.RemovedInstances = append(result.RemovedInstances, out.delta.Removed...)
		result.PurgedInstances = append(result.PurgedInstances, out.delta.Purged...)
	}

	failedAccounts := make(map[string]bool)
	for _, se := range result.Errors {
		if se.Scope == inventory.ScopeAccount {
			failedAccounts[se.AccountID] = true
		}
	}
	for _, accountID := range sortedKeys(skipped) {
		if failedAccounts[accountID] {
			continue
		}
		result.Errors = append(result.Errors, inventory.ScanError{
			Scope:       inventory.ScopeAccount,
			AccountID:   accountID,
			Kind:        inventory.KindTimeout,
			Message:     fmt.Sprintf("run budget expired before %d region(s) were scanned", skipped[accountID]),
			Remediation: "Raise discovery.timeout or discovery.concurrency.",
		})
	}
}

// finish derives the counters and status of a run that did not panic.
func (e *Engine) finish(result *inventory.ScanResult) {
	result.AccountsScanned = result.AccountsAttempted - result.AccountErrors()
	if result.AccountsScanned < 0 {
		result.AccountsScanned = 0
	}

	sort.Strings(result.NewInstances)
	sort.Strings(result.UpdatedInstances)
	sort.Strings(result.RemovedInstances)
	sort.Strings(result.PurgedInstances)
	sortErrors(result.Errors)

	result.FinishedAt = e.now()
	result.ExecutionStatus = inventory.StatusFor(result.Errors)
}

// publishScan stores, archives and reports a finished scan result.
func (e *Engine) publishScan(ctx context.Context, result *inventory.ScanResult) {
	ctx = context.WithoutCancel(ctx)

	if err := e.store.SaveScanResult(*result); err != nil {
		log.Error().Err(err).Str("scan_id", result.ScanID).Msg("failed to save scan result")
		result.Errors = append(result.Errors, inventory.ScanError{
			Scope:   inventory.ScopeRun,
			Kind:    inventory.KindPersistence,
			Message: fmt.Sprintf("save scan result: %v", err),
		})
		if result.ExecutionStatus != inventory.StatusFailed {
			result.ExecutionStatus = inventory.StatusCompletedWithErrors
		}
	}

	if e.archiver != nil {
		if err := e.archiver.Archive(ctx, *result); err != nil {
			log.Warn().Err(err).Str("scan_id", result.ScanID).Msg("failed to archive scan result")
		}
	}

	if e.telemetry != nil {
		e.telemetry.RecordScan(ctx, *result)
	}

	log.Info().
		Str("scan_id", result.ScanID).
		Str("status", string(result.ExecutionStatus)).
		Int("accounts_attempted", result.AccountsAttempted).
		Int("accounts_scanned", result.AccountsScanned).
		Int("regions_scanned", result.RegionsScanned).
		Int("instances", result.TotalInstances).
		Int("new", len(result.NewInstances)).
		Int("updated", len(result.UpdatedInstances)).
		Int("removed", len(result.RemovedInstances)).
		Int("purged", len(result.PurgedInstances)).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration()).
		Msg("discovery complete")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
