package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/dbsentry/internal/cache"
	"github.com/yairfalse/dbsentry/internal/metrics"
	"github.com/yairfalse/dbsentry/internal/notify"
	awsplugin "github.com/yairfalse/dbsentry/internal/plugin/aws"
	"github.com/yairfalse/dbsentry/internal/resilience"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// Inventory lists the instances to evaluate.
type Inventory interface {
	ListInstances(includeStale bool) []inventory.InstanceRecord
}

// AlertStore persists alert states with their transitions.
type AlertStore interface {
	GetAlert(instanceKey, ruleID string) (AlertState, bool, error)
	SaveAlert(state AlertState, transition *Transition) error
}

// statser is implemented by cached sources.
type statser interface {
	Stats() cache.Stats
}

// Result is the outcome of one health check. It is always produced.
type Result struct {
	CheckID             string                    `json:"check_id"`
	StartedAt           time.Time                 `json:"started_at"`
	FinishedAt          time.Time                 `json:"finished_at"`
	ExecutionStatus     inventory.ExecutionStatus `json:"execution_status"`
	InstancesChecked    int                       `json:"instances_checked"`
	States              []AlertState              `json:"states"`
	Transitions         []Transition              `json:"transitions"`
	Errors              []inventory.ScanError     `json:"errors"`
	CacheHitRate        float64                   `json:"cache_hit_rate"`
	NotificationsSent   int                       `json:"notifications_sent"`
	NotificationsFailed int                       `json:"notifications_failed"`
}

// CheckerConfig tunes a Checker.
type CheckerConfig struct {
	Rules                []Rule
	Concurrency          int
	Timeout              time.Duration
	NotificationCooldown time.Duration
}

// Checker runs threshold rules over the inventory.
type Checker struct {
	cfg      CheckerConfig
	inv      Inventory
	alerts   AlertStore
	source   metrics.Source
	notifier notify.Notifier
	now      func() time.Time
}

// NewChecker creates a checker. notifier may be nil.
func NewChecker(cfg CheckerConfig, inv Inventory, alerts AlertStore, source metrics.Source, notifier notify.Notifier) *Checker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	return &Checker{cfg: cfg, inv: inv, alerts: alerts, source: source, notifier: notifier, now: time.Now}
}

// instanceOutcome is what one instance evaluation produced.
type instanceOutcome struct {
	states      []AlertState
	transitions []Transition
	errors      []inventory.ScanError
	sent        int
	failed      int
}

// Run evaluates every rule for the selected non-stale instances. ids may
// hold instance ids or identity keys; empty means all instances.
func (c *Checker) Run(ctx context.Context, ids []string) Result {
	res := Result{
		CheckID:   uuid.NewString(),
		StartedAt: c.now(),
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var before cache.Stats
	stats, hasStats := c.source.(statser)
	if hasStats {
		before = stats.Stats()
	}

	instances, missing := c.selectInstances(ids)
	for _, id := range missing {
		res.Errors = append(res.Errors, inventory.ScanError{
			Scope:       inventory.ScopeInstance,
			InstanceID:  id,
			Kind:        inventory.KindMetricUnavailable,
			Message:     "instance not in inventory",
			Remediation: "Run discovery first or check the instance id.",
		})
	}
	res.InstancesChecked = len(instances)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	outcomes := make(chan instanceOutcome, len(instances))
	for _, inst := range instances {
		g.Go(func() error {
			outcomes <- c.checkInstance(gctx, inst)
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(outcomes)
	}()

	for out := range outcomes {
		res.States = append(res.States, out.states...)
		res.Transitions = append(res.Transitions, out.transitions...)
		res.Errors = append(res.Errors, out.errors...)
		res.NotificationsSent += out.sent
		res.NotificationsFailed += out.failed
	}

	sort.Slice(res.States, func(i, j int) bool { return res.States[i].Key() < res.States[j].Key() })

	if hasStats {
		res.CacheHitRate = stats.Stats().Sub(before).HitRate()
	}
	res.FinishedAt = c.now()
	res.ExecutionStatus = inventory.StatusFor(res.Errors)

	log.Info().
		Str("check_id", res.CheckID).
		Int("instances", res.InstancesChecked).
		Int("states", len(res.States)).
		Int("transitions", len(res.Transitions)).
		Int("errors", len(res.Errors)).
		Int("notifications", res.NotificationsSent).
		Float64("cache_hit_rate", res.CacheHitRate).
		Dur("duration", res.FinishedAt.Sub(res.StartedAt)).
		Msg("health check complete")

	return res
}

func (c *Checker) selectInstances(ids []string) ([]inventory.InstanceRecord, []string) {
	all := c.inv.ListInstances(false)
	if len(ids) == 0 {
		return all, nil
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = false
	}

	var selected []inventory.InstanceRecord
	for _, inst := range all {
		for _, id := range []string{inst.Key(), inst.InstanceID} {
			if _, ok := wanted[id]; ok {
				wanted[id] = true
				selected = append(selected, inst)
				break
			}
		}
	}

	var missing []string
	for _, id := range ids {
		if !wanted[id] {
			missing = append(missing, id)
		}
	}
	return selected, missing
}

func (c *Checker) checkInstance(ctx context.Context, inst inventory.InstanceRecord) instanceOutcome {
	boundary := inventory.ScanError{
		Scope:      inventory.ScopeInstance,
		AccountID:  inst.AccountID,
		Region:     inst.Region,
		InstanceID: inst.InstanceID,
	}

	r := resilience.Guard(boundary, resilience.Classify(inventory.KindInternal), func() (instanceOutcome, error) {
		var out instanceOutcome
		for _, rule := range c.cfg.Rules {
			if err := ctx.Err(); err != nil {
				out.errors = append(out.errors, withBoundary(boundary, inventory.ScanError{
					Kind:    inventory.KindTimeout,
					Message: fmt.Sprintf("rule %s not evaluated: %v", rule.ID, err),
				}))
				continue
			}
			c.evaluate(ctx, inst, rule, boundary, &out)
		}
		return out, nil
	})
	if !r.IsOk() {
		return instanceOutcome{errors: []inventory.ScanError{*r.Err}}
	}
	return r.Value
}

func (c *Checker) evaluate(ctx context.Context, inst inventory.InstanceRecord, rule Rule, boundary inventory.ScanError, out *instanceOutcome) {
	prev, found, err := c.alerts.GetAlert(inst.Key(), rule.ID)
	if err != nil {
		out.errors = append(out.errors, withBoundary(boundary, inventory.ScanError{
			Kind:    inventory.KindPersistence,
			Message: fmt.Sprintf("rule %s: %v", rule.ID, err),
		}))
		return
	}
	if !found {
		prev = AlertState{InstanceKey: inst.Key(), InstanceID: inst.InstanceID, RuleID: rule.ID, Status: StatusOK}
	}

	value, err := c.source.Fetch(ctx, inst, metrics.Query{Metric: rule.Metric, Statistic: rule.Statistic, Period: rule.Period})
	if err != nil {
		se := classifyFetch(err)
		se.Message = fmt.Sprintf("rule %s: %s", rule.ID, se.Message)
		out.errors = append(out.errors, withBoundary(boundary, se))
		if found {
			out.states = append(out.states, prev)
		}
		return
	}

	now := c.now()
	obs := Observe(prev, rule, value, now)
	state := obs.State

	if obs.Changed {
		if err := c.alerts.SaveAlert(state, obs.Transition); err != nil {
			out.errors = append(out.errors, withBoundary(boundary, inventory.ScanError{
				Kind:    inventory.KindPersistence,
				Message: fmt.Sprintf("rule %s: %v", rule.ID, err),
			}))
			if found {
				out.states = append(out.states, prev)
			}
			return
		}
		if obs.Transition != nil {
			out.transitions = append(out.transitions, *obs.Transition)
			log.Info().
				Str("instance", inst.Key()).
				Str("rule", rule.ID).
				Str("from", string(obs.Transition.From)).
				Str("to", string(obs.Transition.To)).
				Float64("value", value).
				Msg("alert transition")
		}
	}

	if c.notifier != nil && ShouldNotify(state, c.cfg.NotificationCooldown, now) {
		state = c.deliver(ctx, inst, rule, state, now, boundary, out)
	}

	if found || obs.Changed {
		out.states = append(out.states, state)
	}
}

// deliver sends the notification and records it on success. Failures are
// reported but leave the state eligible for the next pass.
func (c *Checker) deliver(ctx context.Context, inst inventory.InstanceRecord, rule Rule, state AlertState, now time.Time, boundary inventory.ScanError, out *instanceOutcome) AlertState {
	n := notify.Notification{
		InstanceKey: inst.Key(),
		InstanceID:  inst.InstanceID,
		AccountID:   inst.AccountID,
		Region:      inst.Region,
		Engine:      inst.Engine,
		RuleID:      rule.ID,
		Metric:      rule.Metric,
		Value:       state.LastValue,
		Operator:    string(rule.Operator),
		Threshold:   rule.Value,
		Severity:    string(state.Severity),
		Consecutive: state.ConsecutiveViolations,
		Remediation: rule.DefaultRemediation(),
		TriggeredAt: now,
	}

	if err := c.notifier.Notify(ctx, n); err != nil {
		log.Warn().Err(err).Str("instance", inst.Key()).Str("rule", rule.ID).Msg("notification delivery failed")
		out.failed++
		out.errors = append(out.errors, withBoundary(boundary, inventory.ScanError{
			Kind:        inventory.KindNotification,
			Message:     fmt.Sprintf("rule %s: %v", rule.ID, err),
			Remediation: "Check the notification channel; delivery is retried on the next health check.",
		}))
		return state
	}

	// The notification is out; recording it is not abandoned with the check.
	notified := MarkNotified(state, now)
	err := resilience.RetryOnce(context.WithoutCancel(ctx), func(context.Context) error {
		return c.alerts.SaveAlert(notified, nil)
	})
	if err != nil {
		out.errors = append(out.errors, withBoundary(boundary, inventory.ScanError{
			Kind:    inventory.KindPersistence,
			Message: fmt.Sprintf("rule %s: record notification: %v", rule.ID, err),
		}))
	}
	out.sent++
	return notified
}

// classifyFetch maps a metric fetch failure to a scan error.
func classifyFetch(err error) inventory.ScanError {
	var scoped interface{ ScanError() inventory.ScanError }
	if errors.As(err, &scoped) {
		se := scoped.ScanError()
		return inventory.ScanError{Kind: se.Kind, Message: se.Message, Remediation: se.Remediation}
	}
	if errors.Is(err, metrics.ErrNoData) {
		return inventory.ScanError{
			Kind:        inventory.KindMetricUnavailable,
			Message:     err.Error(),
			Remediation: "The instance published no datapoints in the window; state left unchanged.",
		}
	}
	return awsplugin.ClassifyError(err)
}

func withBoundary(boundary, e inventory.ScanError) inventory.ScanError {
	e.Scope = boundary.Scope
	e.AccountID = boundary.AccountID
	e.Region = boundary.Region
	e.InstanceID = boundary.InstanceID
	return e
}
