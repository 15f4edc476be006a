package metrics

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	awsplugin "github.com/yairfalse/dbsentry/internal/plugin/aws"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// CloudWatchAPI defines the CloudWatch operations used by the source.
type CloudWatchAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// ClientFunc returns a CloudWatch client for an account and region.
type ClientFunc func(ctx context.Context, accountID, region string) (CloudWatchAPI, error)

type dimension struct {
	namespace string
	name      string
}

var dimensions = map[string]dimension{
	awsplugin.EngineRDS:      {namespace: "AWS/RDS", name: "DBInstanceIdentifier"},
	awsplugin.EngineRedshift: {namespace: "AWS/Redshift", name: "ClusterIdentifier"},
	awsplugin.EngineMemoryDB: {namespace: "AWS/MemoryDB", name: "ClusterName"},
}

// lookback is how many periods are requested so that at least one
// completed datapoint is available.
const lookback = 3

// CloudWatch fetches metrics with GetMetricStatistics.
type CloudWatch struct {
	clients ClientFunc
	now     func() time.Time
}

// NewCloudWatch creates a CloudWatch source.
func NewCloudWatch(clients ClientFunc) *CloudWatch {
	return &CloudWatch{clients: clients, now: time.Now}
}

// Fetch returns the latest datapoint's statistic.
func (c *CloudWatch) Fetch(ctx context.Context, inst inventory.InstanceRecord, q Query) (float64, error) {
	dim, ok := dimensions[inst.Source]
	if !ok {
		return 0, fmt.Errorf("no metric namespace for source %q", inst.Source)
	}

	client, err := c.clients(ctx, inst.AccountID, inst.Region)
	if err != nil {
		return 0, err
	}

	period := q.Period
	if period < time.Minute {
		period = time.Minute
	}
	end := c.now()
	input := &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(dim.namespace),
		MetricName: aws.String(q.Metric),
		Dimensions: []cwtypes.Dimension{{Name: aws.String(dim.name), Value: aws.String(inst.InstanceID)}},
		StartTime:  aws.Time(end.Add(-lookback * period)),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(int32(period / time.Second)),
	}
	extended := isExtended(q.Statistic)
	if extended {
		input.ExtendedStatistics = []string{q.Statistic}
	} else {
		input.Statistics = []cwtypes.Statistic{cwtypes.Statistic(q.Statistic)}
	}

	output, err := client.GetMetricStatistics(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("get metric statistics %s/%s: %w", dim.namespace, q.Metric, err)
	}

	var latest *cwtypes.Datapoint
	for i := range output.Datapoints {
		dp := &output.Datapoints[i]
		if latest == nil || aws.ToTime(dp.Timestamp).After(aws.ToTime(latest.Timestamp)) {
			latest = dp
		}
	}
	if latest == nil {
		return 0, fmt.Errorf("%s %s for %s: %w", q.Statistic, q.Metric, inst.Key(), ErrNoData)
	}

	v, ok := statistic(*latest, q.Statistic, extended)
	if !ok {
		return 0, fmt.Errorf("%s %s for %s: statistic missing from datapoint: %w", q.Statistic, q.Metric, inst.Key(), ErrNoData)
	}
	return v, nil
}

func isExtended(stat string) bool {
	return strings.HasPrefix(stat, "p") || strings.HasPrefix(stat, "tm") || strings.HasPrefix(stat, "tc")
}

func statistic(dp cwtypes.Datapoint, stat string, extended bool) (float64, bool) {
	if extended {
		v, ok := dp.ExtendedStatistics[stat]
		return v, ok
	}

	var v *float64
	switch cwtypes.Statistic(stat) {
	case cwtypes.StatisticAverage:
		v = dp.Average
	case cwtypes.StatisticMaximum:
		v = dp.Maximum
	case cwtypes.StatisticMinimum:
		v = dp.Minimum
	case cwtypes.StatisticSum:
		v = dp.Sum
	case cwtypes.StatisticSampleCount:
		v = dp.SampleCount
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// CredentialsFunc returns account-scoped credentials.
type CredentialsFunc func(ctx context.Context, accountID string) (aws.Config, error)

// BrokeredClients builds CloudWatch clients on account-scoped credentials.
// Credentials are requested at most once per account for the lifetime of
// the value, including failures, so create one per run.
type BrokeredClients struct {
	creds       CredentialsFunc
	maxAttempts int

	mu       sync.Mutex
	accounts map[string]*accountCreds
}

type accountCreds struct {
	once sync.Once
	cfg  aws.Config
	err  error
}

// NewBrokeredClients creates a per-run client factory.
func NewBrokeredClients(creds CredentialsFunc, maxAttempts int) *BrokeredClients {
	return &BrokeredClients{creds: creds, maxAttempts: maxAttempts, accounts: make(map[string]*accountCreds)}
}

// Client returns a CloudWatch client for the account and region.
func (b *BrokeredClients) Client(ctx context.Context, accountID, region string) (CloudWatchAPI, error) {
	b.mu.Lock()
	ac, ok := b.accounts[accountID]
	if !ok {
		ac = &accountCreds{}
		b.accounts[accountID] = ac
	}
	b.mu.Unlock()

	ac.once.Do(func() {
		ac.cfg, ac.err = b.creds(ctx, accountID)
	})
	if ac.err != nil {
		return nil, ac.err
	}

	cfg := awsplugin.WithRetryer(ac.cfg, b.maxAttempts)
	cfg.Region = region
	return cloudwatch.NewFromConfig(cfg), nil
}
