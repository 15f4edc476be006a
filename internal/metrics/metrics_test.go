package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/dbsentry/internal/cache"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

type mockCloudWatchClient struct {
	GetMetricStatisticsFunc func(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

func (m *mockCloudWatchClient) GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	return m.GetMetricStatisticsFunc(ctx, params, optFns...)
}

var (
	now     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rdsInst = inventory.InstanceRecord{AccountID: "111111111111", Region: "us-east-1", InstanceID: "orders-db", Source: "rds"}
	cpu     = Query{Metric: "CPUUtilization", Statistic: "Average", Period: 5 * time.Minute}
)

func staticClient(client CloudWatchAPI) ClientFunc {
	return func(ctx context.Context, accountID, region string) (CloudWatchAPI, error) {
		return client, nil
	}
}

func TestCloudWatch_LatestDatapointWins(t *testing.T) {
	var got *cloudwatch.GetMetricStatisticsInput
	mock := &mockCloudWatchClient{
		GetMetricStatisticsFunc: func(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
			got = params
			return &cloudwatch.GetMetricStatisticsOutput{Datapoints: []cwtypes.Datapoint{
				{Timestamp: aws.Time(now.Add(-10 * time.Minute)), Average: aws.Float64(40)},
				{Timestamp: aws.Time(now.Add(-5 * time.Minute)), Average: aws.Float64(95)},
				{Timestamp: aws.Time(now.Add(-15 * time.Minute)), Average: aws.Float64(20)},
			}}, nil
		},
	}

	src := NewCloudWatch(staticClient(mock))
	src.now = func() time.Time { return now }

	v, err := src.Fetch(context.Background(), rdsInst, cpu)
	require.NoError(t, err)
	assert.Equal(t, 95.0, v)

	assert.Equal(t, "AWS/RDS", aws.ToString(got.Namespace))
	assert.Equal(t, "DBInstanceIdentifier", aws.ToString(got.Dimensions[0].Name))
	assert.Equal(t, "orders-db", aws.ToString(got.Dimensions[0].Value))
	assert.Equal(t, int32(300), aws.ToInt32(got.Period))
	assert.Equal(t, now.Add(-15*time.Minute), aws.ToTime(got.StartTime))
	assert.Equal(t, []cwtypes.Statistic{cwtypes.StatisticAverage}, got.Statistics)
}

func TestCloudWatch_ExtendedStatistic(t *testing.T) {
	mock := &mockCloudWatchClient{
		GetMetricStatisticsFunc: func(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
			assert.Equal(t, []string{"p99"}, params.ExtendedStatistics)
			assert.Empty(t, params.Statistics)
			return &cloudwatch.GetMetricStatisticsOutput{Datapoints: []cwtypes.Datapoint{
				{Timestamp: aws.Time(now), ExtendedStatistics: map[string]float64{"p99": 12.5}},
			}}, nil
		},
	}

	q := Query{Metric: "ReadLatency", Statistic: "p99", Period: time.Minute}
	v, err := NewCloudWatch(staticClient(mock)).Fetch(context.Background(), rdsInst, q)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)
}

func TestCloudWatch_NoData(t *testing.T) {
	mock := &mockCloudWatchClient{
		GetMetricStatisticsFunc: func(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
			return &cloudwatch.GetMetricStatisticsOutput{}, nil
		},
	}

	_, err := NewCloudWatch(staticClient(mock)).Fetch(context.Background(), rdsInst, cpu)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestCloudWatch_DimensionsPerSource(t *testing.T) {
	var namespace, dim string
	mock := &mockCloudWatchClient{
		GetMetricStatisticsFunc: func(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
			namespace = aws.ToString(params.Namespace)
			dim = aws.ToString(params.Dimensions[0].Name)
			return &cloudwatch.GetMetricStatisticsOutput{Datapoints: []cwtypes.Datapoint{{Timestamp: aws.Time(now), Maximum: aws.Float64(1)}}}, nil
		},
	}
	src := NewCloudWatch(staticClient(mock))
	q := Query{Metric: "EngineCPUUtilization", Statistic: "Maximum", Period: time.Minute}

	inst := rdsInst
	inst.Source = "memorydb"
	_, err := src.Fetch(context.Background(), inst, q)
	require.NoError(t, err)
	assert.Equal(t, "AWS/MemoryDB", namespace)
	assert.Equal(t, "ClusterName", dim)

	inst.Source = "redshift"
	_, err = src.Fetch(context.Background(), inst, q)
	require.NoError(t, err)
	assert.Equal(t, "AWS/Redshift", namespace)
	assert.Equal(t, "ClusterIdentifier", dim)

	inst.Source = "docdb"
	_, err = src.Fetch(context.Background(), inst, q)
	assert.Error(t, err)
}

// countingSource counts fetches and returns a fixed value.
type countingSource struct {
	calls atomic.Int32
	value float64
	err   error
}

func (s *countingSource) Fetch(ctx context.Context, inst inventory.InstanceRecord, q Query) (float64, error) {
	s.calls.Add(1)
	return s.value, s.err
}

func TestCachedSource_ReadThrough(t *testing.T) {
	next := &countingSource{value: 42}
	src := NewCachedSource(next, cache.NewMemory(), time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := src.Fetch(ctx, rdsInst, cpu)
		require.NoError(t, err)
		assert.Equal(t, 42.0, v)
	}

	assert.Equal(t, int32(1), next.calls.Load())
	assert.Equal(t, int64(2), src.Stats().Hits)
	assert.Equal(t, int64(1), src.Stats().Misses)
}

func TestCachedSource_ErrorsAreNotCached(t *testing.T) {
	next := &countingSource{err: errors.New("throttled")}
	src := NewCachedSource(next, cache.NewMemory(), time.Minute)
	ctx := context.Background()

	_, err := src.Fetch(ctx, rdsInst, cpu)
	require.Error(t, err)
	_, err = src.Fetch(ctx, rdsInst, cpu)
	require.Error(t, err)

	assert.Equal(t, int32(2), next.calls.Load())
}

func TestBrokeredClients_CredentialsOncePerAccount(t *testing.T) {
	var calls atomic.Int32
	clients := NewBrokeredClients(func(ctx context.Context, accountID string) (aws.Config, error) {
		calls.Add(1)
		if accountID == "222222222222" {
			return aws.Config{}, errors.New("access denied")
		}
		return aws.Config{Region: "us-east-1"}, nil
	}, 3)
	ctx := context.Background()

	for _, region := range []string{"us-east-1", "eu-west-1"} {
		c, err := clients.Client(ctx, "111111111111", region)
		require.NoError(t, err)
		assert.NotNil(t, c)
	}
	for i := 0; i < 2; i++ {
		_, err := clients.Client(ctx, "222222222222", "us-east-1")
		assert.Error(t, err)
	}

	assert.Equal(t, int32(2), calls.Load())
}
