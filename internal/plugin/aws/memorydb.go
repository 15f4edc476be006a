package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/memorydb"
	memorydbtypes "github.com/aws/aws-sdk-go-v2/service/memorydb/types"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/dbsentry/internal/plugin"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// MemoryDBLister lists MemoryDB clusters.
type MemoryDBLister struct {
	client    MemoryDBAPI
	accountID string
	region    string
}

// NewMemoryDBLister creates a MemoryDB lister.
func NewMemoryDBLister(client MemoryDBAPI, accountID, region string) *MemoryDBLister {
	return &MemoryDBLister{client: client, accountID: accountID, region: region}
}

// Engine returns the lister name.
func (l *MemoryDBLister) Engine() string {
	return EngineMemoryDB
}

// List pages through DescribeClusters and fetches tags per cluster.
// A tag lookup failure degrades that record only.
func (l *MemoryDBLister) List(ctx context.Context) (plugin.Listing, error) {
	var out plugin.Listing
	var nextToken *string

	for {
		output, err := l.client.DescribeClusters(ctx, &memorydb.DescribeClustersInput{NextToken: nextToken})
		if err != nil {
			return plugin.Listing{}, fmt.Errorf("describe memorydb clusters: %w", err)
		}

		for _, cluster := range output.Clusters {
			extractInto(&out, l.accountID, l.region, aws.ToString(cluster.Name), func() (extraction, error) {
				ext, err := convertMemoryDBCluster(cluster)
				if err != nil {
					return ext, err
				}
				tags, err := l.tags(ctx, cluster.ARN)
				if err != nil {
					log.Debug().Err(err).Str("cluster", ext.record.InstanceID).Msg("memorydb tag lookup failed")
					ext.missing = append(ext.missing, "Tags")
					return ext, nil
				}
				ext.record.Tags = tags
				return ext, nil
			})
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return out, nil
}

func (l *MemoryDBLister) tags(ctx context.Context, arn *string) (map[string]string, error) {
	if arn == nil {
		return nil, missingIdentifier("ARN")
	}
	output, err := l.client.ListTags(ctx, &memorydb.ListTagsInput{ResourceArn: arn})
	if err != nil {
		return nil, fmt.Errorf("list memorydb tags: %w", err)
	}
	tags := make(map[string]string, len(output.TagList))
	for _, tag := range output.TagList {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return tags, nil
}

func convertMemoryDBCluster(cluster memorydbtypes.Cluster) (extraction, error) {
	id := aws.ToString(cluster.Name)
	if id == "" {
		return extraction{}, missingIdentifier("Name")
	}

	var f fieldTracker
	rec := inventory.InstanceRecord{
		InstanceID:    id,
		Source:        EngineMemoryDB,
		Engine:        "redis",
		EngineVersion: f.str("EngineVersion", cluster.EngineVersion),
		InstanceClass: f.str("NodeType", cluster.NodeType),
		Status:        f.str("Status", cluster.Status),
		MultiAZ:       string(cluster.AvailabilityMode) == "multiaz",
		Tags:          map[string]string{},
	}
	if cluster.ClusterEndpoint != nil {
		rec.Endpoint = aws.ToString(cluster.ClusterEndpoint.Address)
	}

	return f.result(rec), nil
}
