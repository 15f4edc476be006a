package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	redshifttypes "github.com/aws/aws-sdk-go-v2/service/redshift/types"

	"github.com/yairfalse/dbsentry/internal/plugin"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// RedshiftLister lists provisioned Redshift clusters.
type RedshiftLister struct {
	client    RedshiftAPI
	accountID string
	region    string
}

// NewRedshiftLister creates a Redshift lister.
func NewRedshiftLister(client RedshiftAPI, accountID, region string) *RedshiftLister {
	return &RedshiftLister{client: client, accountID: accountID, region: region}
}

// Engine returns the lister name.
func (l *RedshiftLister) Engine() string {
	return EngineRedshift
}

// List pages through DescribeClusters.
func (l *RedshiftLister) List(ctx context.Context) (plugin.Listing, error) {
	var out plugin.Listing
	var marker *string

	for {
		output, err := l.client.DescribeClusters(ctx, &redshift.DescribeClustersInput{Marker: marker})
		if err != nil {
			return plugin.Listing{}, fmt.Errorf("describe redshift clusters: %w", err)
		}

		for _, cluster := range output.Clusters {
			extractInto(&out, l.accountID, l.region, aws.ToString(cluster.ClusterIdentifier), func() (extraction, error) {
				return convertRedshiftCluster(cluster)
			})
		}

		if output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	return out, nil
}

func convertRedshiftCluster(cluster redshifttypes.Cluster) (extraction, error) {
	id := aws.ToString(cluster.ClusterIdentifier)
	if id == "" {
		return extraction{}, missingIdentifier("ClusterIdentifier")
	}

	var f fieldTracker
	rec := inventory.InstanceRecord{
		InstanceID:    id,
		Source:        EngineRedshift,
		Engine:        "redshift",
		EngineVersion: f.str("ClusterVersion", cluster.ClusterVersion),
		InstanceClass: f.str("NodeType", cluster.NodeType),
		Status:        f.str("ClusterStatus", cluster.ClusterStatus),
		// A multi-node cluster spreads slices across nodes but stays in one AZ.
		MultiAZ: false,
		Tags:    make(map[string]string, len(cluster.Tags)),
	}
	for _, tag := range cluster.Tags {
		rec.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	if cluster.Endpoint != nil {
		rec.Endpoint = aws.ToString(cluster.Endpoint.Address)
	}

	return f.result(rec), nil
}
