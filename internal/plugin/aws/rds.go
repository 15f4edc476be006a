package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/yairfalse/dbsentry/internal/plugin"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// RDSLister lists RDS DB instances (including Aurora members).
type RDSLister struct {
	client    RDSAPI
	accountID string
	region    string
}

// NewRDSLister creates an RDS lister.
func NewRDSLister(client RDSAPI, accountID, region string) *RDSLister {
	return &RDSLister{client: client, accountID: accountID, region: region}
}

// Engine returns the lister name.
func (l *RDSLister) Engine() string {
	return EngineRDS
}

// List pages through DescribeDBInstances.
func (l *RDSLister) List(ctx context.Context) (plugin.Listing, error) {
	var out plugin.Listing
	var marker *string

	for {
		output, err := l.client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{Marker: marker})
		if err != nil {
			return plugin.Listing{}, fmt.Errorf("describe db instances: %w", err)
		}

		for _, instance := range output.DBInstances {
			extractInto(&out, l.accountID, l.region, aws.ToString(instance.DBInstanceIdentifier), func() (extraction, error) {
				return convertRDSInstance(instance)
			})
		}

		if output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	return out, nil
}

func convertRDSInstance(instance rdstypes.DBInstance) (extraction, error) {
	id := aws.ToString(instance.DBInstanceIdentifier)
	if id == "" {
		return extraction{}, missingIdentifier("DBInstanceIdentifier")
	}

	var f fieldTracker
	rec := inventory.InstanceRecord{
		InstanceID:    id,
		Source:        EngineRDS,
		Engine:        f.str("Engine", instance.Engine),
		EngineVersion: f.str("EngineVersion", instance.EngineVersion),
		InstanceClass: f.str("DBInstanceClass", instance.DBInstanceClass),
		Status:        f.str("DBInstanceStatus", instance.DBInstanceStatus),
		StorageGB:     f.int32("AllocatedStorage", inventory.FieldStorageGB, instance.AllocatedStorage),
		MultiAZ:       f.bool("MultiAZ", inventory.FieldMultiAZ, instance.MultiAZ),
		Tags:          make(map[string]string, len(instance.TagList)),
	}
	for _, tag := range instance.TagList {
		rec.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	if instance.Endpoint != nil {
		rec.Endpoint = aws.ToString(instance.Endpoint.Address)
	}

	return f.result(rec), nil
}
