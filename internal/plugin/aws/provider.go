// Package aws implements the managed-database listers, region discovery and
// organization account enumeration on the AWS SDK.
package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/memorydb"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/redshift"

	"github.com/yairfalse/dbsentry/internal/plugin"
)

// Engine names served by this package.
const (
	EngineRDS      = "rds"
	EngineRedshift = "redshift"
	EngineMemoryDB = "memorydb"
)

// WithRetryer returns a copy of cfg whose clients retry throttling and
// transient errors at most maxAttempts times in total.
func WithRetryer(cfg aws.Config, maxAttempts int) aws.Config {
	if maxAttempts <= 0 {
		return cfg
	}
	out := cfg.Copy()
	out.Retryer = func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxAttempts
		})
	}
	return out
}

func regional(cfg aws.Config, region string, maxAttempts int) aws.Config {
	out := WithRetryer(cfg, maxAttempts)
	if region != "" {
		out.Region = region
	}
	return out
}

// Register adds the RDS, Redshift and MemoryDB lister factories to reg.
func Register(reg *plugin.Registry, maxAttempts int) {
	reg.Register(EngineRDS, func(cfg aws.Config, accountID, region string) plugin.Lister {
		return NewRDSLister(rds.NewFromConfig(regional(cfg, region, maxAttempts)), accountID, region)
	})
	reg.Register(EngineRedshift, func(cfg aws.Config, accountID, region string) plugin.Lister {
		return NewRedshiftLister(redshift.NewFromConfig(regional(cfg, region, maxAttempts)), accountID, region)
	})
	reg.Register(EngineMemoryDB, func(cfg aws.Config, accountID, region string) plugin.Lister {
		return NewMemoryDBLister(memorydb.NewFromConfig(regional(cfg, region, maxAttempts)), accountID, region)
	})
}

// Discovery resolves regions and organization accounts with real clients.
type Discovery struct {
	MaxAttempts int
}

// Regions returns the regions enabled in the account behind cfg.
func (d Discovery) Regions(ctx context.Context, cfg aws.Config) ([]string, error) {
	return DiscoverRegions(ctx, ec2.NewFromConfig(WithRetryer(cfg, d.MaxAttempts)))
}

// Accounts returns the active accounts of the organization behind cfg.
func (d Discovery) Accounts(ctx context.Context, cfg aws.Config) ([]string, error) {
	return ListActiveAccounts(ctx, organizations.NewFromConfig(WithRetryer(cfg, d.MaxAttempts)))
}

// DiscoverRegions lists the regions enabled for the account, sorted.
func DiscoverRegions(ctx context.Context, client EC2API) ([]string, error) {
	output, err := client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, fmt.Errorf("describe regions: %w", err)
	}

	regions := make([]string, 0, len(output.Regions))
	for _, r := range output.Regions {
		if name := aws.ToString(r.RegionName); name != "" {
			regions = append(regions, name)
		}
	}
	sort.Strings(regions)
	return regions, nil
}

// ListActiveAccounts pages through the organization's accounts and returns
// the ids of ACTIVE ones, sorted.
func ListActiveAccounts(ctx context.Context, client OrganizationsAPI) ([]string, error) {
	var accounts []string
	var nextToken *string

	for {
		output, err := client.ListAccounts(ctx, &organizations.ListAccountsInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("list organization accounts: %w", err)
		}

		for _, acct := range output.Accounts {
			if acct.Status != orgtypes.AccountStatusActive {
				continue
			}
			if id := aws.ToString(acct.Id); id != "" {
				accounts = append(accounts, id)
			}
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	sort.Strings(accounts)
	return accounts, nil
}
