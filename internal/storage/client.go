// Package storage is the durable layer of the pipeline: the vendor master
// and invoice transaction log in DynamoDB (single table, PK/SK design) and
// invoice attachments plus daily summaries in S3.
package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Clients bundles the AWS service clients every store in this package is
// built from. One shared credential chain, one region.
type Clients struct {
	DynamoDB *dynamodb.Client
	S3       *s3.Client
	Region   string
}

// NewClients loads the default AWS credential chain, optionally pinned to a
// shared config profile, and constructs the service clients.
func NewClients(ctx context.Context, region, profile string) (*Clients, error) {
	var cfg aws.Config
	var err error

	if profile != "" {
		cfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithSharedConfigProfile(profile),
		)
	} else {
		cfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Clients{
		DynamoDB: dynamodb.NewFromConfig(cfg),
		S3:       s3.NewFromConfig(cfg),
		Region:   region,
	}, nil
}
