// Package archive uploads scan results to S3 for later audit.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// S3API defines the S3 operations used by the archiver.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each scan result as one JSON object.
type S3Archiver struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Archiver creates an archiver for bucket. Objects are written under
// prefix.
func NewS3Archiver(client S3API, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// ObjectKey returns <prefix>/YYYY/MM/DD/<scan_id>.json, dated by the run
// start in UTC.
func (a *S3Archiver) ObjectKey(result inventory.ScanResult) string {
	started := result.StartedAt.UTC()
	return path.Join(a.prefix, started.Format("2006/01/02"), result.ScanID+".json")
}

// Archive uploads the result.
func (a *S3Archiver) Archive(ctx context.Context, result inventory.ScanResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode scan result: %w", err)
	}

	key := a.ObjectKey(result)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"execution-status": string(result.ExecutionStatus),
		},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}
