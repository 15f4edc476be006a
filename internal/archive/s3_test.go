package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/dbsentry/pkg/inventory"
)

type mockS3Client struct {
	PutObjectFunc func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return m.PutObjectFunc(ctx, params, optFns...)
}

var testResult = inventory.ScanResult{
	ScanID:          "2f1c0e8e-7a55-4f0e-9a43-3b9e0f3f4c11",
	StartedAt:       time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("CET", 3600)),
	ExecutionStatus: inventory.StatusCompleted,
	TotalInstances:  4,
}

func TestS3Archiver_ObjectKey(t *testing.T) {
	a := NewS3Archiver(nil, "bucket", "scans")
	// Dated in UTC.
	assert.Equal(t, "scans/2026/03/01/2f1c0e8e-7a55-4f0e-9a43-3b9e0f3f4c11.json", a.ObjectKey(testResult))
}

func TestS3Archiver_Archive(t *testing.T) {
	var got *s3.PutObjectInput
	var body []byte
	mock := &mockS3Client{
		PutObjectFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			got = params
			var err error
			body, err = io.ReadAll(params.Body)
			return &s3.PutObjectOutput{}, err
		},
	}

	require.NoError(t, NewS3Archiver(mock, "dbsentry-archive", "scans").Archive(context.Background(), testResult))

	assert.Equal(t, "dbsentry-archive", aws.ToString(got.Bucket))
	assert.Equal(t, "application/json", aws.ToString(got.ContentType))
	assert.Equal(t, "completed", got.Metadata["execution-status"])

	var decoded inventory.ScanResult
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, testResult.ScanID, decoded.ScanID)
	assert.Equal(t, 4, decoded.TotalInstances)
}

func TestS3Archiver_Error(t *testing.T) {
	mock := &mockS3Client{
		PutObjectFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			return nil, errors.New("access denied")
		},
	}

	err := NewS3Archiver(mock, "b", "p").Archive(context.Background(), testResult)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "put s3://b/p/2026/03/01/")
}
