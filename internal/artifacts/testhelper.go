package artifacts

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// TestS3Store returns an S3Store on an in-memory gofakes3 server, configured
// through the same path as a real bucket. The server stops with the test.
func TestS3Store(t testing.TB, bucket, prefix string) *S3Store {
	t.Helper()

	ts := httptest.NewServer(gofakes3.New(s3mem.New()).Server())
	t.Cleanup(ts.Close)

	ctx := context.Background()
	store, err := NewS3Store(ctx, S3Config{
		Endpoint:        ts.URL,
		Region:          "us-east-1",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		Bucket:          bucket,
		Prefix:          prefix,
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("open fake artifact bucket: %v", err)
	}
	if _, err := store.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Fatalf("create fake artifact bucket %q: %v", bucket, err)
	}
	return store
}
