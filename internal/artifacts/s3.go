package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
)

// S3Config configures an S3-compatible artifact bucket.
type S3Config struct {
	// Endpoint is empty for AWS, or the URL of an S3-compatible service.
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// Prefix is prepended to every key, e.g. "rcprobe/".
	Prefix string
	// PublicURL, when set, is used to build the location returned by Put.
	PublicURL    string
	UsePathStyle bool
}

// S3Store writes artifacts to a bucket.
type S3Store struct {
	client    *s3.Client
	bucket    string
	prefix    string
	publicURL string
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errs.New(errs.InvalidArgument, "s3 bucket is required")
	}
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	sdkConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "load AWS config", err)
	}
	client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StoreFromClient(client, cfg.Bucket, cfg.Prefix, cfg.PublicURL), nil
}

// NewS3StoreFromClient wraps an existing client, e.g. one pointed at gofakes3.
func NewS3StoreFromClient(client *s3.Client, bucket, prefix, publicURL string) *S3Store {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Store{
		client:    client,
		bucket:    bucket,
		prefix:    prefix,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	full := s.prefix + key
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(full),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, fmt.Sprintf("put artifact %q", key), err)
	}
	obs.From(ctx).Debug("artifact_uploaded", "pkg", "artifacts", "bucket", s.bucket, "key", full, "bytes", len(data))
	if s.publicURL != "" {
		return s.publicURL + "/" + full, nil
	}
	return "s3://" + s.bucket + "/" + full, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &notFound) {
			return nil, errs.New(errs.NotFound, fmt.Sprintf("artifact %q not found", key))
		}
		return nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("get artifact %q", key), err)
	}
	defer result.Body.Close()
	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("read artifact %q", key), err)
	}
	return data, nil
}
