// Package s3 is an S3-compatible blob store backend. It works against AWS
// S3 and against MinIO-style services via a custom endpoint with path-style
// addressing. Ingestion headers are stored as object metadata.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/repoforge/depot/pkg/depot"
	"github.com/repoforge/depot/pkg/depot/blob"
)

// Config options for the S3 backend.
type Config struct {
	Name            string // store name; prefixes every blob reference
	Bucket          string // S3 bucket name
	Region          string // AWS region
	AccessKeyID     string // static credentials; default chain when empty
	SecretAccessKey string
	Endpoint        string // custom endpoint for S3-compatible services
	UsePathStyle    bool   // path-style addressing (MinIO)
	KeyPrefix       string // optional key prefix within the bucket

	// CreateBucketIfNotExist creates the bucket at startup when missing.
	CreateBucketIfNotExist bool
}

// Store is an S3-compatible implementation of blob.Store.
type Store struct {
	name      string
	client    *s3.Client
	uploader  *manager.Uploader
	bucket    string
	keyPrefix string
}

var _ blob.Store = (*Store)(nil)

// New builds the S3 client and returns the store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.Name == "" {
		return nil, errors.New("store name is required")
	}
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	var awsCfg aws.Config
	var err error
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(config.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				config.AccessKeyID,
				config.SecretAccessKey,
				"",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(config.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if config.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Options...)

	store := &Store{
		name:      config.Name,
		client:    client,
		uploader:  manager.NewUploader(client),
		bucket:    config.Bucket,
		keyPrefix: config.KeyPrefix,
	}
	if config.CreateBucketIfNotExist {
		if err := store.createBucketIfNotExists(ctx, config.Region); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return store, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) key(id string) string {
	if s.keyPrefix == "" {
		return id
	}
	return s.keyPrefix + "/" + id
}

func (s *Store) Put(ctx context.Context, id string, r io.Reader, headers map[string]string) (int64, error) {
	counted := &countingReader{r: r}
	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.key(id)),
		Body:     counted,
		Metadata: headers,
	}
	if ct, ok := headers[depot.HeaderContentType]; ok {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return 0, fmt.Errorf("failed to upload blob: %w", err)
	}
	return counted.n, nil
}

func (s *Store) Get(ctx context.Context, id string) (io.ReadCloser, *blob.Info, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, depot.ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("failed to get blob: %w", err)
	}
	info := &blob.Info{Headers: out.Metadata}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	return out.Body, info, nil
}

func (s *Store) Head(ctx context.Context, id string) (*blob.Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, depot.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	info := &blob.Info{Headers: out.Metadata}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	return info, nil
}

func (s *Store) Stat(ctx context.Context, id string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	exists, err := s.Stat(ctx, id)
	if err != nil || !exists {
		return false, err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete blob: %w", err)
	}
	return true, nil
}

func (s *Store) createBucketIfNotExists(ctx context.Context, region string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return err
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	// us-east-1 rejects an explicit location constraint.
	if region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	_, err = s.client.CreateBucket(ctx, input)

	var owned *types.BucketAlreadyOwnedByYou
	if errors.As(err, &owned) {
		return nil
	}
	if err != nil {
		return err
	}

	// Give eventually consistent services a moment before first use.
	waiter := s3.NewBucketExistsWaiter(s.client)
	return waiter.Wait(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}, 30*time.Second)
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
