// Package config builds metadata and blob stores from environment
// variables or programmatic settings.
//
// Connection strings:
//
//	DATABASE_URL: "" or "memory" for the in-memory metadata store, or a
//	              postgres:// / postgresql:// URL for PostgreSQL.
//	STORAGE_URL:  "memory://" (default), "file:///path/to/blobs", or
//	              "s3://bucket?region=us-east-1".
package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/repoforge/depot/pkg/depot"
	"github.com/repoforge/depot/pkg/depot/blob"
	blobfs "github.com/repoforge/depot/pkg/depot/blob/fs"
	blobmemory "github.com/repoforge/depot/pkg/depot/blob/memory"
	blobs3 "github.com/repoforge/depot/pkg/depot/blob/s3"
	repomemory "github.com/repoforge/depot/pkg/depot/repo/memory"
	repopostgres "github.com/repoforge/depot/pkg/depot/repo/postgres"
)

// Config is the storage layer's environment configuration.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL" env-default:""`
	StorageURL  string `env:"STORAGE_URL" env-default:"memory://"`

	// BlobStoreName prefixes every blob reference minted by the configured
	// store. Changing it orphans existing references.
	BlobStoreName string `env:"BLOB_STORE_NAME" env-default:"default"`

	StrictContentValidation bool `env:"STRICT_CONTENT_VALIDATION" env-default:"true"`

	WritePolicy string `env:"WRITE_POLICY" env-default:"ALLOW"`

	S3 S3Config
}

// S3Config carries credentials and addressing for the s3 storage scheme.
type S3Config struct {
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID" env-default:""`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" env-default:""`
	Endpoint        string `env:"AWS_S3_ENDPOINT" env-default:""`
	UsePathStyle    bool   `env:"AWS_S3_USE_PATH_STYLE" env-default:"false"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var c Config
	if err := cleanenv.ReadEnv(&c); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return &c, nil
}

// BaseWritePolicy parses the configured write policy.
func (c *Config) BaseWritePolicy() (depot.WritePolicy, error) {
	switch p := depot.WritePolicy(strings.ToUpper(c.WritePolicy)); p {
	case depot.WritePolicyAllow, depot.WritePolicyAllowOnce, depot.WritePolicyDeny:
		return p, nil
	default:
		return "", fmt.Errorf("unknown write policy %q", c.WritePolicy)
	}
}

// MetadataStore builds the configured metadata store. The returned cleanup
// releases any connection pool and is safe to call once.
func (c *Config) MetadataStore(ctx context.Context) (depot.MetadataStore, func(), error) {
	dbURL := strings.TrimSpace(c.DatabaseURL)
	if dbURL == "" || dbURL == "memory" {
		return repomemory.New(), func() {}, nil
	}
	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return repopostgres.New(pool), pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported database URL: %q", c.DatabaseURL)
}

// BlobStore builds the configured blob store backend.
func (c *Config) BlobStore(ctx context.Context) (blob.Store, error) {
	u, err := url.Parse(c.StorageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid storage URL: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return blobmemory.New(c.BlobStoreName), nil
	case "file":
		return blobfs.New(blobfs.Config{
			Name:    c.BlobStoreName,
			BaseDir: u.Path,
		})
	case "s3":
		return blobs3.New(ctx, blobs3.Config{
			Name:                   c.BlobStoreName,
			Bucket:                 u.Host,
			Region:                 u.Query().Get("region"),
			KeyPrefix:              strings.Trim(u.Path, "/"),
			AccessKeyID:            c.S3.AccessKeyID,
			SecretAccessKey:        c.S3.SecretAccessKey,
			Endpoint:               c.S3.Endpoint,
			UsePathStyle:           c.S3.UsePathStyle,
			CreateBucketIfNotExist: u.Query().Get("create_bucket") == "true",
		})
	default:
		return nil, fmt.Errorf("unsupported storage URL scheme: %q", u.Scheme)
	}
}
