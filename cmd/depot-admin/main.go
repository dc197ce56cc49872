package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/joho/godotenv"

	"github.com/repoforge/depot/pkg/depot"
	"github.com/repoforge/depot/pkg/depot/blob"
	"github.com/repoforge/depot/pkg/depot/config"
	"github.com/repoforge/depot/pkg/depot/mime"
)

const usage = `Depot Admin CLI

A lightweight admin tool for repository storage that talks directly to the
metadata and blob stores.

USAGE:
  depot-admin <command> [arguments]

COMMANDS:
  buckets                          List repository buckets
  create-bucket <repo>             Create the bucket for a repository
  delete-bucket <repo>             Delete a bucket with all its content
  components <repo>                List the components of a repository
  assets <repo>                    List the assets of a repository
  upload <repo> <file>             Ingest a file as a standalone asset

ENVIRONMENT VARIABLES:
  DATABASE_URL      "" or "memory", or a postgres:// connection string
  STORAGE_URL       memory:// | file:///path | s3://bucket?region=...
  BLOB_STORE_NAME   Blob store name used in blob references (default: default)
  WRITE_POLICY      ALLOW | ALLOW_ONCE | DENY (default: ALLOW)

  Configuration can be loaded from a .env file in the current directory.

EXAMPLES:
  depot-admin create-bucket maven-releases
  depot-admin upload maven-releases ./commons-io-2.16.1.jar
  depot-admin assets maven-releases --json
  depot-admin delete-bucket maven-releases`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}
	command := os.Args[1]
	if command == "help" || command == "--help" || command == "-h" {
		fmt.Println(usage)
		os.Exit(0)
	}

	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	meta, cleanup, err := cfg.MetadataStore(ctx)
	if err != nil {
		log.Fatalf("Failed to create metadata store: %v", err)
	}
	defer cleanup()

	blobs, err := cfg.BlobStore(ctx)
	if err != nil {
		log.Fatalf("Failed to create blob store: %v", err)
	}

	app := &adminApp{cfg: cfg, meta: meta, blobs: blobs, useJSON: hasFlag(os.Args[2:], "--json")}
	args := withoutFlags(os.Args[2:])

	switch command {
	case "buckets":
		err = app.listBuckets(ctx)
	case "create-bucket":
		err = app.createBucket(ctx, requireArg(args, 0, "repository name"))
	case "delete-bucket":
		err = app.deleteBucket(ctx, requireArg(args, 0, "repository name"))
	case "components":
		err = app.listComponents(ctx, requireArg(args, 0, "repository name"))
	case "assets":
		err = app.listAssets(ctx, requireArg(args, 0, "repository name"))
	case "upload":
		err = app.upload(ctx, requireArg(args, 0, "repository name"), requireArg(args, 1, "file path"))
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Println(usage)
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("Command failed: %v", err)
	}
}

type adminApp struct {
	cfg     *config.Config
	meta    depot.MetadataStore
	blobs   blob.Store
	useJSON bool
}

// storageTx resolves the repository's bucket and opens a storage transaction
// bound to it. The caller owns Close.
func (a *adminApp) storageTx(ctx context.Context, repositoryName string) (*depot.StorageTx, *depot.Bucket, error) {
	bucket, err := a.resolveBucket(ctx, repositoryName)
	if err != nil {
		return nil, nil, err
	}
	policy, err := a.cfg.BaseWritePolicy()
	if err != nil {
		return nil, nil, err
	}
	mtx, err := a.meta.Transaction(ctx)
	if err != nil {
		return nil, nil, err
	}
	tx, err := depot.NewStorageTx("depot-admin", mtx, blob.NewTx(a.blobs), bucket, policy,
		mime.NewValidator(), depot.WithStrictContentValidation(a.cfg.StrictContentValidation))
	if err != nil {
		mtx.Close(ctx)
		return nil, nil, err
	}
	return tx, bucket, nil
}

func (a *adminApp) resolveBucket(ctx context.Context, repositoryName string) (*depot.Bucket, error) {
	mtx, err := a.meta.Transaction(ctx)
	if err != nil {
		return nil, err
	}
	defer mtx.Close(ctx)
	if err := mtx.Begin(ctx); err != nil {
		return nil, err
	}
	return mtx.Buckets().GetByRepositoryName(ctx, repositoryName)
}

func (a *adminApp) listBuckets(ctx context.Context) error {
	mtx, err := a.meta.Transaction(ctx)
	if err != nil {
		return err
	}
	defer mtx.Close(ctx)
	if err := mtx.Begin(ctx); err != nil {
		return err
	}
	cursor, err := mtx.Buckets().Browse(ctx)
	if err != nil {
		return err
	}
	buckets, err := depot.Collect(ctx, cursor)
	if err != nil {
		return err
	}

	if a.useJSON {
		return printJSON(buckets)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REPOSITORY\tID")
	for _, b := range buckets {
		fmt.Fprintf(w, "%s\t%s\n", b.RepositoryName, b.Metadata.ID)
	}
	return w.Flush()
}

func (a *adminApp) createBucket(ctx context.Context, repositoryName string) error {
	mtx, err := a.meta.Transaction(ctx)
	if err != nil {
		return err
	}
	defer mtx.Close(ctx)
	if err := mtx.Begin(ctx); err != nil {
		return err
	}
	if _, err := mtx.Buckets().GetByRepositoryName(ctx, repositoryName); err == nil {
		return fmt.Errorf("bucket for repository %q already exists", repositoryName)
	}
	bucket := &depot.Bucket{RepositoryName: repositoryName}
	if err := mtx.Buckets().Add(ctx, bucket); err != nil {
		return err
	}
	if err := mtx.Commit(ctx); err != nil {
		return err
	}
	fmt.Printf("Created bucket %s for repository %s\n", bucket.Metadata.ID, repositoryName)
	return nil
}

func (a *adminApp) deleteBucket(ctx context.Context, repositoryName string) error {
	tx, bucket, err := a.storageTx(ctx, repositoryName)
	if err != nil {
		return err
	}
	defer tx.Close(ctx)

	err = depot.Run(ctx, tx, func(ctx context.Context, tx *depot.StorageTx) error {
		return tx.DeleteBucket(ctx, bucket)
	})
	if err != nil {
		return err
	}
	fmt.Printf("Deleted bucket for repository %s\n", repositoryName)
	return nil
}

func (a *adminApp) listComponents(ctx context.Context, repositoryName string) error {
	tx, bucket, err := a.storageTx(ctx, repositoryName)
	if err != nil {
		return err
	}
	defer tx.Close(ctx)
	if err := tx.Begin(ctx); err != nil {
		return err
	}
	cursor, err := tx.BrowseComponents(ctx, bucket)
	if err != nil {
		return err
	}
	components, err := depot.Collect(ctx, cursor)
	if err != nil {
		return err
	}

	if a.useJSON {
		return printJSON(components)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFORMAT\tID")
	for _, c := range components {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, c.Format, c.Metadata.ID)
	}
	return w.Flush()
}

func (a *adminApp) listAssets(ctx context.Context, repositoryName string) error {
	tx, bucket, err := a.storageTx(ctx, repositoryName)
	if err != nil {
		return err
	}
	defer tx.Close(ctx)
	if err := tx.Begin(ctx); err != nil {
		return err
	}
	cursor, err := tx.BrowseAssets(ctx, bucket)
	if err != nil {
		return err
	}
	assets, err := depot.Collect(ctx, cursor)
	if err != nil {
		return err
	}

	if a.useJSON {
		return printJSON(assets)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tCONTENT-TYPE\tBLOB")
	for _, asset := range assets {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", asset.Name, asset.Size, asset.ContentType, asset.BlobRef)
	}
	return w.Flush()
}

func (a *adminApp) upload(ctx context.Context, repositoryName, path string) error {
	tx, _, err := a.storageTx(ctx, repositoryName)
	if err != nil {
		return err
	}
	defer tx.Close(ctx)

	name := filepath.Base(path)
	supplier := func() (io.ReadCloser, error) {
		return os.Open(path)
	}

	var asset *depot.Asset
	err = depot.Run(ctx, tx, func(ctx context.Context, tx *depot.StorageTx) error {
		bucket, err := tx.FindBucket(ctx, repositoryName)
		if err != nil {
			return err
		}
		asset, err = tx.CreateAsset(bucket, "raw")
		if err != nil {
			return err
		}
		asset.Name = name
		if _, err := tx.SetBlob(ctx, asset, name, supplier,
			[]depot.HashAlgorithm{depot.SHA1, depot.SHA256}, nil, "", false); err != nil {
			return err
		}
		return tx.SaveAsset(ctx, asset)
	})
	if err != nil {
		return err
	}
	fmt.Printf("Uploaded %s as asset %s (%d bytes, %s)\n", name, asset.Metadata.ID, asset.Size, asset.ContentType)
	return nil
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func requireArg(args []string, i int, what string) string {
	if i >= len(args) {
		fmt.Printf("Missing argument: %s\n\n", what)
		fmt.Println(usage)
		os.Exit(1)
	}
	return args[i]
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func withoutFlags(args []string) []string {
	var out []string
	for _, a := range args {
		if len(a) < 2 || a[:2] != "--" {
			out = append(out, a)
		}
	}
	return out
}
