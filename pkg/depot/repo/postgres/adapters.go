package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/repoforge/depot/pkg/depot"
)

// attribute bag <-> jsonb

func encodeAttributes(attrs depot.Attributes) ([]byte, error) {
	if attrs == nil {
		attrs = depot.NewAttributes()
	}
	return json.Marshal(attrs)
}

func decodeAttributes(raw []byte) (depot.Attributes, error) {
	if len(raw) == 0 {
		return depot.NewAttributes(), nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	return toAttributes(decoded), nil
}

// toAttributes rebuilds nested depot.Attributes from decoded JSON maps.
func toAttributes(m map[string]any) depot.Attributes {
	attrs := make(depot.Attributes, len(m))
	for k, v := range m {
		if child, ok := v.(map[string]any); ok {
			attrs[k] = toAttributes(child)
		} else {
			attrs[k] = v
		}
	}
	return attrs
}

// bucketScope appends a bucket-ownership restriction to conds when the
// query is scoped.
func bucketScope(buckets []*depot.Bucket, conds *[]string, args *[]any) {
	if buckets == nil {
		return
	}
	ids := make([]string, 0, len(buckets))
	for _, b := range buckets {
		if b != nil && b.Metadata != nil {
			ids = append(ids, string(b.Metadata.ID))
		}
	}
	*args = append(*args, ids)
	*conds = append(*conds, fmt.Sprintf("bucket_id = ANY($%d)", len(*args)))
}

// bucketAdapter

type bucketAdapter struct {
	tx *Tx
}

const bucketColumns = "id, version, repository_name"

func scanBucket(row pgx.Row) (*depot.Bucket, error) {
	var b depot.Bucket
	meta := depot.EntityMetadata{}
	if err := row.Scan(&meta.ID, &meta.Version, &b.RepositoryName); err != nil {
		return nil, err
	}
	b.Metadata = &meta
	return &b, nil
}

func (a *bucketAdapter) Read(ctx context.Context, id depot.ID) (*depot.Bucket, error) {
	q, err := a.tx.q()
	if err != nil {
		return nil, err
	}
	b, err := scanBucket(q.QueryRow(ctx, "SELECT "+bucketColumns+" FROM buckets WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, depot.ErrBucketNotFound
	}
	return b, err
}

func (a *bucketAdapter) Add(ctx context.Context, bucket *depot.Bucket) error {
	q, err := a.tx.q()
	if err != nil {
		return err
	}
	meta := &depot.EntityMetadata{ID: depot.NewID(), Version: 1}
	_, err = q.Exec(ctx,
		"INSERT INTO buckets (id, version, repository_name) VALUES ($1, $2, $3)",
		meta.ID, meta.Version, bucket.RepositoryName)
	if err != nil {
		return err
	}
	bucket.Metadata = meta
	return nil
}

func (a *bucketAdapter) Edit(ctx context.Context, bucket *depot.Bucket) error {
	q, err := a.tx.q()
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx,
		"UPDATE buckets SET repository_name = $1, version = version + 1 WHERE id = $2 AND version = $3",
		bucket.RepositoryName, bucket.Metadata.ID, bucket.Metadata.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return editConflict(ctx, q, "buckets", bucket.Metadata.ID, depot.ErrBucketNotFound)
	}
	bucket.Metadata.Version++
	return nil
}

func (a *bucketAdapter) Delete(ctx context.Context, bucket *depot.Bucket) error {
	q, err := a.tx.q()
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, "DELETE FROM buckets WHERE id = $1", bucket.Metadata.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return depot.ErrBucketNotFound
	}
	return nil
}

func (a *bucketAdapter) Browse(ctx context.Context) (depot.Cursor[*depot.Bucket], error) {
	q, err := a.tx.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, "SELECT "+bucketColumns+" FROM buckets ORDER BY repository_name")
	if err != nil {
		return nil, err
	}
	return newRowsCursor(rows, func(r pgx.Rows) (*depot.Bucket, error) { return scanBucket(r) }), nil
}

func (a *bucketAdapter) GetByRepositoryName(ctx context.Context, repositoryName string) (*depot.Bucket, error) {
	q, err := a.tx.q()
	if err != nil {
		return nil, err
	}
	b, err := scanBucket(q.QueryRow(ctx,
		"SELECT "+bucketColumns+" FROM buckets WHERE repository_name = $1", repositoryName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, depot.ErrBucketNotFound
	}
	return b, err
}

// editConflict decides between not-found and a lost optimistic race when
// an UPDATE ... WHERE version = $n touched no rows.
func editConflict(ctx context.Context, q DBTX, table string, id depot.ID, notFound error) error {
	var exists bool
	err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return depot.ErrConcurrentModification
	}
	return notFound
}

// componentAdapter

type componentAdapter struct {
	tx *Tx
}

const componentColumns = "id, version, bucket_id, name, format, attributes"

func scanComponent(row pgx.Row) (*depot.Component, error) {
	var c depot.Component
	meta := depot.EntityMetadata{}
	var attrs []byte
	if err := row.Scan(&meta.ID, &meta.Version, &c.BucketID, &c.Name, &c.Format, &attrs); err != nil {
		return nil, err
	}
	decoded, err := decodeAttributes(attrs)
	if err != nil {
		return nil, err
	}
	c.Metadata = &meta
	c.Attributes = decoded
	return &c, nil
}

func (a *componentAdapter) Read(ctx context.Context, id depot.ID) (*depot.Component, error) {
	q, err := a.tx.q()
	if err != nil {
		return nil, err
	}
	c, err := scanComponent(q.QueryRow(ctx, "SELECT "+componentColumns+" FROM components WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, depot.ErrComponentNotFound
	}
	return c, err
}

func (a *componentAdapter) Add(ctx context.Context, component *depot.Component) error {
	q, err := a.tx.q()
	if err != nil {
		return err
	}
	attrs, err := encodeAttributes(component.Attributes)
	if err != nil {
		return err
	}
	meta := &depot.EntityMetadata{ID: depot.NewID(), Version: 1}
	_, err = q.Exec(ctx,
		`INSERT INTO components (id, version, bucket_id, name, format, attributes)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		meta.ID, meta.Version, component.BucketID, component.Name, component.Format, attrs)
	if err != nil {
		return err
	}
	component.Metadata = meta
	return nil
}

func (a *componentAdapter) Edit(ctx context.Context, component *depot.Component) error {
	q, err := a.tx.q()
	if err != nil {
		return err
	}
	attrs, err := encodeAttributes(component.Attributes)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx,
		`UPDATE components SET name = $1, format = $2, attributes = $3, version = version + 1
		 WHERE id = $4 AND version = $5`,
		component.Name, component.Format, attrs, component.Metadata.ID, component.Metadata.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return editConflict(ctx, q, "components", component.Metadata.ID, depot.ErrComponentNotFound)
	}
	component.Metadata.Version++
	return nil
}

func (a *componentAdapter) Delete(ctx context.Context, component *depot.Component) error {
	q, err := a.tx.q()
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, "DELETE FROM components WHERE id = $1", component.Metadata.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return depot.ErrComponentNotFound
	}
	return nil
}

func (a *componentAdapter) BrowseByBucket(ctx context.Context, bucket *depot.Bucket) (depot.Cursor[*depot.Component], error) {
	q, err := a.tx.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx,
		"SELECT "+componentColumns+" FROM components WHERE bucket_id = $1 ORDER BY id", bucket.Metadata.ID)
	if err != nil {
		return nil, err
	}
	return newRowsCursor(rows, func(r pgx.Rows) (*depot.Component, error) { return scanComponent(r) }), nil
}

func (a *componentAdapter) FindByProperty(ctx context.Context, property string, value any, bucket *depot.Bucket) (*depot.Component, error) {
	q, err := a.tx.q()
	if err != nil {
		return nil, err
	}
	cond, args, err := propertyCondition(property, value, componentFields)
	if err != nil {
		return nil, err
	}
	sql := "SELECT " + componentColumns + " FROM components WHERE " + cond
	if bucket != nil {
		args = append(args, bucket.Metadata.ID)
		sql += fmt.Sprintf(" AND bucket_id = $%d", len(args))
	}
	sql += " LIMIT 1"
	c, err := scanComponent(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, depot.ErrComponentNotFound
	}
	return c, err
}

func (a *componentAdapter) BrowseByQuery(ctx context.Context, where string, params map[string]any, buckets []*depot.Bucket, suffix string) (depot.Cursor[*depot.Component], error) {
	q, err := a.tx.q()
	if err != nil {
		return nil, err
	}
	sql, args, err := buildQuery("SELECT "+componentColumns+" FROM components", where, params, buckets, suffix)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return newRowsCursor(rows, func(r pgx.Rows) (*depot.Component, error) { return scanComponent(r) }), nil
}

func (a *componentAdapter) CountByQuery(ctx context.Context, where string, params map[string]any, buckets []*depot.Bucket, suffix string) (int64, error) {
	q, err := a.tx.q()
	if err != nil {
		return 0, err
	}
	sql, args, err := buildQuery("SELECT COUNT(*) FROM components", where, params, buckets, suffix)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := q.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (a *componentAdapter) UniqueNames(ctx context.Context, buckets []*depot.Bucket) ([]string, error) {
	q, err := a.tx.q()
	if err != nil {
		return nil, err
	}
	var conds []string
	var args []any
	conds = append(conds, "name <> ''")
	bucketScope(buckets, &conds, &args)
	rows, err := q.Query(ctx,
		"SELECT DISTINCT name FROM components WHERE "+strings.Join(conds, " AND ")+" ORDER BY name",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// assetAdapter

type assetAdapter struct {
	tx *Tx
}

const assetColumns = "id, version, bucket_id, component_id, name, format, size, content_type, blob_ref, attributes"

func scanAsset(row pgx.Row) (*depot.Asset, error) {
	var a depot.Asset
	meta := depot.EntityMetadata{}
	var componentID *string
	var blobRef string
	var attrs []byte
	err := row.Scan(&meta.ID, &meta.Version, &a.BucketID, &componentID,
		&a.Name, &a.Format, &a.Size, &a.ContentType, &blobRef, &attrs)
	if err != nil {
		return nil, err
	}
	decoded, err := decodeAttributes(attrs)
	if err != nil {
		return nil, err
	}
	a.Metadata = &meta
	if componentID != nil {
		a.ComponentID = depot.ID(*componentID)
	}
	a.BlobRef = depot.BlobRef(blobRef)
	a.Attributes = decoded
	return &a, nil
}

func assetArgs(asset *depot.Asset) ([]any, error) {
	attrs, err := encodeAttributes(asset.Attributes)
	if err != nil {
		return nil, err
	}
	var componentID *string
	if asset.ComponentID != "" {
		id := string(asset.ComponentID)
		componentID = &id
	}
	return []any{
		asset.BucketID, componentID, asset.Name, asset.Format,
		asset.Size, asset.ContentType, string(asset.BlobRef), attrs,
	}, nil
}

func (a *assetAdapter) Read(ctx context.Context, id depot.ID) (*depot.Asset, error) {
	q, err := a.tx.q()
	if err != nil {
		return nil, err
	}
	asset, err := scanAsset(q.QueryRow(ctx, "SELECT "+assetColumns+" FROM assets WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, depot.ErrAssetNotFound
	}
	return asset, err
}

func (a *assetAdapter) Add(ctx context.Context, asset *depot.Asset) error {
	q, err := a.tx.q()
	if err != nil {
		return err
	}
	args, err := assetArgs(asset)
	if err != nil {
		return err
	}
	meta := &depot.EntityMetadata{ID: depot.NewID(), Version: 1}
	_, err = q.Exec(ctx,
		`INSERT INTO assets (id, version, bucket_id, component_id, name, format, size, content_type, blob_ref, attributes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		append([]any{meta.ID, meta.Version}, args...)...)
	if err != nil {
		return err
	}
	asset.Metadata = meta
	return nil
}

func (a *assetAdapter) Edit(ctx context.Context, asset *depot.Asset) error {
	q, err := a.tx.q()
	if err != nil {
		return err
	}
	args, err := assetArgs(asset)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx,
		`UPDATE assets SET bucket_id = $1, component_id = $2, name = $3, format = $4,
		        size = $5, content_type = $6, blob_ref = $7, attributes = $8, version = version + 1
		 WHERE id = $9 AND version = $10`,
		append(args, asset.Metadata.ID, asset.Metadata.Version)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return editConflict(ctx, q, "assets", asset.Metadata.ID, depot.ErrAssetNotFound)
	}
	asset.Metadata.Version++
	return nil
}

func (a *assetAdapter) Delete(ctx context.Context, asset *depot.Asset) error {
	q, err := a.tx.q()
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, "DELETE FROM assets WHERE id = $1", asset.Metadata.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return depot.ErrAssetNotFound
	}
	return nil
}

func (a *assetAdapter) BrowseByBucket(ctx context.Context, bucket *depot.Bucket) (depot.Cursor[*depot.Asset], error) {
	q, err := a.tx.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE bucket_id = $1 ORDER BY id", bucket.Metadata.ID)
	if err != nil {
		return nil, err
	}
	return newRowsCursor(rows, func(r pgx.Rows) (*depot.Asset, error) { return scanAsset(r) }), nil
}

func (a *assetAdapter) BrowseByComponent(ctx context.Context, component *depot.Component) (depot.Cursor[*depot.Asset], error) {
	q, err := a.tx.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE component_id = $1 ORDER BY id", component.Metadata.ID)
	if err != nil {
		return nil, err
	}
	return newRowsCursor(rows, func(r pgx.Rows) (*depot.Asset, error) { return scanAsset(r) }), nil
}

func (a *assetAdapter) FindByProperty(ctx context.Context, property string, value any, bucket *depot.Bucket) (*depot.Asset, error) {
	q, err := a.tx.q()
	if err != nil {
		return nil, err
	}
	cond, args, err := propertyCondition(property, value, assetFields)
	if err != nil {
		return nil, err
	}
	sql := "SELECT " + assetColumns + " FROM assets WHERE " + cond
	if bucket != nil {
		args = append(args, bucket.Metadata.ID)
		sql += fmt.Sprintf(" AND bucket_id = $%d", len(args))
	}
	sql += " LIMIT 1"
	asset, err := scanAsset(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, depot.ErrAssetNotFound
	}
	return asset, err
}

func (a *assetAdapter) FindByPropertyInComponent(ctx context.Context, property string, value any, component *depot.Component) (*depot.Asset, error) {
	q, err := a.tx.q()
	if err != nil {
		return nil, err
	}
	cond, args, err := propertyCondition(property, value, assetFields)
	if err != nil {
		return nil, err
	}
	args = append(args, component.Metadata.ID)
	sql := fmt.Sprintf("SELECT %s FROM assets WHERE %s AND component_id = $%d LIMIT 1",
		assetColumns, cond, len(args))
	asset, err := scanAsset(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, depot.ErrAssetNotFound
	}
	return asset, err
}

func (a *assetAdapter) BrowseByQuery(ctx context.Context, where string, params map[string]any, buckets []*depot.Bucket, suffix string) (depot.Cursor[*depot.Asset], error) {
	q, err := a.tx.q()
	if err != nil {
		return nil, err
	}
	sql, args, err := buildQuery("SELECT "+assetColumns+" FROM assets", where, params, buckets, suffix)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return newRowsCursor(rows, func(r pgx.Rows) (*depot.Asset, error) { return scanAsset(r) }), nil
}

func (a *assetAdapter) CountByQuery(ctx context.Context, where string, params map[string]any, buckets []*depot.Bucket, suffix string) (int64, error) {
	q, err := a.tx.q()
	if err != nil {
		return 0, err
	}
	sql, args, err := buildQuery("SELECT COUNT(*) FROM assets", where, params, buckets, suffix)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := q.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// query assembly

var componentFields = map[string]string{
	"name":      "name",
	"format":    "format",
	"bucket_id": "bucket_id",
}

var assetFields = map[string]string{
	"name":         "name",
	"format":       "format",
	"content_type": "content_type",
	"size":         "size",
	"bucket_id":    "bucket_id",
	"component_id": "component_id",
	"blob_ref":     "blob_ref",
}

// propertyCondition maps a property lookup to SQL: known columns directly,
// anything else as a dotted path into the attributes document.
func propertyCondition(property string, value any, fields map[string]string) (string, []any, error) {
	if column, ok := fields[property]; ok {
		return column + " = $1", []any{value}, nil
	}
	path := strings.Split(strings.TrimPrefix(property, "attributes."), ".")
	if len(path) == 0 || path[0] == "" {
		return "", nil, fmt.Errorf("unsupported property %q", property)
	}
	return "attributes #>> $1 = $2", []any{path, fmt.Sprint(value)}, nil
}

func buildQuery(selectClause, where string, params map[string]any, buckets []*depot.Bucket, suffix string) (string, []any, error) {
	var conds []string
	var args []any
	bucketScope(buckets, &conds, &args)
	if strings.TrimSpace(where) != "" {
		bound, err := bindNamed(where, params, &args)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, "("+bound+")")
	}
	sql := selectClause
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	if strings.TrimSpace(suffix) != "" {
		sql += " " + suffix
	}
	return sql, args, nil
}
