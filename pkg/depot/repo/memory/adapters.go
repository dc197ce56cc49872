package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/repoforge/depot/pkg/depot"
)

// bucketAdapter

type bucketAdapter struct {
	tx *Tx
}

func (a *bucketAdapter) Read(ctx context.Context, id depot.ID) (*depot.Bucket, error) {
	if err := a.tx.guard(); err != nil {
		return nil, err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[id]
	if !ok {
		return nil, depot.ErrBucketNotFound
	}
	return cloneBucket(b), nil
}

func (a *bucketAdapter) Add(ctx context.Context, bucket *depot.Bucket) error {
	if err := a.tx.guard(); err != nil {
		return err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket.Metadata = &depot.EntityMetadata{ID: depot.NewID(), Version: 1}
	a.tx.noteBucket(bucket.Metadata.ID)
	s.buckets[bucket.Metadata.ID] = cloneBucket(bucket)
	return nil
}

func (a *bucketAdapter) Edit(ctx context.Context, bucket *depot.Bucket) error {
	if err := a.tx.guard(); err != nil {
		return err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.buckets[bucket.Metadata.ID]
	if !ok {
		return depot.ErrBucketNotFound
	}
	if stored.Metadata.Version != bucket.Metadata.Version {
		return depot.ErrConcurrentModification
	}
	a.tx.noteBucket(bucket.Metadata.ID)
	bucket.Metadata.Version++
	s.buckets[bucket.Metadata.ID] = cloneBucket(bucket)
	return nil
}

func (a *bucketAdapter) Delete(ctx context.Context, bucket *depot.Bucket) error {
	if err := a.tx.guard(); err != nil {
		return err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket.Metadata.ID]; !ok {
		return depot.ErrBucketNotFound
	}
	a.tx.noteBucket(bucket.Metadata.ID)
	delete(s.buckets, bucket.Metadata.ID)
	return nil
}

func (a *bucketAdapter) Browse(ctx context.Context) (depot.Cursor[*depot.Bucket], error) {
	if err := a.tx.guard(); err != nil {
		return nil, err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*depot.Bucket
	for _, id := range sortedIDs(s.buckets) {
		out = append(out, cloneBucket(s.buckets[id]))
	}
	return depot.NewSliceCursor(out), nil
}

func (a *bucketAdapter) GetByRepositoryName(ctx context.Context, repositoryName string) (*depot.Bucket, error) {
	if err := a.tx.guard(); err != nil {
		return nil, err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buckets {
		if b.RepositoryName == repositoryName {
			return cloneBucket(b), nil
		}
	}
	return nil, depot.ErrBucketNotFound
}

// componentAdapter

type componentAdapter struct {
	tx *Tx
}

func (a *componentAdapter) Read(ctx context.Context, id depot.ID) (*depot.Component, error) {
	if err := a.tx.guard(); err != nil {
		return nil, err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[id]
	if !ok {
		return nil, depot.ErrComponentNotFound
	}
	return cloneComponent(c), nil
}

func (a *componentAdapter) Add(ctx context.Context, component *depot.Component) error {
	if err := a.tx.guard(); err != nil {
		return err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	component.Metadata = &depot.EntityMetadata{ID: depot.NewID(), Version: 1}
	a.tx.noteComponent(component.Metadata.ID)
	s.components[component.Metadata.ID] = cloneComponent(component)
	return nil
}

func (a *componentAdapter) Edit(ctx context.Context, component *depot.Component) error {
	if err := a.tx.guard(); err != nil {
		return err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.components[component.Metadata.ID]
	if !ok {
		return depot.ErrComponentNotFound
	}
	if stored.Metadata.Version != component.Metadata.Version {
		return depot.ErrConcurrentModification
	}
	a.tx.noteComponent(component.Metadata.ID)
	component.Metadata.Version++
	s.components[component.Metadata.ID] = cloneComponent(component)
	return nil
}

func (a *componentAdapter) Delete(ctx context.Context, component *depot.Component) error {
	if err := a.tx.guard(); err != nil {
		return err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.components[component.Metadata.ID]; !ok {
		return depot.ErrComponentNotFound
	}
	a.tx.noteComponent(component.Metadata.ID)
	delete(s.components, component.Metadata.ID)
	return nil
}

func (a *componentAdapter) BrowseByBucket(ctx context.Context, bucket *depot.Bucket) (depot.Cursor[*depot.Component], error) {
	if err := a.tx.guard(); err != nil {
		return nil, err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*depot.Component
	for _, id := range sortedIDs(s.components) {
		if c := s.components[id]; c.BucketID == bucket.Metadata.ID {
			out = append(out, cloneComponent(c))
		}
	}
	return depot.NewSliceCursor(out), nil
}

func (a *componentAdapter) FindByProperty(ctx context.Context, property string, value any, bucket *depot.Bucket) (*depot.Component, error) {
	if err := a.tx.guard(); err != nil {
		return nil, err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sortedIDs(s.components) {
		c := s.components[id]
		if bucket != nil && c.BucketID != bucket.Metadata.ID {
			continue
		}
		if componentProperty(c, property) == value {
			return cloneComponent(c), nil
		}
	}
	return nil, depot.ErrComponentNotFound
}

func (a *componentAdapter) BrowseByQuery(ctx context.Context, where string, params map[string]any, buckets []*depot.Bucket, suffix string) (depot.Cursor[*depot.Component], error) {
	if err := a.tx.guard(); err != nil {
		return nil, err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*depot.Component
	for _, id := range sortedIDs(s.components) {
		c := s.components[id]
		if !inBuckets(c.BucketID, buckets) {
			continue
		}
		ok, err := matchWhere(where, params, func(p string) any { return componentProperty(c, p) })
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, cloneComponent(c))
		}
	}
	out, err := applySuffix(out, suffix)
	if err != nil {
		return nil, err
	}
	return depot.NewSliceCursor(out), nil
}

func (a *componentAdapter) CountByQuery(ctx context.Context, where string, params map[string]any, buckets []*depot.Bucket, suffix string) (int64, error) {
	cursor, err := a.BrowseByQuery(ctx, where, params, buckets, suffix)
	if err != nil {
		return 0, err
	}
	matched, err := depot.Collect(ctx, cursor)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

func (a *componentAdapter) UniqueNames(ctx context.Context, buckets []*depot.Bucket) ([]string, error) {
	if err := a.tx.guard(); err != nil {
		return nil, err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var names []string
	for _, id := range sortedIDs(s.components) {
		c := s.components[id]
		if !inBuckets(c.BucketID, buckets) {
			continue
		}
		if _, dup := seen[c.Name]; !dup && c.Name != "" {
			seen[c.Name] = struct{}{}
			names = append(names, c.Name)
		}
	}
	return names, nil
}

// assetAdapter

type assetAdapter struct {
	tx *Tx
}

func (a *assetAdapter) Read(ctx context.Context, id depot.ID) (*depot.Asset, error) {
	if err := a.tx.guard(); err != nil {
		return nil, err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.assets[id]
	if !ok {
		return nil, depot.ErrAssetNotFound
	}
	return cloneAsset(asset), nil
}

func (a *assetAdapter) Add(ctx context.Context, asset *depot.Asset) error {
	if err := a.tx.guard(); err != nil {
		return err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	asset.Metadata = &depot.EntityMetadata{ID: depot.NewID(), Version: 1}
	a.tx.noteAsset(asset.Metadata.ID)
	s.assets[asset.Metadata.ID] = cloneAsset(asset)
	return nil
}

func (a *assetAdapter) Edit(ctx context.Context, asset *depot.Asset) error {
	if err := a.tx.guard(); err != nil {
		return err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.assets[asset.Metadata.ID]
	if !ok {
		return depot.ErrAssetNotFound
	}
	if stored.Metadata.Version != asset.Metadata.Version {
		return depot.ErrConcurrentModification
	}
	a.tx.noteAsset(asset.Metadata.ID)
	asset.Metadata.Version++
	s.assets[asset.Metadata.ID] = cloneAsset(asset)
	return nil
}

func (a *assetAdapter) Delete(ctx context.Context, asset *depot.Asset) error {
	if err := a.tx.guard(); err != nil {
		return err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[asset.Metadata.ID]; !ok {
		return depot.ErrAssetNotFound
	}
	a.tx.noteAsset(asset.Metadata.ID)
	delete(s.assets, asset.Metadata.ID)
	return nil
}

func (a *assetAdapter) BrowseByBucket(ctx context.Context, bucket *depot.Bucket) (depot.Cursor[*depot.Asset], error) {
	if err := a.tx.guard(); err != nil {
		return nil, err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*depot.Asset
	for _, id := range sortedIDs(s.assets) {
		if asset := s.assets[id]; asset.BucketID == bucket.Metadata.ID {
			out = append(out, cloneAsset(asset))
		}
	}
	return depot.NewSliceCursor(out), nil
}

func (a *assetAdapter) BrowseByComponent(ctx context.Context, component *depot.Component) (depot.Cursor[*depot.Asset], error) {
	if err := a.tx.guard(); err != nil {
		return nil, err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*depot.Asset
	for _, id := range sortedIDs(s.assets) {
		if asset := s.assets[id]; asset.ComponentID == component.Metadata.ID {
			out = append(out, cloneAsset(asset))
		}
	}
	return depot.NewSliceCursor(out), nil
}

func (a *assetAdapter) FindByProperty(ctx context.Context, property string, value any, bucket *depot.Bucket) (*depot.Asset, error) {
	if err := a.tx.guard(); err != nil {
		return nil, err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sortedIDs(s.assets) {
		asset := s.assets[id]
		if bucket != nil && asset.BucketID != bucket.Metadata.ID {
			continue
		}
		if assetProperty(asset, property) == value {
			return cloneAsset(asset), nil
		}
	}
	return nil, depot.ErrAssetNotFound
}

func (a *assetAdapter) FindByPropertyInComponent(ctx context.Context, property string, value any, component *depot.Component) (*depot.Asset, error) {
	if err := a.tx.guard(); err != nil {
		return nil, err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sortedIDs(s.assets) {
		asset := s.assets[id]
		if asset.ComponentID != component.Metadata.ID {
			continue
		}
		if assetProperty(asset, property) == value {
			return cloneAsset(asset), nil
		}
	}
	return nil, depot.ErrAssetNotFound
}

func (a *assetAdapter) BrowseByQuery(ctx context.Context, where string, params map[string]any, buckets []*depot.Bucket, suffix string) (depot.Cursor[*depot.Asset], error) {
	if err := a.tx.guard(); err != nil {
		return nil, err
	}
	s := a.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*depot.Asset
	for _, id := range sortedIDs(s.assets) {
		asset := s.assets[id]
		if !inBuckets(asset.BucketID, buckets) {
			continue
		}
		ok, err := matchWhere(where, params, func(p string) any { return assetProperty(asset, p) })
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, cloneAsset(asset))
		}
	}
	out, err := applySuffix(out, suffix)
	if err != nil {
		return nil, err
	}
	return depot.NewSliceCursor(out), nil
}

func (a *assetAdapter) CountByQuery(ctx context.Context, where string, params map[string]any, buckets []*depot.Bucket, suffix string) (int64, error) {
	cursor, err := a.BrowseByQuery(ctx, where, params, buckets, suffix)
	if err != nil {
		return 0, err
	}
	matched, err := depot.Collect(ctx, cursor)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// query evaluation

func inBuckets(owner depot.ID, buckets []*depot.Bucket) bool {
	if buckets == nil {
		return true
	}
	for _, b := range buckets {
		if b != nil && b.Metadata != nil && b.Metadata.ID == owner {
			return true
		}
	}
	return false
}

func componentProperty(c *depot.Component, property string) any {
	switch property {
	case "name":
		return c.Name
	case "format":
		return c.Format
	case "bucket_id":
		return c.BucketID
	default:
		return attributePath(c.Attributes, property)
	}
}

func assetProperty(a *depot.Asset, property string) any {
	switch property {
	case "name":
		return a.Name
	case "format":
		return a.Format
	case "content_type":
		return a.ContentType
	case "size":
		return a.Size
	case "bucket_id":
		return a.BucketID
	case "component_id":
		return a.ComponentID
	case "blob_ref":
		return a.BlobRef
	default:
		return attributePath(a.Attributes, property)
	}
}

// attributePath resolves dotted paths like "attributes.checksum.SHA256".
func attributePath(attrs depot.Attributes, property string) any {
	parts := strings.Split(property, ".")
	if parts[0] == "attributes" {
		parts = parts[1:]
	}
	var current any = attrs
	for _, part := range parts {
		bag, ok := current.(depot.Attributes)
		if !ok {
			return nil
		}
		current = bag.Get(part)
	}
	return current
}

// matchWhere evaluates the restricted where grammar this store understands:
// the empty clause, and "property = :param" terms joined by " AND ".
func matchWhere(where string, params map[string]any, property func(string) any) (bool, error) {
	where = strings.TrimSpace(where)
	if where == "" {
		return true, nil
	}
	for _, clause := range strings.Split(where, " AND ") {
		lhs, rhs, found := strings.Cut(clause, "=")
		if !found {
			return false, fmt.Errorf("unsupported where clause: %q", clause)
		}
		rhs = strings.TrimSpace(rhs)
		if !strings.HasPrefix(rhs, ":") {
			return false, fmt.Errorf("unsupported where clause: %q", clause)
		}
		value, bound := params[rhs[1:]]
		if !bound {
			return false, fmt.Errorf("unbound query parameter %q", rhs)
		}
		if property(strings.TrimSpace(lhs)) != value {
			return false, nil
		}
	}
	return true, nil
}

// applySuffix understands "" and "LIMIT n".
func applySuffix[T any](items []T, suffix string) ([]T, error) {
	suffix = strings.TrimSpace(suffix)
	if suffix == "" {
		return items, nil
	}
	rest, ok := strings.CutPrefix(strings.ToUpper(suffix), "LIMIT ")
	if !ok {
		return nil, fmt.Errorf("unsupported query suffix: %q", suffix)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return nil, fmt.Errorf("unsupported query suffix: %q", suffix)
	}
	if limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}
