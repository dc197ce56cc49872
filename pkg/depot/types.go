package depot

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/google/uuid"
)

// ID identifies a persisted metadata record.
type ID string

// NewID returns a fresh record identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// EntityMetadata is the persistence metadata a store attaches to a record
// once it has been saved. An entity with nil metadata has never been added.
type EntityMetadata struct {
	ID      ID
	Version int64
}

// Bucket is the metadata root owning all components and assets of one
// repository. Exactly one bucket exists per repository.
type Bucket struct {
	Metadata       *EntityMetadata
	RepositoryName string
}

// Component is a logical package or module version grouping assets.
type Component struct {
	Metadata   *EntityMetadata
	BucketID   ID
	Name       string
	Format     string
	Attributes Attributes
}

// Asset is a single stored file, optionally belonging to a component and
// referencing at most one blob.
type Asset struct {
	Metadata    *EntityMetadata
	BucketID    ID
	ComponentID ID // empty for standalone assets
	Name        string
	Format      string
	Size        int64
	ContentType string
	BlobRef     BlobRef
	Attributes  Attributes
}

// HasBlob reports whether the asset currently references a blob.
func (a *Asset) HasBlob() bool {
	return a.BlobRef != ""
}

// Checksums returns the asset's checksum attribute sub-map, keyed by hash
// algorithm name.
func (a *Asset) Checksums() Attributes {
	return a.Attributes.Child(AttrChecksum)
}

// AttrChecksum is the attribute key under which per-algorithm digests of an
// asset's blob are stored.
const AttrChecksum = "checksum"

// BlobRef is the opaque reference an asset holds to its blob. The empty
// value means no blob.
type BlobRef string

// HashAlgorithm names a digest computed over blob content during ingestion.
type HashAlgorithm string

const (
	MD5    HashAlgorithm = "MD5"
	SHA1   HashAlgorithm = "SHA1"
	SHA256 HashAlgorithm = "SHA256"
	SHA512 HashAlgorithm = "SHA512"
)

// New returns a fresh hash.Hash for the algorithm, or nil if unknown.
func (h HashAlgorithm) New() hash.Hash {
	switch h {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	case SHA512:
		return sha512.New()
	}
	return nil
}

// AssetBlob is the transient result of a blob creation, pending attachment
// to exactly one asset. Attach it via StorageTx.AttachBlob; attaching the
// same AssetBlob twice is a programming error.
type AssetBlob struct {
	blobRef     BlobRef
	size        int64
	contentType string
	hashes      map[HashAlgorithm]string
	attached    bool
}

// NewAssetBlob is called by blob store transactions to describe a freshly
// ingested blob.
func NewAssetBlob(ref BlobRef, size int64, contentType string, hashes map[HashAlgorithm]string) *AssetBlob {
	return &AssetBlob{
		blobRef:     ref,
		size:        size,
		contentType: contentType,
		hashes:      hashes,
	}
}

// BlobRef returns the reference of the ingested blob.
func (b *AssetBlob) BlobRef() BlobRef { return b.blobRef }

// Size returns the ingested byte count.
func (b *AssetBlob) Size() int64 { return b.size }

// ContentType returns the content type stored with the blob.
func (b *AssetBlob) ContentType() string { return b.contentType }

// Hashes returns the digests computed during ingestion, hex encoded and
// keyed by algorithm.
func (b *AssetBlob) Hashes() map[HashAlgorithm]string { return b.hashes }

// Attached reports whether this AssetBlob has already been attached to an
// asset.
func (b *AssetBlob) Attached() bool { return b.attached }

// Blob header keys this layer writes on every created blob. Caller-supplied
// extra headers never override these.
const (
	HeaderRepoName    = "Bucket-Repo-Name"
	HeaderBlobName    = "Blob-Name"
	HeaderCreatedBy   = "Created-By"
	HeaderContentType = "Content-Type"
)
