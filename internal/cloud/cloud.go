// Package cloud declares the capability contracts the provisioner drives:
// object storage, the CDN and DNS. Implementations live in awscloud (real
// AWS APIs) and memcloud (in-memory, for tests and dry runs).
//
// Every Ensure/Upsert operation is convergent: calling it again with the same
// input verifies existing state and performs no mutation.
package cloud

import (
	"context"
	"slices"

	"github.com/opencontainers/go-digest"
)

// CloudFrontHostedZoneID is the fixed Route 53 zone id used for alias
// records that target any CloudFront distribution.
const CloudFrontHostedZoneID = "Z2FDTNDATAQYW2"

// Capability is a permission an origin identity holds on a bucket.
type Capability string

const (
	CapabilityRead Capability = "read"
	CapabilityList Capability = "list"
)

// Bucket is the handle returned by Storage.EnsureBucket.
type Bucket struct {
	Name string
	// RegionalDomain is the host a CDN origin uses to reach the bucket.
	RegionalDomain string
	Owner          string
}

// Identity is the CDN-side principal that reads from the bucket.
type Identity struct {
	ID string
	// Principal is how the storage policy names the identity.
	Principal string
}

// Grant is the handle returned by Storage.GrantRead.
type Grant struct {
	Bucket       Bucket
	Identity     Identity
	Capabilities []Capability
}

// Has reports whether the grant carries c.
func (g Grant) Has(c Capability) bool { return slices.Contains(g.Capabilities, c) }

// Origin is a bucket reachable by the CDN through an identity.
type Origin struct {
	ID         string
	DomainName string
	IdentityID string
}

// ErrorResponse maps an origin error code to a document served with ResponseCode.
type ErrorResponse struct {
	ErrorCode    int32
	ResponseCode int32
	ResponsePath string
}

// DistributionSpec is the full desired state of a distribution.
type DistributionSpec struct {
	// Owner tags the distribution so a later run recognizes it as its own.
	Owner             string
	Origin            Origin
	Aliases           []string
	CertificateARN    string
	DefaultRootObject string
	ErrorResponses    []ErrorResponse
}

// Distribution is the DistributionHandle: an opaque id plus the stable
// public domain name. Downstream steps only read it.
type Distribution struct {
	ID         string
	ARN        string
	DomainName string
}

// StableDomain is the distribution's own hostname, e.g. d111111abcdef8.cloudfront.net.
func (d Distribution) StableDomain() string { return d.DomainName }

// AliasTarget returns the DNS alias target for the distribution.
func (d Distribution) AliasTarget() AliasTarget {
	return AliasTarget{DNSName: d.DomainName, HostedZoneID: CloudFrontHostedZoneID}
}

// Zone is a resolved hosted zone.
type Zone struct {
	ID   string
	Name string
}

// AliasTarget is what an alias record points at.
type AliasTarget struct {
	DNSName      string
	HostedZoneID string
}

// Object is one stored content object as seen by a listing.
type Object struct {
	Path   string
	Digest digest.Digest
	Size   int64
}

// Upload is one content object to store.
type Upload struct {
	Path         string
	Body         []byte
	Digest       digest.Digest
	ContentType  string
	CacheControl string
}

// Storage is the object storage capability.
type Storage interface {
	// EnsureBucket creates or verifies a private bucket owned by owner.
	EnsureBucket(ctx context.Context, name, owner string) (Bucket, error)
	// GrantRead gives id read and list access to b. Re-granting is a no-op.
	GrantRead(ctx context.Context, b Bucket, id Identity) (Grant, error)
	Put(ctx context.Context, b Bucket, u Upload) error
	Delete(ctx context.Context, b Bucket, path string) error
	// List returns every stored object with the digest recorded at upload.
	List(ctx context.Context, b Bucket) ([]Object, error)
}

// CDN is the content delivery network capability.
type CDN interface {
	// EnsureIdentity returns the origin identity for owner, creating it once.
	EnsureIdentity(ctx context.Context, owner string) (Identity, error)
	// EnsureDistribution creates the distribution or updates it when it drifted from spec.
	EnsureDistribution(ctx context.Context, spec DistributionSpec) (Distribution, error)
	// Invalidate purges patterns and returns the invalidation id.
	Invalidate(ctx context.Context, d Distribution, patterns []string) (string, error)
}

// DNS is the DNS capability.
type DNS interface {
	ResolveZone(ctx context.Context, id, name string) (Zone, error)
	// UpsertAlias creates or updates the alias record name in z. It never duplicates.
	UpsertAlias(ctx context.Context, z Zone, name string, target AliasTarget) error
}

// Recorder keeps the digest of the last deployed manifest per deployment.
type Recorder interface {
	Recorded(ctx context.Context, deployment string) (digest.Digest, error)
	Record(ctx context.Context, deployment string, d digest.Digest) error
}
