// Package resource holds the deployment vocabulary shared by the planner,
// the ordering engine and the provisioning steps: resource descriptors,
// the validated deployment config and the typed error taxonomy.
//
// Resources are a tagged variant (Kind + attribute map). Behavior lives in a
// per-kind step table in package provision, not on the types here.
package resource

import "slices"

// Kind tags a Descriptor and selects its provisioning step.
type Kind string

const (
	KindStorage       Kind = "Storage"
	KindAccessBinding Kind = "AccessBinding"
	KindOrigin        Kind = "Origin"
	KindZoneLookup    Kind = "ZoneLookup"
	KindDistribution  Kind = "Distribution"
	KindAliasRecord   Kind = "AliasRecord"
)

// Kinds lists every known kind in planning order.
var Kinds = []Kind{
	KindStorage,
	KindAccessBinding,
	KindOrigin,
	KindZoneLookup,
	KindDistribution,
	KindAliasRecord,
}

// Known reports whether k is one of Kinds.
func (k Kind) Known() bool { return slices.Contains(Kinds, k) }

// Lookup reports whether the kind only reads existing state. Lookups are
// prefetched concurrently and are not counted as completed resources.
func (k Kind) Lookup() bool { return k == KindZoneLookup }

// Logical ids assigned by the planner.
const (
	IDBucket       = "site-bucket"
	IDAccess       = "origin-access"
	IDOrigin       = "site-origin"
	IDZone         = "hosted-zone"
	IDDistribution = "distribution"
	IDAlias        = "alias-record"
)

// Attribute names carried on descriptors.
const (
	AttrBucketName        = "bucket_name"
	AttrDomainName        = "domain_name"
	AttrZoneID            = "hosted_zone_id"
	AttrZoneName          = "zone_name"
	AttrCertificateARN    = "certificate_arn"
	AttrDefaultRootObject = "default_root_object"
	AttrOwner             = "owner"
)

// DefaultRootObject is served for "/" and for any path the origin reports missing.
const DefaultRootObject = "index.html"

// Descriptor is one node of the deployment graph.
type Descriptor struct {
	Kind       Kind
	ID         string
	Attributes map[string]string
	DependsOn  []string
}

// Attr returns the named attribute or "".
func (d Descriptor) Attr(name string) string {
	if d.Attributes == nil {
		return ""
	}
	return d.Attributes[name]
}

// Plan declares the descriptors for cfg, leaves first. cfg should already be
// validated; Plan does not check it.
func Plan(cfg DeploymentConfig) []Descriptor {
	owner := cfg.DeploymentID()
	return []Descriptor{
		{
			Kind: KindStorage,
			ID:   IDBucket,
			Attributes: map[string]string{
				AttrBucketName: cfg.BucketName,
				AttrOwner:      owner,
			},
		},
		{
			Kind:       KindAccessBinding,
			ID:         IDAccess,
			Attributes: map[string]string{AttrOwner: owner},
			DependsOn:  []string{IDBucket},
		},
		{
			Kind:      KindOrigin,
			ID:        IDOrigin,
			DependsOn: []string{IDAccess},
		},
		{
			Kind: KindZoneLookup,
			ID:   IDZone,
			Attributes: map[string]string{
				AttrZoneID:   cfg.HostedZoneID,
				AttrZoneName: cfg.ZoneName,
			},
		},
		{
			Kind: KindDistribution,
			ID:   IDDistribution,
			Attributes: map[string]string{
				AttrDomainName:        cfg.DomainName,
				AttrCertificateARN:    cfg.CertificateARN,
				AttrDefaultRootObject: DefaultRootObject,
				AttrOwner:             owner,
			},
			DependsOn: []string{IDOrigin},
		},
		{
			Kind:       KindAliasRecord,
			ID:         IDAlias,
			Attributes: map[string]string{AttrDomainName: cfg.DomainName},
			DependsOn:  []string{IDZone, IDDistribution},
		},
	}
}
