package provision

import (
	"context"
	"fmt"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cloud"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/resource"
)

// StepFunc applies one descriptor given the outputs of everything applied
// so far and returns the descriptor's own output handle.
type StepFunc func(ctx context.Context, d resource.Descriptor, deps Outputs) (any, error)

// Outputs maps logical ids to the handles their steps produced.
type Outputs map[string]any

func (o Outputs) clone() Outputs {
	out := make(Outputs, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Bucket returns the storage handle, if applied.
func (o Outputs) Bucket() (cloud.Bucket, bool) { return lookup[cloud.Bucket](o) }

// Distribution returns the distribution handle, if applied.
func (o Outputs) Distribution() (cloud.Distribution, bool) { return lookup[cloud.Distribution](o) }

func lookup[T any](o Outputs) (T, bool) {
	for _, v := range o {
		if t, ok := v.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// dependency returns the output of the first of d's dependencies that has type T.
func dependency[T any](d resource.Descriptor, deps Outputs) (T, error) {
	for _, id := range d.DependsOn {
		if t, ok := deps[id].(T); ok {
			return t, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%s: no dependency provides %T", d.ID, zero)
}

// stepTable dispatches by kind. Each entry is the whole contract of its kind.
func (p *Provisioner) stepTable() map[resource.Kind]StepFunc {
	return map[resource.Kind]StepFunc{
		resource.KindStorage:       p.applyStorage,
		resource.KindAccessBinding: p.applyAccessBinding,
		resource.KindOrigin:        applyOrigin,
		resource.KindZoneLookup:    p.applyZoneLookup,
		resource.KindDistribution:  p.applyDistribution,
		resource.KindAliasRecord:   p.applyAliasRecord,
	}
}

func (p *Provisioner) applyStorage(ctx context.Context, d resource.Descriptor, _ Outputs) (any, error) {
	return p.storage.EnsureBucket(ctx, d.Attr(resource.AttrBucketName), d.Attr(resource.AttrOwner))
}

func (p *Provisioner) applyAccessBinding(ctx context.Context, d resource.Descriptor, deps Outputs) (any, error) {
	b, err := dependency[cloud.Bucket](d, deps)
	if err != nil {
		return nil, err
	}
	id, err := p.cdn.EnsureIdentity(ctx, d.Attr(resource.AttrOwner))
	if err != nil {
		return nil, err
	}
	return p.storage.GrantRead(ctx, b, id)
}

// applyOrigin makes no external call.
func applyOrigin(_ context.Context, d resource.Descriptor, deps Outputs) (any, error) {
	g, err := dependency[cloud.Grant](d, deps)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, c := range []cloud.Capability{cloud.CapabilityRead, cloud.CapabilityList} {
		if !g.Has(c) {
			missing = append(missing, string(c))
		}
	}
	if len(missing) > 0 {
		return nil, &resource.CapabilityMismatchError{ID: d.ID, Missing: missing}
	}
	return cloud.Origin{
		ID:         "s3-" + g.Bucket.Name,
		DomainName: g.Bucket.RegionalDomain,
		IdentityID: g.Identity.ID,
	}, nil
}

func (p *Provisioner) applyZoneLookup(ctx context.Context, d resource.Descriptor, _ Outputs) (any, error) {
	return p.dns.ResolveZone(ctx, d.Attr(resource.AttrZoneID), d.Attr(resource.AttrZoneName))
}

func (p *Provisioner) applyDistribution(ctx context.Context, d resource.Descriptor, deps Outputs) (any, error) {
	origin, err := dependency[cloud.Origin](d, deps)
	if err != nil {
		return nil, err
	}
	root := d.Attr(resource.AttrDefaultRootObject)
	return p.cdn.EnsureDistribution(ctx, cloud.DistributionSpec{
		Owner:             d.Attr(resource.AttrOwner),
		Origin:            origin,
		Aliases:           []string{d.Attr(resource.AttrDomainName)},
		CertificateARN:    d.Attr(resource.AttrCertificateARN),
		DefaultRootObject: root,
		// client-side routes have no object; serve the app shell with 200
		ErrorResponses: []cloud.ErrorResponse{
			{ErrorCode: 404, ResponseCode: 200, ResponsePath: "/" + root},
		},
	})
}

func (p *Provisioner) applyAliasRecord(ctx context.Context, d resource.Descriptor, deps Outputs) (any, error) {
	zone, err := dependency[cloud.Zone](d, deps)
	if err != nil {
		return nil, err
	}
	dist, err := dependency[cloud.Distribution](d, deps)
	if err != nil {
		return nil, err
	}
	name := d.Attr(resource.AttrDomainName)
	if !resource.WithinZone(zone.Name, name) {
		return nil, &resource.ZoneMismatchError{Domain: name, Zone: zone.Name}
	}
	target := dist.AliasTarget()
	if err := p.dns.UpsertAlias(ctx, zone, name, target); err != nil {
		return nil, err
	}
	return target, nil
}
