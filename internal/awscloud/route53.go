package awscloud

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/miekg/dns"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cloud"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/resource"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// Route53API is the subset of the Route53 client DNS uses.
type Route53API interface {
	GetHostedZone(ctx context.Context, in *route53.GetHostedZoneInput, optFns ...func(*route53.Options)) (*route53.GetHostedZoneOutput, error)
	ListResourceRecordSets(ctx context.Context, in *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// DNS implements cloud.DNS on Route53.
type DNS struct {
	client Route53API
	logger log.Logger
}

var _ cloud.DNS = (*DNS)(nil)

// NewDNS creates a DNS provider.
func NewDNS(client Route53API, logger log.Logger) *DNS {
	if logger == nil {
		logger = log.Nop()
	}
	return &DNS{client: client, logger: logger}
}

// ResolveZone fetches the hosted zone and checks it is named name.
func (d *DNS) ResolveZone(ctx context.Context, id, name string) (cloud.Zone, error) {
	out, err := d.client.GetHostedZone(ctx, &route53.GetHostedZoneInput{Id: aws.String(id)})
	if err != nil {
		var nf *r53types.NoSuchHostedZone
		if errors.As(err, &nf) || hasCode(err, "NoSuchHostedZone") {
			return cloud.Zone{}, &resource.ZoneNotFoundError{ZoneID: id, ZoneName: name}
		}
		return cloud.Zone{}, xerrors.Wrapf(err, "get hosted zone %s", id)
	}
	hz := out.HostedZone
	if hz == nil || !strings.EqualFold(trimDot(aws.ToString(hz.Name)), trimDot(name)) {
		return cloud.Zone{}, &resource.ZoneNotFoundError{ZoneID: id, ZoneName: name}
	}
	return cloud.Zone{
		ID:   strings.TrimPrefix(aws.ToString(hz.Id), "/hostedzone/"),
		Name: trimDot(aws.ToString(hz.Name)),
	}, nil
}

// UpsertAlias points name at target with an alias A record. A CNAME or a
// plain A record already at name is a conflict; an alias already pointing
// at target is left alone.
func (d *DNS) UpsertAlias(ctx context.Context, z cloud.Zone, name string, target cloud.AliasTarget) error {
	if !resource.WithinZone(z.Name, name) {
		return &resource.ZoneMismatchError{Domain: name, Zone: z.Name}
	}
	fqdn := dns.Fqdn(trimDot(name))

	out, err := d.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(z.ID),
		StartRecordName: aws.String(fqdn),
		MaxItems:        aws.Int32(10),
	})
	if err != nil {
		return xerrors.Wrapf(err, "list records at %s in %s", name, z.ID)
	}
	for _, rr := range out.ResourceRecordSets {
		if !strings.EqualFold(dns.Fqdn(aws.ToString(rr.Name)), fqdn) {
			continue
		}
		switch rr.Type {
		case r53types.RRTypeCname:
			return &resource.RecordConflictError{Name: trimDot(name), Type: string(rr.Type)}
		case r53types.RRTypeA:
			if rr.AliasTarget == nil {
				return &resource.RecordConflictError{Name: trimDot(name), Type: string(rr.Type)}
			}
			if sameTarget(rr.AliasTarget, target) {
				return nil
			}
		}
	}

	_, err = d.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(z.ID),
		ChangeBatch: &r53types.ChangeBatch{
			Comment: aws.String("sitedeploy alias for " + trimDot(name)),
			Changes: []r53types.Change{{
				Action: r53types.ChangeActionUpsert,
				ResourceRecordSet: &r53types.ResourceRecordSet{
					Name: aws.String(fqdn),
					Type: r53types.RRTypeA,
					AliasTarget: &r53types.AliasTarget{
						DNSName:              aws.String(dns.Fqdn(target.DNSName)),
						HostedZoneId:         aws.String(target.HostedZoneID),
						EvaluateTargetHealth: false,
					},
				},
			}},
		},
	})
	if err != nil {
		return xerrors.Wrapf(err, "upsert alias %s", name)
	}
	d.logger.Info(ctx, "upserted alias record", "name", trimDot(name), "target", target.DNSName, "zone", z.ID)
	return nil
}

func sameTarget(have *r53types.AliasTarget, want cloud.AliasTarget) bool {
	return trimDot(aws.ToString(have.DNSName)) == trimDot(want.DNSName) &&
		aws.ToString(have.HostedZoneId) == want.HostedZoneID
}
