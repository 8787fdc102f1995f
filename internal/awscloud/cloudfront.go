package awscloud

import (
	"context"
	"errors"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	acmtypes "github.com/aws/aws-sdk-go-v2/service/acm/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cloud"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/resource"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// Managed-CachingOptimized.
const cachingOptimizedPolicyID = "658327ea-f89d-4fab-a63d-7e88639e58f6"

// CloudFrontAPI is the subset of the CloudFront client CDN uses.
type CloudFrontAPI interface {
	ListCloudFrontOriginAccessIdentities(ctx context.Context, in *cloudfront.ListCloudFrontOriginAccessIdentitiesInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListCloudFrontOriginAccessIdentitiesOutput, error)
	CreateCloudFrontOriginAccessIdentity(ctx context.Context, in *cloudfront.CreateCloudFrontOriginAccessIdentityInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateCloudFrontOriginAccessIdentityOutput, error)
	ListDistributions(ctx context.Context, in *cloudfront.ListDistributionsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error)
	GetDistributionConfig(ctx context.Context, in *cloudfront.GetDistributionConfigInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error)
	CreateDistribution(ctx context.Context, in *cloudfront.CreateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionOutput, error)
	UpdateDistribution(ctx context.Context, in *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error)
	CreateInvalidation(ctx context.Context, in *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

// ACMAPI is the subset of the ACM client CDN uses.
type ACMAPI interface {
	DescribeCertificate(ctx context.Context, in *acm.DescribeCertificateInput, optFns ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error)
}

// CDN implements cloud.CDN on CloudFront.
type CDN struct {
	client CloudFrontAPI
	acm    ACMAPI
	logger log.Logger
	now    func() time.Time
}

var _ cloud.CDN = (*CDN)(nil)

// NewCDN creates a CDN. acmClient may be nil to skip the certificate preflight.
func NewCDN(client CloudFrontAPI, acmClient ACMAPI, logger log.Logger) *CDN {
	if logger == nil {
		logger = log.Nop()
	}
	return &CDN{client: client, acm: acmClient, logger: logger, now: time.Now}
}

// EnsureIdentity returns the origin access identity whose comment names
// owner, creating one when there is none.
func (c *CDN) EnsureIdentity(ctx context.Context, owner string) (cloud.Identity, error) {
	comment := ownerComment(owner)
	in := &cloudfront.ListCloudFrontOriginAccessIdentitiesInput{}
	for {
		out, err := c.client.ListCloudFrontOriginAccessIdentities(ctx, in)
		if err != nil {
			return cloud.Identity{}, xerrors.Wrap(err, "list origin access identities")
		}
		list := out.CloudFrontOriginAccessIdentityList
		if list == nil {
			break
		}
		for _, item := range list.Items {
			if aws.ToString(item.Comment) == comment {
				return identity(aws.ToString(item.Id)), nil
			}
		}
		if !aws.ToBool(list.IsTruncated) || list.NextMarker == nil {
			break
		}
		in.Marker = list.NextMarker
	}

	out, err := c.client.CreateCloudFrontOriginAccessIdentity(ctx, &cloudfront.CreateCloudFrontOriginAccessIdentityInput{
		CloudFrontOriginAccessIdentityConfig: &cftypes.CloudFrontOriginAccessIdentityConfig{
			CallerReference: aws.String(comment),
			Comment:         aws.String(comment),
		},
	})
	if err != nil {
		return cloud.Identity{}, xerrors.Wrapf(err, "create origin access identity for %s", owner)
	}
	id := aws.ToString(out.CloudFrontOriginAccessIdentity.Id)
	c.logger.Info(ctx, "created origin access identity", "id", id, "owner", owner)
	return identity(id), nil
}

func identity(id string) cloud.Identity {
	return cloud.Identity{
		ID:        id,
		Principal: "arn:aws:iam::cloudfront:user/CloudFront Origin Access Identity " + id,
	}
}

// EnsureDistribution finds the distribution serving spec's aliases and
// brings it in line with spec, or creates one. A distribution serving an
// alias but owned by another deployment is a conflict.
func (c *CDN) EnsureDistribution(ctx context.Context, spec cloud.DistributionSpec) (cloud.Distribution, error) {
	if err := resource.ValidateCertificateARN(spec.CertificateARN); err != nil {
		return cloud.Distribution{}, err
	}
	if err := c.checkCertificate(ctx, spec); err != nil {
		return cloud.Distribution{}, err
	}

	existing, err := c.findByAlias(ctx, spec)
	if err != nil {
		return cloud.Distribution{}, err
	}
	if existing == nil {
		return c.create(ctx, spec)
	}
	return c.reconcile(ctx, *existing, spec)
}

// checkCertificate verifies the certificate is issued and covers every alias.
func (c *CDN) checkCertificate(ctx context.Context, spec cloud.DistributionSpec) error {
	if c.acm == nil {
		return nil
	}
	out, err := c.acm.DescribeCertificate(ctx, &acm.DescribeCertificateInput{CertificateArn: aws.String(spec.CertificateARN)})
	if err != nil {
		if hasCode(err, "ResourceNotFoundException") {
			return &resource.ConfigError{Field: "certificate_arn", Reason: "certificate not found"}
		}
		return xerrors.Wrapf(err, "describe certificate %s", spec.CertificateARN)
	}
	cert := out.Certificate
	if cert == nil || cert.Status != acmtypes.CertificateStatusIssued {
		status := ""
		if cert != nil {
			status = string(cert.Status)
		}
		return &resource.ConfigError{Field: "certificate_arn", Reason: "certificate status is " + status + ", want ISSUED"}
	}
	names := append([]string{aws.ToString(cert.DomainName)}, cert.SubjectAlternativeNames...)
	for _, alias := range spec.Aliases {
		if !certCovers(names, alias) {
			return &resource.ConfigError{Field: "certificate_arn", Reason: "certificate does not cover " + alias}
		}
	}
	return nil
}

// certCovers matches host against certificate names, where "*.zone" covers
// exactly one label under zone.
func certCovers(names []string, host string) bool {
	host = trimDot(host)
	for _, n := range names {
		n = trimDot(n)
		if n == host {
			return true
		}
		if rest, ok := strings.CutPrefix(n, "*."); ok {
			if i := strings.IndexByte(host, '.'); i > 0 && host[i+1:] == rest {
				return true
			}
		}
	}
	return false
}

// findByAlias pages through distributions for one serving any of spec's aliases.
func (c *CDN) findByAlias(ctx context.Context, spec cloud.DistributionSpec) (*cftypes.DistributionSummary, error) {
	in := &cloudfront.ListDistributionsInput{}
	for {
		out, err := c.client.ListDistributions(ctx, in)
		if err != nil {
			return nil, xerrors.Wrap(err, "list distributions")
		}
		list := out.DistributionList
		if list == nil {
			return nil, nil
		}
		for i := range list.Items {
			d := list.Items[i]
			if d.Aliases == nil || !sharesAlias(d.Aliases.Items, spec.Aliases) {
				continue
			}
			owner, ok := ownerFromComment(aws.ToString(d.Comment))
			if !ok || owner != spec.Owner {
				return nil, &resource.DomainConflictError{Domain: spec.Aliases[0], DistributionID: aws.ToString(d.Id)}
			}
			return &d, nil
		}
		if !aws.ToBool(list.IsTruncated) || list.NextMarker == nil {
			return nil, nil
		}
		in.Marker = list.NextMarker
	}
}

func sharesAlias(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if strings.EqualFold(trimDot(h), trimDot(w)) {
				return true
			}
		}
	}
	return false
}

func (c *CDN) create(ctx context.Context, spec cloud.DistributionSpec) (cloud.Distribution, error) {
	cfg := &cftypes.DistributionConfig{CallerReference: aws.String(ownerComment(spec.Owner))}
	applySpec(cfg, spec)

	out, err := c.client.CreateDistribution(ctx, &cloudfront.CreateDistributionInput{DistributionConfig: cfg})
	if err != nil {
		var taken *cftypes.CNAMEAlreadyExists
		if errors.As(err, &taken) {
			// alias is served by a distribution this account cannot see
			return cloud.Distribution{}, &resource.DomainConflictError{Domain: spec.Aliases[0]}
		}
		return cloud.Distribution{}, xerrors.Wrapf(err, "create distribution for %s", strings.Join(spec.Aliases, ","))
	}
	d := fromDistribution(out.Distribution)
	c.logger.Info(ctx, "created distribution", "id", d.ID, "domain", d.DomainName)
	return d, nil
}

// reconcile updates the distribution only when the fields spec controls drifted.
func (c *CDN) reconcile(ctx context.Context, sum cftypes.DistributionSummary, spec cloud.DistributionSpec) (cloud.Distribution, error) {
	id := aws.ToString(sum.Id)
	current, err := c.client.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{Id: aws.String(id)})
	if err != nil {
		return cloud.Distribution{}, xerrors.Wrapf(err, "get distribution config %s", id)
	}

	desired := &cftypes.DistributionConfig{}
	applySpec(desired, spec)
	want, have := stateOf(desired), stateOf(current.DistributionConfig)
	if cmp.Equal(want, have, specCompare) {
		return cloud.Distribution{ID: id, ARN: aws.ToString(sum.ARN), DomainName: aws.ToString(sum.DomainName)}, nil
	}
	c.logger.Info(ctx, "distribution drifted, updating", "id", id, "diff", cmp.Diff(have, want, specCompare))

	cfg := current.DistributionConfig
	applySpec(cfg, spec)
	out, err := c.client.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
		Id:                 aws.String(id),
		IfMatch:            current.ETag,
		DistributionConfig: cfg,
	})
	if err != nil {
		var taken *cftypes.CNAMEAlreadyExists
		if errors.As(err, &taken) {
			return cloud.Distribution{}, &resource.DomainConflictError{Domain: spec.Aliases[0]}
		}
		return cloud.Distribution{}, xerrors.Wrapf(err, "update distribution %s", id)
	}
	return fromDistribution(out.Distribution), nil
}

var specCompare = cmp.Options{
	cmpopts.EquateEmpty(),
	cmpopts.SortSlices(func(a, b string) bool { return a < b }),
}

func fromDistribution(d *cftypes.Distribution) cloud.Distribution {
	if d == nil {
		return cloud.Distribution{}
	}
	return cloud.Distribution{
		ID:         aws.ToString(d.Id),
		ARN:        aws.ToString(d.ARN),
		DomainName: aws.ToString(d.DomainName),
	}
}

func oaiPath(id string) string { return "origin-access-identity/cloudfront/" + id }

// applySpec writes the fields spec controls into cfg and fills the rest of a
// new config with fixed values. Fields of an existing config that spec does
// not control are left as they are.
func applySpec(cfg *cftypes.DistributionConfig, spec cloud.DistributionSpec) {
	cfg.Comment = aws.String(ownerComment(spec.Owner))
	cfg.Enabled = aws.Bool(true)
	if cfg.IsIPV6Enabled == nil {
		cfg.IsIPV6Enabled = aws.Bool(true)
	}
	if cfg.HttpVersion == "" {
		cfg.HttpVersion = cftypes.HttpVersionHttp2and3
	}
	if cfg.PriceClass == "" {
		cfg.PriceClass = cftypes.PriceClassPriceClass100
	}
	cfg.DefaultRootObject = aws.String(spec.DefaultRootObject)
	cfg.Aliases = &cftypes.Aliases{
		Quantity: aws.Int32(int32(len(spec.Aliases))),
		Items:    append([]string(nil), spec.Aliases...),
	}
	cfg.Origins = &cftypes.Origins{
		Quantity: aws.Int32(1),
		Items: []cftypes.Origin{{
			Id:         aws.String(spec.Origin.ID),
			DomainName: aws.String(spec.Origin.DomainName),
			OriginPath: aws.String(""),
			S3OriginConfig: &cftypes.S3OriginConfig{
				OriginAccessIdentity: aws.String(oaiPath(spec.Origin.IdentityID)),
			},
		}},
	}
	methods := []cftypes.Method{cftypes.MethodGet, cftypes.MethodHead}
	cfg.DefaultCacheBehavior = &cftypes.DefaultCacheBehavior{
		TargetOriginId:       aws.String(spec.Origin.ID),
		ViewerProtocolPolicy: cftypes.ViewerProtocolPolicyRedirectToHttps,
		CachePolicyId:        aws.String(cachingOptimizedPolicyID),
		Compress:             aws.Bool(true),
		AllowedMethods: &cftypes.AllowedMethods{
			Quantity: aws.Int32(int32(len(methods))),
			Items:    methods,
			CachedMethods: &cftypes.CachedMethods{
				Quantity: aws.Int32(int32(len(methods))),
				Items:    methods,
			},
		},
	}
	errs := make([]cftypes.CustomErrorResponse, 0, len(spec.ErrorResponses))
	for _, e := range spec.ErrorResponses {
		errs = append(errs, cftypes.CustomErrorResponse{
			ErrorCode:          aws.Int32(e.ErrorCode),
			ResponseCode:       aws.String(strconv.Itoa(int(e.ResponseCode))),
			ResponsePagePath:   aws.String(e.ResponsePath),
			ErrorCachingMinTTL: aws.Int64(10),
		})
	}
	cfg.CustomErrorResponses = &cftypes.CustomErrorResponses{
		Quantity: aws.Int32(int32(len(errs))),
		Items:    errs,
	}
	cfg.ViewerCertificate = &cftypes.ViewerCertificate{
		ACMCertificateArn:      aws.String(spec.CertificateARN),
		SSLSupportMethod:       cftypes.SSLSupportMethodSniOnly,
		MinimumProtocolVersion: cftypes.MinimumProtocolVersionTLSv122021,
	}
}

// distState is the part of a distribution config EnsureDistribution keeps
// converged: the spec fields plus the default behavior and the enabled flag.
type distState struct {
	Spec                 cloud.DistributionSpec
	Enabled              bool
	TargetOriginID       string
	CachePolicyID        string
	ViewerProtocolPolicy string
	Compress             bool
	AllowedMethods       []string
	CachedMethods        []string
}

func stateOf(cfg *cftypes.DistributionConfig) distState {
	st := distState{Spec: specFromConfig(cfg)}
	if cfg == nil {
		return st
	}
	st.Enabled = aws.ToBool(cfg.Enabled)
	b := cfg.DefaultCacheBehavior
	if b == nil {
		return st
	}
	st.TargetOriginID = aws.ToString(b.TargetOriginId)
	st.CachePolicyID = aws.ToString(b.CachePolicyId)
	st.ViewerProtocolPolicy = string(b.ViewerProtocolPolicy)
	st.Compress = aws.ToBool(b.Compress)
	if m := b.AllowedMethods; m != nil {
		st.AllowedMethods = methodNames(m.Items)
		if m.CachedMethods != nil {
			st.CachedMethods = methodNames(m.CachedMethods.Items)
		}
	}
	return st
}

func methodNames(ms []cftypes.Method) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, string(m))
	}
	return out
}

// specFromConfig projects a live config onto the fields spec controls.
func specFromConfig(cfg *cftypes.DistributionConfig) cloud.DistributionSpec {
	var spec cloud.DistributionSpec
	if cfg == nil {
		return spec
	}
	spec.DefaultRootObject = aws.ToString(cfg.DefaultRootObject)
	if cfg.Aliases != nil {
		spec.Aliases = append(spec.Aliases, cfg.Aliases.Items...)
	}
	if cfg.ViewerCertificate != nil {
		spec.CertificateARN = aws.ToString(cfg.ViewerCertificate.ACMCertificateArn)
	}
	if cfg.Origins != nil && len(cfg.Origins.Items) == 1 {
		o := cfg.Origins.Items[0]
		spec.Origin = cloud.Origin{ID: aws.ToString(o.Id), DomainName: aws.ToString(o.DomainName)}
		if o.S3OriginConfig != nil {
			spec.Origin.IdentityID = path.Base(aws.ToString(o.S3OriginConfig.OriginAccessIdentity))
		}
	}
	if cfg.CustomErrorResponses != nil {
		for _, e := range cfg.CustomErrorResponses.Items {
			code, _ := strconv.Atoi(aws.ToString(e.ResponseCode))
			spec.ErrorResponses = append(spec.ErrorResponses, cloud.ErrorResponse{
				ErrorCode:    aws.ToInt32(e.ErrorCode),
				ResponseCode: int32(code),
				ResponsePath: aws.ToString(e.ResponsePagePath),
			})
		}
	}
	return spec
}

// Invalidate submits one invalidation batch. A quota rejection is returned
// as *resource.InvalidationQuotaError and is not retried.
func (c *CDN) Invalidate(ctx context.Context, d cloud.Distribution, patterns []string) (string, error) {
	out, err := c.client.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(d.ID),
		InvalidationBatch: &cftypes.InvalidationBatch{
			CallerReference: aws.String("sitedeploy-" + strconv.FormatInt(c.now().UnixNano(), 36)),
			Paths: &cftypes.Paths{
				Quantity: aws.Int32(int32(len(patterns))),
				Items:    append([]string(nil), patterns...),
			},
		},
	})
	if err != nil {
		var busy *cftypes.TooManyInvalidationsInProgress
		if errors.As(err, &busy) || hasCode(err, "TooManyInvalidationsInProgress", "BatchTooLarge") {
			return "", &resource.InvalidationQuotaError{DistributionID: d.ID, Paths: len(patterns), Err: err}
		}
		return "", xerrors.Wrapf(err, "create invalidation on %s", d.ID)
	}
	return aws.ToString(out.Invalidation.Id), nil
}
