package awscloud

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	acmtypes "github.com/aws/aws-sdk-go-v2/service/acm/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// S3

type fakeS3 struct {
	mu sync.Mutex

	exists    bool
	headErr   error
	createErr error
	tags      map[string]string
	policy    string
	objects   map[string]fakeObject
	pageSize  int

	calls []string
}

type fakeObject struct {
	body     []byte
	metadata map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]fakeObject{}, pageSize: 1000}
}

func (f *fakeS3) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeS3) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.record("HeadBucket")
	if f.headErr != nil {
		return nil, f.headErr
	}
	if !f.exists {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, _ *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.record("CreateBucket")
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.exists = true
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) GetBucketTagging(_ context.Context, _ *s3.GetBucketTaggingInput, _ ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error) {
	f.record("GetBucketTagging")
	if len(f.tags) == 0 {
		return nil, &smithy.GenericAPIError{Code: "NoSuchTagSet", Message: "The TagSet does not exist"}
	}
	out := &s3.GetBucketTaggingOutput{}
	for k, v := range f.tags {
		out.TagSet = append(out.TagSet, s3types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out, nil
}

func (f *fakeS3) PutBucketTagging(_ context.Context, in *s3.PutBucketTaggingInput, _ ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error) {
	f.record("PutBucketTagging")
	f.tags = map[string]string{}
	for _, t := range in.Tagging.TagSet {
		f.tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return &s3.PutBucketTaggingOutput{}, nil
}

func (f *fakeS3) PutPublicAccessBlock(_ context.Context, _ *s3.PutPublicAccessBlockInput, _ ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error) {
	f.record("PutPublicAccessBlock")
	return &s3.PutPublicAccessBlockOutput{}, nil
}

func (f *fakeS3) GetBucketPolicy(_ context.Context, _ *s3.GetBucketPolicyInput, _ ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error) {
	f.record("GetBucketPolicy")
	if f.policy == "" {
		return nil, &smithy.GenericAPIError{Code: "NoSuchBucketPolicy", Message: "The bucket policy does not exist"}
	}
	return &s3.GetBucketPolicyOutput{Policy: aws.String(f.policy)}, nil
}

func (f *fakeS3) PutBucketPolicy(_ context.Context, in *s3.PutBucketPolicyInput, _ ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error) {
	f.record("PutBucketPolicy")
	f.policy = aws.ToString(in.Policy)
	return &s3.PutBucketPolicyOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.record("PutObject")
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{body: body, metadata: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.record("DeleteObject")
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.record("HeadObject")
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: o.metadata, ContentLength: aws.Int64(int64(len(o.body)))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.record("ListObjectsV2")
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start = sort.SearchStrings(keys, tok)
	}
	end := min(start+f.pageSize, len(keys))
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k].body)))})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

// CloudFront

type fakeCloudFront struct {
	identities    []cftypes.CloudFrontOriginAccessIdentitySummary
	distributions []fakeDistribution
	invalidateErr error
	createErr     error

	updates       []*cloudfront.UpdateDistributionInput
	creates       int
	invalidations [][]string
	seq           int
}

type fakeDistribution struct {
	id     string
	domain string
	config *cftypes.DistributionConfig
	etag   string
}

func (f *fakeCloudFront) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%06d", prefix, f.seq)
}

func (f *fakeCloudFront) ListCloudFrontOriginAccessIdentities(_ context.Context, in *cloudfront.ListCloudFrontOriginAccessIdentitiesInput, _ ...func(*cloudfront.Options)) (*cloudfront.ListCloudFrontOriginAccessIdentitiesOutput, error) {
	// one identity per page, to exercise paging
	start := 0
	if m := aws.ToString(in.Marker); m != "" {
		for i, id := range f.identities {
			if aws.ToString(id.Id) == m {
				start = i
			}
		}
	}
	list := &cftypes.CloudFrontOriginAccessIdentityList{IsTruncated: aws.Bool(false)}
	if start < len(f.identities) {
		list.Items = f.identities[start : start+1]
		if start+1 < len(f.identities) {
			list.IsTruncated = aws.Bool(true)
			list.NextMarker = f.identities[start+1].Id
		}
	}
	return &cloudfront.ListCloudFrontOriginAccessIdentitiesOutput{CloudFrontOriginAccessIdentityList: list}, nil
}

func (f *fakeCloudFront) CreateCloudFrontOriginAccessIdentity(_ context.Context, in *cloudfront.CreateCloudFrontOriginAccessIdentityInput, _ ...func(*cloudfront.Options)) (*cloudfront.CreateCloudFrontOriginAccessIdentityOutput, error) {
	id := f.nextID("EOAI")
	f.identities = append(f.identities, cftypes.CloudFrontOriginAccessIdentitySummary{
		Id:      aws.String(id),
		Comment: in.CloudFrontOriginAccessIdentityConfig.Comment,
	})
	return &cloudfront.CreateCloudFrontOriginAccessIdentityOutput{
		CloudFrontOriginAccessIdentity: &cftypes.CloudFrontOriginAccessIdentity{Id: aws.String(id)},
	}, nil
}

func (f *fakeCloudFront) summary(d fakeDistribution) cftypes.DistributionSummary {
	return cftypes.DistributionSummary{
		Id:         aws.String(d.id),
		ARN:        aws.String("arn:aws:cloudfront::111122223333:distribution/" + d.id),
		DomainName: aws.String(d.domain),
		Aliases:    d.config.Aliases,
		Comment:    d.config.Comment,
	}
}

func (f *fakeCloudFront) ListDistributions(_ context.Context, _ *cloudfront.ListDistributionsInput, _ ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error) {
	list := &cftypes.DistributionList{IsTruncated: aws.Bool(false)}
	for _, d := range f.distributions {
		list.Items = append(list.Items, f.summary(d))
	}
	return &cloudfront.ListDistributionsOutput{DistributionList: list}, nil
}

func (f *fakeCloudFront) GetDistributionConfig(_ context.Context, in *cloudfront.GetDistributionConfigInput, _ ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error) {
	for _, d := range f.distributions {
		if d.id == aws.ToString(in.Id) {
			return &cloudfront.GetDistributionConfigOutput{DistributionConfig: d.config, ETag: aws.String(d.etag)}, nil
		}
	}
	return nil, &cftypes.NoSuchDistribution{}
}

func (f *fakeCloudFront) CreateDistribution(_ context.Context, in *cloudfront.CreateDistributionInput, _ ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates++
	d := fakeDistribution{id: f.nextID("EDFD"), domain: "d111111abcdef8.cloudfront.net", config: in.DistributionConfig, etag: "E1"}
	f.distributions = append(f.distributions, d)
	return &cloudfront.CreateDistributionOutput{Distribution: &cftypes.Distribution{
		Id: aws.String(d.id), DomainName: aws.String(d.domain),
	}}, nil
}

func (f *fakeCloudFront) UpdateDistribution(_ context.Context, in *cloudfront.UpdateDistributionInput, _ ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error) {
	f.updates = append(f.updates, in)
	for i, d := range f.distributions {
		if d.id == aws.ToString(in.Id) {
			if aws.ToString(in.IfMatch) != d.etag {
				return nil, &cftypes.PreconditionFailed{}
			}
			f.distributions[i].config = in.DistributionConfig
			f.distributions[i].etag = d.etag + "x"
			return &cloudfront.UpdateDistributionOutput{Distribution: &cftypes.Distribution{
				Id: aws.String(d.id), DomainName: aws.String(d.domain),
			}}, nil
		}
	}
	return nil, &cftypes.NoSuchDistribution{}
}

func (f *fakeCloudFront) CreateInvalidation(_ context.Context, in *cloudfront.CreateInvalidationInput, _ ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error) {
	if f.invalidateErr != nil {
		return nil, f.invalidateErr
	}
	f.invalidations = append(f.invalidations, in.InvalidationBatch.Paths.Items)
	return &cloudfront.CreateInvalidationOutput{Invalidation: &cftypes.Invalidation{Id: aws.String("I2J0I21PCUYOIK")}}, nil
}

type fakeACM struct {
	status acmtypes.CertificateStatus
	domain string
	sans   []string
	err    error
}

func (f *fakeACM) DescribeCertificate(_ context.Context, _ *acm.DescribeCertificateInput, _ ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &acm.DescribeCertificateOutput{Certificate: &acmtypes.CertificateDetail{
		Status:                  f.status,
		DomainName:              aws.String(f.domain),
		SubjectAlternativeNames: f.sans,
	}}, nil
}

// Route53

type fakeRoute53 struct {
	zoneID   string
	zoneName string
	records  []r53types.ResourceRecordSet
	changes  []*route53.ChangeResourceRecordSetsInput
}

func (f *fakeRoute53) GetHostedZone(_ context.Context, in *route53.GetHostedZoneInput, _ ...func(*route53.Options)) (*route53.GetHostedZoneOutput, error) {
	if aws.ToString(in.Id) != f.zoneID {
		return nil, &r53types.NoSuchHostedZone{}
	}
	return &route53.GetHostedZoneOutput{HostedZone: &r53types.HostedZone{
		Id:   aws.String("/hostedzone/" + f.zoneID),
		Name: aws.String(f.zoneName + "."),
	}}, nil
}

func (f *fakeRoute53) ListResourceRecordSets(_ context.Context, in *route53.ListResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error) {
	out := &route53.ListResourceRecordSetsOutput{}
	start := aws.ToString(in.StartRecordName)
	for _, rr := range f.records {
		if aws.ToString(rr.Name) >= start {
			out.ResourceRecordSets = append(out.ResourceRecordSets, rr)
		}
	}
	return out, nil
}

func (f *fakeRoute53) ChangeResourceRecordSets(_ context.Context, in *route53.ChangeResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	f.changes = append(f.changes, in)
	for _, ch := range in.ChangeBatch.Changes {
		rr := *ch.ResourceRecordSet
		replaced := false
		for i, have := range f.records {
			if aws.ToString(have.Name) == aws.ToString(rr.Name) && have.Type == rr.Type {
				f.records[i] = rr
				replaced = true
			}
		}
		if !replaced {
			f.records = append(f.records, rr)
		}
	}
	return &route53.ChangeResourceRecordSetsOutput{}, nil
}

// SSM

type fakeSSM struct {
	params map[string]string
	puts   int
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	v, ok := f.params[aws.ToString(in.Name)]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

func (f *fakeSSM) PutParameter(_ context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	if f.params == nil {
		f.params = map[string]string{}
	}
	f.puts++
	f.params[aws.ToString(in.Name)] = aws.ToString(in.Value)
	return &ssm.PutParameterOutput{}, nil
}

// STS

type fakeSTS struct {
	err error
}

func (f *fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{
		Account: aws.String("111122223333"),
		Arn:     aws.String("arn:aws:iam::111122223333:role/deployer"),
	}, nil
}
