package awscloud

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	acmtypes "github.com/aws/aws-sdk-go-v2/service/acm/types"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cloud"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/resource"
)

const (
	testCert  = "arn:aws:acm:us-east-1:111122223333:certificate/abc"
	testOwner = "www.example.com"
)

// Storage

func TestEnsureBucket_CreatesAndTags(t *testing.T) {
	f := newFakeS3()
	s := NewStorage(f, "eu-west-1", nil)

	b, err := s.EnsureBucket(t.Context(), "site-abc", testOwner)
	if err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	if b.RegionalDomain != "site-abc.s3.eu-west-1.amazonaws.com" {
		t.Fatalf("regional domain = %q", b.RegionalDomain)
	}
	for _, op := range []string{"CreateBucket", "PutPublicAccessBlock", "PutBucketTagging"} {
		if f.count(op) != 1 {
			t.Fatalf("%s calls = %d", op, f.count(op))
		}
	}
	if f.tags[OwnerTag] != testOwner {
		t.Fatalf("owner tag = %q", f.tags[OwnerTag])
	}

	// second call only verifies
	f.calls = nil
	if _, err := s.EnsureBucket(t.Context(), "site-abc", testOwner); err != nil {
		t.Fatalf("second EnsureBucket: %v", err)
	}
	if diff := cmp.Diff([]string{"HeadBucket", "GetBucketTagging"}, f.calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
}

func TestEnsureBucket_Conflicts(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*fakeS3)
		wantOwner string
	}{
		{"other account", func(f *fakeS3) {
			f.headErr = &smithy.GenericAPIError{Code: "Forbidden"}
		}, ""},
		{"name taken at create", func(f *fakeS3) {
			f.createErr = &s3types.BucketAlreadyExists{}
		}, ""},
		{"untagged bucket", func(f *fakeS3) {
			f.exists = true
		}, ""},
		{"other deployment", func(f *fakeS3) {
			f.exists = true
			f.tags = map[string]string{OwnerTag: "blog.example.com"}
		}, "blog.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeS3()
			tt.setup(f)
			_, err := NewStorage(f, "us-east-1", nil).EnsureBucket(t.Context(), "site-abc", testOwner)
			var nc *resource.NameConflictError
			if !errors.As(err, &nc) {
				t.Fatalf("expected *NameConflictError, got %v", err)
			}
			if nc.Owner != tt.wantOwner {
				t.Fatalf("owner = %q, want %q", nc.Owner, tt.wantOwner)
			}
		})
	}
}

func TestEnsureBucket_OtherErrorsWrapped(t *testing.T) {
	f := newFakeS3()
	f.headErr = &smithy.GenericAPIError{Code: "InternalError"}
	_, err := NewStorage(f, "us-east-1", nil).EnsureBucket(t.Context(), "site-abc", testOwner)
	if err == nil || resource.ClassOf(err) != "" {
		t.Fatalf("expected unclassified error, got %v", err)
	}
	if errorCode(err) != "InternalError" {
		t.Fatalf("code = %q", errorCode(err))
	}
}

func TestGrantRead(t *testing.T) {
	f := newFakeS3()
	f.exists = true
	f.policy = `{"Version":"2012-10-17","Statement":[{"Sid":"Keep","Effect":"Deny","Principal":"*","Action":"s3:DeleteBucket","Resource":"arn:aws:s3:::site-abc"}]}`
	s := NewStorage(f, "us-east-1", nil)
	b := cloud.Bucket{Name: "site-abc"}
	id := identity("E2QWRUHAPOMQZL")

	g, err := s.GrantRead(t.Context(), b, id)
	if err != nil {
		t.Fatalf("GrantRead: %v", err)
	}
	if !g.Has(cloud.CapabilityRead) || !g.Has(cloud.CapabilityList) {
		t.Fatalf("capabilities = %v", g.Capabilities)
	}

	var doc struct {
		Statement []struct {
			Sid    string
			Action any
		}
	}
	if err := json.Unmarshal([]byte(f.policy), &doc); err != nil {
		t.Fatalf("policy: %v", err)
	}
	if len(doc.Statement) != 2 || doc.Statement[0].Sid != "Keep" {
		t.Fatalf("existing statement not kept: %s", f.policy)
	}
	if !strings.Contains(f.policy, "CloudFront Origin Access Identity E2QWRUHAPOMQZL") {
		t.Fatalf("principal missing: %s", f.policy)
	}

	// already granted
	if _, err := s.GrantRead(t.Context(), b, id); err != nil {
		t.Fatalf("second GrantRead: %v", err)
	}
	if n := f.count("PutBucketPolicy"); n != 1 {
		t.Fatalf("PutBucketPolicy calls = %d", n)
	}
}

func TestPutAndList(t *testing.T) {
	f := newFakeS3()
	f.pageSize = 2
	s := NewStorage(f, "us-east-1", nil)
	b := cloud.Bucket{Name: "site-abc"}

	files := map[string]string{"index.html": "A", "style.css": "B", "img/logo.svg": "<svg/>"}
	for p, body := range files {
		if err := s.Put(t.Context(), b, cloud.Upload{Path: p, Body: []byte(body), ContentType: "text/plain"}); err != nil {
			t.Fatalf("Put(%s): %v", p, err)
		}
	}
	// an object written by something else carries no digest
	f.objects["stray.txt"] = fakeObject{body: []byte("x")}

	objs, err := s.List(t.Context(), b)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []cloud.Object{
		{Path: "img/logo.svg", Digest: digest.FromString("<svg/>"), Size: 6},
		{Path: "index.html", Digest: digest.FromString("A"), Size: 1},
		{Path: "stray.txt", Size: 1},
		{Path: "style.css", Digest: digest.FromString("B"), Size: 1},
	}
	if diff := cmp.Diff(want, objs); diff != "" {
		t.Fatalf("list (-want +got):\n%s", diff)
	}
	if n := f.count("ListObjectsV2"); n != 2 {
		t.Fatalf("pages = %d", n)
	}

	if err := s.Delete(t.Context(), b, "stray.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := f.objects["stray.txt"]; ok {
		t.Fatal("object not deleted")
	}
}

// CDN

func testSpec(identityID string) cloud.DistributionSpec {
	return cloud.DistributionSpec{
		Owner:             testOwner,
		Origin:            cloud.Origin{ID: "s3-site-abc", DomainName: "site-abc.s3.us-east-1.amazonaws.com", IdentityID: identityID},
		Aliases:           []string{testOwner},
		CertificateARN:    testCert,
		DefaultRootObject: "index.html",
		ErrorResponses:    []cloud.ErrorResponse{{ErrorCode: 404, ResponseCode: 200, ResponsePath: "/index.html"}},
	}
}

func issuedACM() *fakeACM {
	return &fakeACM{status: acmtypes.CertificateStatusIssued, domain: "example.com", sans: []string{"*.example.com"}}
}

func TestEnsureIdentity(t *testing.T) {
	f := &fakeCloudFront{identities: []cftypes.CloudFrontOriginAccessIdentitySummary{
		{Id: aws.String("EOTHER1"), Comment: aws.String(ownerComment("blog.example.com"))},
		{Id: aws.String("EMINE01"), Comment: aws.String(ownerComment(testOwner))},
	}}
	c := NewCDN(f, nil, nil)

	id, err := c.EnsureIdentity(t.Context(), testOwner)
	if err != nil {
		t.Fatalf("EnsureIdentity: %v", err)
	}
	if id.ID != "EMINE01" {
		t.Fatalf("id = %q", id.ID)
	}

	id, err = c.EnsureIdentity(t.Context(), "new.example.com")
	if err != nil {
		t.Fatalf("EnsureIdentity: %v", err)
	}
	if len(f.identities) != 3 || id.ID != aws.ToString(f.identities[2].Id) {
		t.Fatalf("identity not created: %+v", id)
	}
}

func TestEnsureDistribution_CreateThenConverged(t *testing.T) {
	f := &fakeCloudFront{}
	c := NewCDN(f, issuedACM(), nil)
	spec := testSpec("EMINE01")

	d, err := c.EnsureDistribution(t.Context(), spec)
	if err != nil {
		t.Fatalf("EnsureDistribution: %v", err)
	}
	if f.creates != 1 || d.DomainName == "" {
		t.Fatalf("creates = %d, handle = %+v", f.creates, d)
	}
	cfg := f.distributions[0].config
	if got := aws.ToString(cfg.DefaultCacheBehavior.CachePolicyId); got != cachingOptimizedPolicyID {
		t.Fatalf("cache policy = %q", got)
	}
	if got := aws.ToString(cfg.Origins.Items[0].S3OriginConfig.OriginAccessIdentity); got != "origin-access-identity/cloudfront/EMINE01" {
		t.Fatalf("oai = %q", got)
	}

	if _, err := c.EnsureDistribution(t.Context(), spec); err != nil {
		t.Fatalf("second EnsureDistribution: %v", err)
	}
	if f.creates != 1 || len(f.updates) != 0 {
		t.Fatalf("converged spec changed state: creates=%d updates=%d", f.creates, len(f.updates))
	}
}

func TestEnsureDistribution_UpdatesDrift(t *testing.T) {
	f := &fakeCloudFront{}
	c := NewCDN(f, issuedACM(), nil)
	if _, err := c.EnsureDistribution(t.Context(), testSpec("EMINE01")); err != nil {
		t.Fatalf("EnsureDistribution: %v", err)
	}

	drifted := testSpec("EMINE01")
	drifted.DefaultRootObject = "home.html"
	if _, err := c.EnsureDistribution(t.Context(), drifted); err != nil {
		t.Fatalf("EnsureDistribution: %v", err)
	}
	if len(f.updates) != 1 {
		t.Fatalf("updates = %d", len(f.updates))
	}
	if aws.ToString(f.updates[0].IfMatch) != "E1" {
		t.Fatalf("IfMatch = %q", aws.ToString(f.updates[0].IfMatch))
	}
	if got := aws.ToString(f.distributions[0].config.DefaultRootObject); got != "home.html" {
		t.Fatalf("root = %q", got)
	}
}

func TestEnsureDistribution_UpdatesBehaviorDrift(t *testing.T) {
	const cachingDisabled = "4135ea2d-6df8-44a3-9df3-4b5a84be39ad"
	tests := []struct {
		name  string
		drift func(cfg *cftypes.DistributionConfig)
	}{
		{"cache policy", func(cfg *cftypes.DistributionConfig) {
			cfg.DefaultCacheBehavior.CachePolicyId = aws.String(cachingDisabled)
		}},
		{"viewer protocol", func(cfg *cftypes.DistributionConfig) {
			cfg.DefaultCacheBehavior.ViewerProtocolPolicy = cftypes.ViewerProtocolPolicyAllowAll
		}},
		{"allowed methods", func(cfg *cftypes.DistributionConfig) {
			all := []cftypes.Method{cftypes.MethodGet, cftypes.MethodHead, cftypes.MethodPost}
			cfg.DefaultCacheBehavior.AllowedMethods.Items = all
			cfg.DefaultCacheBehavior.AllowedMethods.Quantity = aws.Int32(3)
		}},
		{"disabled", func(cfg *cftypes.DistributionConfig) {
			cfg.Enabled = aws.Bool(false)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeCloudFront{}
			c := NewCDN(f, issuedACM(), nil)
			if _, err := c.EnsureDistribution(t.Context(), testSpec("EMINE01")); err != nil {
				t.Fatalf("EnsureDistribution: %v", err)
			}
			tt.drift(f.distributions[0].config)

			if _, err := c.EnsureDistribution(t.Context(), testSpec("EMINE01")); err != nil {
				t.Fatalf("EnsureDistribution after drift: %v", err)
			}
			if len(f.updates) != 1 {
				t.Fatalf("updates after drift = %d, want 1", len(f.updates))
			}
			cfg := f.distributions[0].config
			b := cfg.DefaultCacheBehavior
			if aws.ToString(b.CachePolicyId) != cachingOptimizedPolicyID {
				t.Fatalf("cache policy = %s", aws.ToString(b.CachePolicyId))
			}
			if b.ViewerProtocolPolicy != cftypes.ViewerProtocolPolicyRedirectToHttps {
				t.Fatalf("viewer protocol = %s", b.ViewerProtocolPolicy)
			}
			if aws.ToInt32(b.AllowedMethods.Quantity) != 2 || !aws.ToBool(cfg.Enabled) {
				t.Fatalf("methods = %v enabled = %v", b.AllowedMethods.Items, aws.ToBool(cfg.Enabled))
			}

			// converged again
			if _, err := c.EnsureDistribution(t.Context(), testSpec("EMINE01")); err != nil {
				t.Fatalf("EnsureDistribution: %v", err)
			}
			if len(f.updates) != 1 {
				t.Fatalf("updates after convergence = %d, want 1", len(f.updates))
			}
		})
	}
}

func TestEnsureDistribution_Conflicts(t *testing.T) {
	t.Run("alias owned by another deployment", func(t *testing.T) {
		f := &fakeCloudFront{distributions: []fakeDistribution{{
			id: "EFOREIGN", domain: "d2.cloudfront.net", etag: "E1",
			config: &cftypes.DistributionConfig{
				Comment: aws.String("hand made"),
				Aliases: &cftypes.Aliases{Quantity: aws.Int32(1), Items: []string{"WWW.example.com"}},
			},
		}}}
		_, err := NewCDN(f, issuedACM(), nil).EnsureDistribution(t.Context(), testSpec("E1"))
		var dc *resource.DomainConflictError
		if !errors.As(err, &dc) || dc.DistributionID != "EFOREIGN" {
			t.Fatalf("expected DomainConflictError on EFOREIGN, got %v", err)
		}
	})
	t.Run("alias held in another account", func(t *testing.T) {
		f := &fakeCloudFront{createErr: &cftypes.CNAMEAlreadyExists{}}
		_, err := NewCDN(f, issuedACM(), nil).EnsureDistribution(t.Context(), testSpec("E1"))
		var dc *resource.DomainConflictError
		if !errors.As(err, &dc) {
			t.Fatalf("expected DomainConflictError, got %v", err)
		}
	})
}

func TestEnsureDistribution_CertificatePreflight(t *testing.T) {
	tests := []struct {
		name string
		acm  *fakeACM
	}{
		{"pending", &fakeACM{status: acmtypes.CertificateStatusPendingValidation, domain: testOwner}},
		{"wrong name", &fakeACM{status: acmtypes.CertificateStatusIssued, domain: "example.org"}},
		{"missing", &fakeACM{err: &smithy.GenericAPIError{Code: "ResourceNotFoundException"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeCloudFront{}
			_, err := NewCDN(f, tt.acm, nil).EnsureDistribution(t.Context(), testSpec("E1"))
			var ce *resource.ConfigError
			if !errors.As(err, &ce) || ce.Field != "certificate_arn" {
				t.Fatalf("expected certificate_arn ConfigError, got %v", err)
			}
			if f.creates != 0 {
				t.Fatal("created despite bad certificate")
			}
		})
	}
}

func TestCertCovers(t *testing.T) {
	names := []string{"example.com", "*.example.com"}
	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"www.example.com", true},
		{"WWW.Example.com.", true},
		{"a.b.example.com", false},
		{"example.org", false},
	}
	for _, tt := range tests {
		if got := certCovers(names, tt.host); got != tt.want {
			t.Errorf("certCovers(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestSpecRoundTrip(t *testing.T) {
	spec := testSpec("EMINE01")
	cfg := &cftypes.DistributionConfig{}
	applySpec(cfg, spec)
	got := specFromConfig(cfg)
	got.Owner = spec.Owner
	if diff := cmp.Diff(spec, got, specCompare); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	st := stateOf(cfg)
	if !st.Enabled || st.CachePolicyID != cachingOptimizedPolicyID || st.TargetOriginID != spec.Origin.ID {
		t.Fatalf("state = %+v", st)
	}
}

func TestInvalidate(t *testing.T) {
	f := &fakeCloudFront{}
	c := NewCDN(f, nil, nil)
	d := cloud.Distribution{ID: "EDFD1"}

	id, err := c.Invalidate(t.Context(), d, []string{"/a", "/b"})
	if err != nil || id == "" {
		t.Fatalf("Invalidate: %q, %v", id, err)
	}
	if diff := cmp.Diff([][]string{{"/a", "/b"}}, f.invalidations); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	f.invalidateErr = &cftypes.TooManyInvalidationsInProgress{}
	_, err = c.Invalidate(t.Context(), d, []string{"/c"})
	var qe *resource.InvalidationQuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected *InvalidationQuotaError, got %v", err)
	}
	if resource.ClassOf(err) != resource.ClassSync {
		t.Fatalf("class = %q", resource.ClassOf(err))
	}
}

// DNS

func TestResolveZone(t *testing.T) {
	f := &fakeRoute53{zoneID: "Z1", zoneName: "example.com"}
	d := NewDNS(f, nil)

	z, err := d.ResolveZone(t.Context(), "Z1", "example.com")
	if err != nil {
		t.Fatalf("ResolveZone: %v", err)
	}
	if z != (cloud.Zone{ID: "Z1", Name: "example.com"}) {
		t.Fatalf("zone = %+v", z)
	}

	for _, tc := range []struct{ id, name string }{{"Z2", "example.com"}, {"Z1", "example.org"}} {
		_, err := d.ResolveZone(t.Context(), tc.id, tc.name)
		var zn *resource.ZoneNotFoundError
		if !errors.As(err, &zn) {
			t.Fatalf("ResolveZone(%s, %s): expected *ZoneNotFoundError, got %v", tc.id, tc.name, err)
		}
	}
}

func TestUpsertAlias(t *testing.T) {
	zone := cloud.Zone{ID: "Z1", Name: "example.com"}
	target := cloud.AliasTarget{DNSName: "d111111abcdef8.cloudfront.net", HostedZoneID: cloud.CloudFrontHostedZoneID}

	t.Run("create then noop", func(t *testing.T) {
		f := &fakeRoute53{zoneID: "Z1", zoneName: "example.com"}
		d := NewDNS(f, nil)
		if err := d.UpsertAlias(t.Context(), zone, "www.example.com", target); err != nil {
			t.Fatalf("UpsertAlias: %v", err)
		}
		if err := d.UpsertAlias(t.Context(), zone, "www.example.com", target); err != nil {
			t.Fatalf("second UpsertAlias: %v", err)
		}
		if len(f.changes) != 1 {
			t.Fatalf("changes = %d", len(f.changes))
		}
		rr := f.changes[0].ChangeBatch.Changes[0].ResourceRecordSet
		if aws.ToString(rr.Name) != "www.example.com." || rr.Type != r53types.RRTypeA {
			t.Fatalf("record = %s %s", aws.ToString(rr.Name), rr.Type)
		}
		if aws.ToString(rr.AliasTarget.HostedZoneId) != cloud.CloudFrontHostedZoneID {
			t.Fatalf("alias zone = %q", aws.ToString(rr.AliasTarget.HostedZoneId))
		}
	})

	t.Run("conflicts", func(t *testing.T) {
		for _, typ := range []r53types.RRType{r53types.RRTypeCname, r53types.RRTypeA} {
			f := &fakeRoute53{zoneID: "Z1", zoneName: "example.com", records: []r53types.ResourceRecordSet{{
				Name:            aws.String("www.example.com."),
				Type:            typ,
				ResourceRecords: []r53types.ResourceRecord{{Value: aws.String("192.0.2.1")}},
			}}}
			err := NewDNS(f, nil).UpsertAlias(t.Context(), zone, "www.example.com", target)
			var rc *resource.RecordConflictError
			if !errors.As(err, &rc) || rc.Type != string(typ) {
				t.Fatalf("%s: expected RecordConflictError, got %v", typ, err)
			}
			if len(f.changes) != 0 {
				t.Fatalf("%s: record changed", typ)
			}
		}
	})

	t.Run("outside zone", func(t *testing.T) {
		f := &fakeRoute53{zoneID: "Z1", zoneName: "example.com"}
		err := NewDNS(f, nil).UpsertAlias(t.Context(), zone, "www.example.org", target)
		var zm *resource.ZoneMismatchError
		if !errors.As(err, &zm) {
			t.Fatalf("expected *ZoneMismatchError, got %v", err)
		}
	})
}

// Recorder

func TestRecorder(t *testing.T) {
	f := &fakeSSM{}
	r := NewRecorder(f, "sitedeploy/")

	if got := r.Param(testOwner); got != "/sitedeploy/www.example.com/manifest-digest" {
		t.Fatalf("param = %q", got)
	}
	got, err := r.Recorded(t.Context(), testOwner)
	if err != nil || got != "" {
		t.Fatalf("fresh Recorded = %q, %v", got, err)
	}

	d := digest.FromString("manifest")
	if err := r.Record(t.Context(), testOwner, d); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err = r.Recorded(t.Context(), testOwner)
	if err != nil || got != d {
		t.Fatalf("Recorded = %q, %v", got, err)
	}

	f.params[r.Param(testOwner)] = "not-a-digest"
	if _, err := r.Recorded(t.Context(), testOwner); err == nil {
		t.Fatal("expected error for malformed digest")
	}
}

func TestCaller(t *testing.T) {
	account, arn, err := NewCaller(&fakeSTS{}).Identity(t.Context())
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if account != "111122223333" || !strings.HasSuffix(arn, "role/deployer") {
		t.Fatalf("Identity = %q, %q", account, arn)
	}

	_, _, err = NewCaller(&fakeSTS{err: &smithy.GenericAPIError{Code: "ExpiredToken"}}).Identity(t.Context())
	if err == nil || !hasCode(err, "ExpiredToken") {
		t.Fatalf("err = %v, want wrapped ExpiredToken", err)
	}
}
