package awscloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cloud"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/resource"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// DigestMetadata is the user metadata key holding an object's content digest.
const DigestMetadata = "content-digest"

// headConcurrency bounds HeadObject calls while rebuilding a listing.
const headConcurrency = 16

// S3API is the subset of the S3 client Storage uses.
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	GetBucketTagging(ctx context.Context, in *s3.GetBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error)
	PutBucketTagging(ctx context.Context, in *s3.PutBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error)
	PutPublicAccessBlock(ctx context.Context, in *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
	GetBucketPolicy(ctx context.Context, in *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)
	PutBucketPolicy(ctx context.Context, in *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Storage implements cloud.Storage on S3.
type Storage struct {
	client S3API
	region string
	logger log.Logger
}

var _ cloud.Storage = (*Storage)(nil)

// NewStorage creates a Storage for buckets in region.
func NewStorage(client S3API, region string, logger log.Logger) *Storage {
	if logger == nil {
		logger = log.Nop()
	}
	return &Storage{client: client, region: region, logger: logger}
}

func (s *Storage) handle(name, owner string) cloud.Bucket {
	return cloud.Bucket{
		Name:           name,
		RegionalDomain: name + ".s3." + s.region + ".amazonaws.com",
		Owner:          owner,
	}
}

// EnsureBucket returns the bucket when it exists and is tagged with owner,
// creating, locking down and tagging it otherwise.
func (s *Storage) EnsureBucket(ctx context.Context, name, owner string) (cloud.Bucket, error) {
	if err := resource.ValidateBucketName(name); err != nil {
		return cloud.Bucket{}, err
	}

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	switch {
	case err == nil:
		return s.verifyOwner(ctx, name, owner)
	case hasCode(err, "Forbidden", "AccessDenied", "403"):
		// exists in an account we cannot read
		return cloud.Bucket{}, &resource.NameConflictError{Bucket: name}
	case !isNotFound(err):
		return cloud.Bucket{}, xerrors.Wrapf(err, "head bucket %s", name)
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(name)}
	if s.region != "" && s.region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, in); err != nil {
		var exists *s3types.BucketAlreadyExists
		var owned *s3types.BucketAlreadyOwnedByYou
		switch {
		case errors.As(err, &exists):
			return cloud.Bucket{}, &resource.NameConflictError{Bucket: name}
		case errors.As(err, &owned):
			return s.verifyOwner(ctx, name, owner)
		default:
			return cloud.Bucket{}, xerrors.Wrapf(err, "create bucket %s", name)
		}
	}
	s.logger.Info(ctx, "created bucket", "bucket", name, "region", s.region)

	if _, err := s.client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(name),
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	}); err != nil {
		return cloud.Bucket{}, xerrors.Wrapf(err, "block public access on %s", name)
	}
	if _, err := s.client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
		Bucket: aws.String(name),
		Tagging: &s3types.Tagging{TagSet: []s3types.Tag{
			{Key: aws.String(OwnerTag), Value: aws.String(owner)},
		}},
	}); err != nil {
		return cloud.Bucket{}, xerrors.Wrapf(err, "tag bucket %s", name)
	}
	return s.handle(name, owner), nil
}

// verifyOwner accepts an existing bucket only when its owner tag matches.
func (s *Storage) verifyOwner(ctx context.Context, name, owner string) (cloud.Bucket, error) {
	out, err := s.client.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(name)})
	if err != nil && !hasCode(err, "NoSuchTagSet") {
		return cloud.Bucket{}, xerrors.Wrapf(err, "get tags of bucket %s", name)
	}
	var have string
	if out != nil {
		for _, t := range out.TagSet {
			if aws.ToString(t.Key) == OwnerTag {
				have = aws.ToString(t.Value)
			}
		}
	}
	if have != owner {
		return cloud.Bucket{}, &resource.NameConflictError{Bucket: name, Owner: have}
	}
	return s.handle(name, owner), nil
}

func isNotFound(err error) bool {
	var nf *s3types.NotFound
	var nb *s3types.NoSuchBucket
	return errors.As(err, &nf) || errors.As(err, &nb) || hasCode(err, "NotFound", "NoSuchBucket", "404")
}

// policyDocument keeps statements raw so ones this tool did not write
// survive a rewrite unchanged.
type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []json.RawMessage `json:"Statement"`
}

type policyStatement struct {
	Sid       string        `json:"Sid,omitempty"`
	Effect    string        `json:"Effect"`
	Principal any           `json:"Principal"`
	Action    stringOrSlice `json:"Action"`
	Resource  stringOrSlice `json:"Resource"`
}

// stringOrSlice decodes IAM fields that may be a string or a list.
type stringOrSlice []string

func (s *stringOrSlice) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

var grantActions = map[string]cloud.Capability{
	"s3:GetObject":  cloud.CapabilityRead,
	"s3:ListBucket": cloud.CapabilityList,
}

func grantSid(id cloud.Identity) string { return "sitedeploy" + id.ID }

func grantStatement(b cloud.Bucket, id cloud.Identity) policyStatement {
	return policyStatement{
		Sid:       grantSid(id),
		Effect:    "Allow",
		Principal: map[string]any{"AWS": id.Principal},
		Action:    stringOrSlice{"s3:GetObject", "s3:ListBucket"},
		Resource:  stringOrSlice{"arn:aws:s3:::" + b.Name + "/*", "arn:aws:s3:::" + b.Name},
	}
}

// GrantRead puts a policy statement letting the identity read and list the
// bucket. Other statements in the policy are kept. An existing statement that
// already grants both actions is left alone.
func (s *Storage) GrantRead(ctx context.Context, b cloud.Bucket, id cloud.Identity) (cloud.Grant, error) {
	doc := policyDocument{Version: "2012-10-17"}
	out, err := s.client.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(b.Name)})
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(aws.ToString(out.Policy)), &doc); err != nil {
			return cloud.Grant{}, xerrors.Wrapf(err, "parse policy of bucket %s", b.Name)
		}
	case hasCode(err, "NoSuchBucketPolicy"):
	default:
		return cloud.Grant{}, xerrors.Wrapf(err, "get policy of bucket %s", b.Name)
	}

	sid := grantSid(id)
	kept := make([]json.RawMessage, 0, len(doc.Statement)+1)
	for _, raw := range doc.Statement {
		var st policyStatement
		if err := json.Unmarshal(raw, &st); err != nil || st.Sid != sid {
			kept = append(kept, raw)
			continue
		}
		if caps := capabilities(st); len(caps) == len(grantActions) && st.Effect == "Allow" {
			return cloud.Grant{Bucket: b, Identity: id, Capabilities: caps}, nil
		}
	}

	ours, err := json.Marshal(grantStatement(b, id))
	if err != nil {
		return cloud.Grant{}, xerrors.Wrap(err, "encode policy statement")
	}
	doc.Statement = append(kept, ours)
	body, err := json.Marshal(doc)
	if err != nil {
		return cloud.Grant{}, xerrors.Wrap(err, "encode bucket policy")
	}
	if _, err := s.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(b.Name),
		Policy: aws.String(string(body)),
	}); err != nil {
		return cloud.Grant{}, xerrors.Wrapf(err, "put policy on bucket %s", b.Name)
	}
	s.logger.Info(ctx, "granted origin read", "bucket", b.Name, "identity", id.ID)
	return cloud.Grant{
		Bucket:       b,
		Identity:     id,
		Capabilities: []cloud.Capability{cloud.CapabilityRead, cloud.CapabilityList},
	}, nil
}

func capabilities(st policyStatement) []cloud.Capability {
	seen := map[cloud.Capability]bool{}
	for _, a := range st.Action {
		if c, ok := grantActions[a]; ok {
			seen[c] = true
		}
	}
	var out []cloud.Capability
	for _, c := range []cloud.Capability{cloud.CapabilityRead, cloud.CapabilityList} {
		if seen[c] {
			out = append(out, c)
		}
	}
	return out
}

// Put stores one object with its digest in user metadata.
func (s *Storage) Put(ctx context.Context, b cloud.Bucket, u cloud.Upload) error {
	dg := u.Digest
	if dg == "" {
		dg = digest.FromBytes(u.Body)
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(b.Name),
		Key:           aws.String(u.Path),
		Body:          bytes.NewReader(u.Body),
		ContentLength: aws.Int64(int64(len(u.Body))),
		Metadata:      map[string]string{DigestMetadata: dg.String()},
	}
	if u.ContentType != "" {
		in.ContentType = aws.String(u.ContentType)
	}
	if u.CacheControl != "" {
		in.CacheControl = aws.String(u.CacheControl)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return xerrors.Wrapf(err, "put s3://%s/%s", b.Name, u.Path)
	}
	return nil
}

// Delete removes one object. Deleting a missing key succeeds.
func (s *Storage) Delete(ctx context.Context, b cloud.Bucket, p string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Name),
		Key:    aws.String(p),
	}); err != nil {
		return xerrors.Wrapf(err, "delete s3://%s/%s", b.Name, p)
	}
	return nil
}

// List returns every object with the digest recorded at upload. Objects
// uploaded by something else carry no digest and come back with an empty one.
func (s *Storage) List(ctx context.Context, b cloud.Bucket) ([]cloud.Object, error) {
	var objs []cloud.Object
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: aws.String(b.Name)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, xerrors.Wrapf(err, "list bucket %s", b.Name)
		}
		for _, o := range page.Contents {
			objs = append(objs, cloud.Object{Path: aws.ToString(o.Key), Size: aws.ToInt64(o.Size)})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(headConcurrency)
	for i := range objs {
		g.Go(func() error {
			out, err := s.client.HeadObject(gctx, &s3.HeadObjectInput{
				Bucket: aws.String(b.Name),
				Key:    aws.String(objs[i].Path),
			})
			if err != nil {
				if isNotFound(err) || hasCode(err, "NoSuchKey") {
					return nil
				}
				return xerrors.Wrapf(err, "head s3://%s/%s", b.Name, objs[i].Path)
			}
			if dg, err := digest.Parse(out.Metadata[DigestMetadata]); err == nil {
				objs[i].Digest = dg
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Path < objs[j].Path })
	return objs, nil
}
