// Package awscloud implements the cloud capabilities on AWS: S3 for storage,
// CloudFront for the CDN, Route53 for DNS and SSM Parameter Store for the
// deployment record.
//
// Each provider talks to a narrow client interface holding only the SDK
// methods it calls, so tests substitute fakes for the SDK clients.
package awscloud

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/resource"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// OwnerTag is the tag key, and the CloudFront comment prefix, that marks a
// resource as belonging to a deployment.
const OwnerTag = "sitedeploy:owner"

// Options configures the AWS providers.
type Options struct {
	Logger log.Logger

	// Region is where the bucket lives. Empty uses the SDK default chain.
	Region string

	// MaxAttempts bounds SDK retries per call. 0 keeps the SDK default.
	MaxAttempts int

	// RecordPrefix is the SSM parameter path under which manifest digests are stored.
	RecordPrefix string

	// AppID is appended to the SDK user agent, e.g. "sitedeploy/1.2.0".
	AppID string

	// AWSConfig, when set, is used instead of loading the default config.
	AWSConfig *aws.Config
}

// Providers bundles the four capability implementations and the caller
// identity used by preflight checks.
type Providers struct {
	Storage  *Storage
	CDN      *CDN
	DNS      *DNS
	Recorder *Recorder
	Caller   *Caller
}

// New loads the AWS config and builds every provider from it. SDK HTTP
// calls are traced through an otelhttp transport.
func New(ctx context.Context, opts Options) (*Providers, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	var awsCfg aws.Config
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		loadOpts := []func(*config.LoadOptions) error{
			config.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
		}
		if opts.Region != "" {
			loadOpts = append(loadOpts, config.WithRegion(opts.Region))
		}
		if opts.MaxAttempts > 0 {
			loadOpts = append(loadOpts, config.WithRetryMaxAttempts(opts.MaxAttempts))
		}
		if opts.AppID != "" {
			loadOpts = append(loadOpts, config.WithAppID(opts.AppID))
		}
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}
	if awsCfg.Region == "" {
		return nil, xerrors.New("AWS region is not set; pass -region or set AWS_REGION")
	}

	// CloudFront, Route53 and ACM certificates for CloudFront are global
	// services homed in us-east-1.
	global := func(o *cloudfront.Options) { o.Region = resource.CertificateRegion }

	return &Providers{
		Storage: NewStorage(s3.NewFromConfig(awsCfg), awsCfg.Region, opts.Logger),
		CDN: NewCDN(
			cloudfront.NewFromConfig(awsCfg, global),
			acm.NewFromConfig(awsCfg, func(o *acm.Options) { o.Region = resource.CertificateRegion }),
			opts.Logger,
		),
		DNS:      NewDNS(route53.NewFromConfig(awsCfg), opts.Logger),
		Recorder: NewRecorder(ssm.NewFromConfig(awsCfg), opts.RecordPrefix),
		Caller:   NewCaller(sts.NewFromConfig(awsCfg)),
	}, nil
}

// errorCode returns the service error code of err, or "" when err did not
// come from an AWS API.
func errorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func hasCode(err error, codes ...string) bool {
	c := errorCode(err)
	if c == "" {
		return false
	}
	for _, want := range codes {
		if c == want {
			return true
		}
	}
	return false
}

func ownerComment(owner string) string { return OwnerTag + "=" + owner }

// ownerFromComment returns the owner recorded in a CloudFront comment.
func ownerFromComment(comment string) (string, bool) {
	return strings.CutPrefix(comment, OwnerTag+"=")
}

func trimDot(s string) string { return strings.ToLower(strings.TrimSuffix(s, ".")) }
