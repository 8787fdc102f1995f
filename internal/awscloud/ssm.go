package awscloud

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/opencontainers/go-digest"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cloud"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// DefaultRecordPrefix is the SSM path manifest digests are stored under.
const DefaultRecordPrefix = "/sitedeploy"

// SSMAPI is the subset of the SSM client Recorder uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// Recorder keeps the digest of each deployment's last synced manifest in
// an SSM parameter.
type Recorder struct {
	client SSMAPI
	prefix string
}

var _ cloud.Recorder = (*Recorder)(nil)

// NewRecorder creates a Recorder storing parameters under prefix.
func NewRecorder(client SSMAPI, prefix string) *Recorder {
	if prefix == "" {
		prefix = DefaultRecordPrefix
	}
	return &Recorder{client: client, prefix: "/" + strings.Trim(prefix, "/")}
}

// Param returns the parameter name for a deployment.
func (r *Recorder) Param(deployment string) string {
	return path.Join(r.prefix, deployment, "manifest-digest")
}

// Recorded returns the stored digest, or "" when nothing was recorded yet.
func (r *Recorder) Recorded(ctx context.Context, deployment string) (digest.Digest, error) {
	name := r.Param(deployment)
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(name)})
	if err != nil {
		var nf *ssmtypes.ParameterNotFound
		if errors.As(err, &nf) || hasCode(err, "ParameterNotFound") {
			return "", nil
		}
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	d, err := digest.Parse(strings.TrimSpace(*out.Parameter.Value))
	if err != nil {
		return "", xerrors.Wrapf(err, "SSM parameter %s", name)
	}
	return d, nil
}

// Record overwrites the stored digest.
func (r *Recorder) Record(ctx context.Context, deployment string, d digest.Digest) error {
	name := r.Param(deployment)
	if _, err := r.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(d.String()),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	}); err != nil {
		return xerrors.Wrapf(err, "put SSM parameter %s", name)
	}
	return nil
}
