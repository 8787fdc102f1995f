package awscloud

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// STSAPI is the subset of the STS client Caller uses.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Caller reports who the loaded credentials belong to.
type Caller struct {
	client STSAPI
}

func NewCaller(client STSAPI) *Caller { return &Caller{client: client} }

// Identity returns the account id and principal ARN of the credentials.
// It needs no IAM permissions, so a failure means the credentials are
// missing, expired or unreachable.
func (c *Caller) Identity(ctx context.Context) (account, arn string, err error) {
	out, err := c.client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", "", xerrors.Wrap(err, "get caller identity")
	}
	return aws.ToString(out.Account), aws.ToString(out.Arn), nil
}
