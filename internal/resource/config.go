package resource

import (
	"errors"
	"net"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/miekg/dns"
)

// CertificateRegion is the only region a CloudFront viewer certificate may be issued in.
const CertificateRegion = "us-east-1"

// DeploymentConfig is the full input of one deployment. Every field is required.
type DeploymentConfig struct {
	BucketName     string `yaml:"bucket_name"`
	DomainName     string `yaml:"domain_name"`
	HostedZoneID   string `yaml:"hosted_zone_id"`
	ZoneName       string `yaml:"zone_name"`
	ContentPath    string `yaml:"content_path"`
	CertificateARN string `yaml:"certificate_arn"`
}

// Normalize trims whitespace, lowercases DNS names and drops trailing dots.
func (c DeploymentConfig) Normalize() DeploymentConfig {
	c.BucketName = strings.TrimSpace(c.BucketName)
	c.DomainName = normalizeDNSName(c.DomainName)
	c.ZoneName = normalizeDNSName(c.ZoneName)
	c.HostedZoneID = strings.TrimPrefix(strings.TrimSpace(c.HostedZoneID), "/hostedzone/")
	c.ContentPath = strings.TrimSpace(c.ContentPath)
	c.CertificateARN = strings.TrimSpace(c.CertificateARN)
	return c
}

// DeploymentID identifies the logical deployment that owns the resources.
// A deployment serves exactly one domain, so the domain is the id.
func (c DeploymentConfig) DeploymentID() string { return normalizeDNSName(c.DomainName) }

// WebsiteURL is the public URL of the deployed site.
func (c DeploymentConfig) WebsiteURL() string { return "https://" + normalizeDNSName(c.DomainName) }

func normalizeDNSName(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
}

// Validate checks every field without touching the network or the filesystem.
// Missing fields are all reported together; past that the first rule violated
// is returned as its typed error so callers can match it with errors.As.
func (c DeploymentConfig) Validate() error {
	var missing []error
	for _, f := range []struct{ name, val string }{
		{"bucket_name", c.BucketName},
		{"domain_name", c.DomainName},
		{"hosted_zone_id", c.HostedZoneID},
		{"zone_name", c.ZoneName},
		{"content_path", c.ContentPath},
		{"certificate_arn", c.CertificateARN},
	} {
		if strings.TrimSpace(f.val) == "" {
			missing = append(missing, &ConfigError{Field: f.name, Reason: "required"})
		}
	}
	if len(missing) > 0 {
		return errors.Join(missing...)
	}

	if err := ValidateBucketName(c.BucketName); err != nil {
		return err
	}
	domain := normalizeDNSName(c.DomainName)
	if err := ValidateDNSName("domain", domain); err != nil {
		return err
	}
	zone := normalizeDNSName(c.ZoneName)
	if err := ValidateDNSName("zone", zone); err != nil {
		return err
	}
	if !WithinZone(zone, domain) {
		return &ZoneMismatchError{Domain: domain, Zone: zone}
	}
	return ValidateCertificateARN(c.CertificateARN)
}

var bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// ValidateBucketName applies the S3 general purpose bucket naming rules.
func ValidateBucketName(name string) error {
	bad := func(reason string) error {
		return &InvalidNameError{What: "bucket", Name: name, Reason: reason}
	}
	switch {
	case len(name) < 3 || len(name) > 63:
		return bad("must be 3..63 characters")
	case !bucketNameRe.MatchString(name):
		return bad("only lowercase letters, digits, dots and hyphens, starting and ending with a letter or digit")
	case strings.Contains(name, ".."):
		return bad("must not contain adjacent dots")
	case net.ParseIP(name) != nil:
		return bad("must not be formatted as an IP address")
	case strings.HasPrefix(name, "xn--"), strings.HasPrefix(name, "sthree-"):
		return bad("reserved prefix")
	case strings.HasSuffix(name, "-s3alias"), strings.HasSuffix(name, "--ol-s3"), strings.HasSuffix(name, ".mrap"):
		return bad("reserved suffix")
	}
	return nil
}

// ValidateDNSName checks that name is a fully qualifiable hostname made of
// letter-digit-hyphen labels with at least two labels.
func ValidateDNSName(what, name string) error {
	bad := func(reason string) error {
		return &InvalidNameError{What: what, Name: name, Reason: reason}
	}
	n, ok := dns.IsDomainName(name)
	if !ok || name == "" {
		return bad("not a valid DNS name")
	}
	if n < 2 {
		return bad("must have at least two labels")
	}
	if len(name) > 253 {
		return bad("longer than 253 characters")
	}
	for _, label := range dns.SplitDomainName(name) {
		if err := checkLabel(label); err != "" {
			return bad(err)
		}
	}
	return nil
}

func checkLabel(label string) string {
	if label == "" || len(label) > 63 {
		return "labels must be 1..63 characters"
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return "labels must not start or end with a hyphen"
	}
	for i := 0; i < len(label); i++ {
		ch := label[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-':
		default:
			return "labels may only contain letters, digits and hyphens"
		}
	}
	return ""
}

// WithinZone reports whether name equals zone or is a subdomain of it.
func WithinZone(zone, name string) bool {
	return dns.IsSubDomain(dns.Fqdn(normalizeDNSName(zone)), dns.Fqdn(normalizeDNSName(name)))
}

// ValidateCertificateARN checks the ARN names an ACM certificate issued in CertificateRegion.
func ValidateCertificateARN(s string) error {
	a, err := arn.Parse(s)
	if err != nil {
		return &ConfigError{Field: "certificate_arn", Reason: err.Error()}
	}
	if a.Service != "acm" || !strings.HasPrefix(a.Resource, "certificate/") {
		return &ConfigError{Field: "certificate_arn", Reason: "not an ACM certificate ARN"}
	}
	if a.Region != CertificateRegion {
		return &CertificateRegionError{ARN: s, Region: a.Region, Want: CertificateRegion}
	}
	return nil
}
