package cfg

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/resource"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// deployment; flags win over the -config file
	ConfigFile     string
	BucketName     string
	DomainName     string
	HostedZoneID   string
	ZoneName       string
	ContentPath    string
	CertificateARN string

	Region            string
	MaxAttempts       int
	Concurrency       int
	UploadRate        float64
	CollapseThreshold int
	MinFiles          int
	MaxFileSizeMB     int
	ResumeAttempts    int
	EnableRecord      bool
	RecordPrefix      string
	MetricsTextfile   string
	DryRun            bool
	Preflight         bool
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 1.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.ConfigFile, "config", "", "YAML deployment file (bucket_name, domain_name, hosted_zone_id, zone_name, content_path, certificate_arn)")
	fs.StringVar(&c.BucketName, "bucket", "", "S3 bucket holding the site content")
	fs.StringVar(&c.DomainName, "domain", "", "public hostname of the site")
	fs.StringVar(&c.HostedZoneID, "zone-id", "", "Route53 hosted zone id")
	fs.StringVar(&c.ZoneName, "zone-name", "", "Route53 hosted zone name")
	fs.StringVar(&c.ContentPath, "content", "", "local directory to publish")
	fs.StringVar(&c.CertificateARN, "certificate-arn", "", "ACM certificate ARN in us-east-1")

	fs.StringVar(&c.Region, "region", "", "AWS region for the bucket (default from the AWS config chain)")
	fs.IntVar(&c.MaxAttempts, "aws-max-attempts", 0, "max attempts per AWS call, 0 keeps the SDK default")
	fs.IntVar(&c.Concurrency, "concurrency", 8, "uploads in flight (1..256)")
	fs.Float64Var(&c.UploadRate, "upload-rate", 0, "max storage writes per second, 0 for unlimited")
	fs.IntVar(&c.CollapseThreshold, "invalidate-collapse", 0, "send a single /* invalidation above this many paths, 0 never collapses")
	fs.IntVar(&c.MinFiles, "min-files", 1, "refuse to publish content trees with fewer files")
	fs.IntVar(&c.MaxFileSizeMB, "max-file-size-mb", 100, "largest file accepted in the content tree")
	fs.IntVar(&c.ResumeAttempts, "resume-attempts", 0, "resume a halted run this many times before giving up")
	fs.BoolVar(&c.EnableRecord, "enable-record", false, "record the deployed manifest digest in SSM")
	fs.StringVar(&c.RecordPrefix, "record-prefix", "/sitedeploy", "SSM parameter path for recorded digests")
	fs.StringVar(&c.MetricsTextfile, "metrics-textfile", "", "write run metrics to this file for the node_exporter textfile collector")
	fs.BoolVar(&c.DryRun, "dry-run", false, "run against an in-memory cloud and report what would change")
	fs.BoolVar(&c.Preflight, "preflight", false, "run the preflight checks (config, content, credentials) and exit")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// LoadDeployment reads a YAML deployment file. Unknown keys are rejected so
// a typo does not silently drop a field.
func LoadDeployment(path string) (resource.DeploymentConfig, error) {
	var dc resource.DeploymentConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return dc, fmt.Errorf("read deployment file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&dc); err != nil {
		return dc, fmt.Errorf("parse deployment file %s: %w", path, err)
	}
	return dc, nil
}

// Deployment merges file with the deployment flags. A non-empty flag or env
// value replaces the file's value.
func (c App) Deployment(file resource.DeploymentConfig) resource.DeploymentConfig {
	pick := func(flagVal, fileVal string) string {
		if flagVal != "" {
			return flagVal
		}
		return fileVal
	}
	return resource.DeploymentConfig{
		BucketName:     pick(c.BucketName, file.BucketName),
		DomainName:     pick(c.DomainName, file.DomainName),
		HostedZoneID:   pick(c.HostedZoneID, file.HostedZoneID),
		ZoneName:       pick(c.ZoneName, file.ZoneName),
		ContentPath:    pick(c.ContentPath, file.ContentPath),
		CertificateARN: pick(c.CertificateARN, file.CertificateARN),
	}
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
// Deployment fields are checked by resource.DeploymentConfig.Validate.
func Validate(c App) error {
	var errs []error

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Sync tuning
	if c.Concurrency < 1 || c.Concurrency > 256 {
		errs = append(errs, fmt.Errorf("invalid CONCURRENCY %d (must be 1..256)", c.Concurrency))
	}
	if c.UploadRate < 0 {
		errs = append(errs, fmt.Errorf("invalid UPLOAD_RATE %.2f (must be >= 0)", c.UploadRate))
	}
	if c.CollapseThreshold < 0 {
		errs = append(errs, fmt.Errorf("invalid INVALIDATE_COLLAPSE %d (must be >= 0)", c.CollapseThreshold))
	}
	if c.MinFiles < 0 {
		errs = append(errs, fmt.Errorf("invalid MIN_FILES %d (must be >= 0)", c.MinFiles))
	}
	if c.MaxFileSizeMB < 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_FILE_SIZE_MB %d (must be >= 1)", c.MaxFileSizeMB))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("invalid AWS_MAX_ATTEMPTS %d (must be >= 0)", c.MaxAttempts))
	}
	if c.ResumeAttempts < 0 || c.ResumeAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid RESUME_ATTEMPTS %d (must be 0..10)", c.ResumeAttempts))
	}

	// Recorder
	if c.EnableRecord && !strings.HasPrefix(c.RecordPrefix, "/") {
		errs = append(errs, fmt.Errorf("RECORD_PREFIX must start with / when ENABLE_RECORD=true (got %q)", c.RecordPrefix))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
