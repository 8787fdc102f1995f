package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/awscloud"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/content"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/contentsync"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/memcloud"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/preflight"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/prof"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/provision"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/resource"
	v "github.com/keithlinneman/linnemanlabs-sitedeploy/internal/version"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

const (
	appName   = "sitedeploy"
	envPrefix = "SITEDEPLOY_"
)

// exit codes
const (
	exitOK       = 0
	exitFailure  = 1
	exitConfig   = 2
	exitConflict = 3
	exitPartial  = 4
	exitSync     = 5
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.Register(fs, &conf)
	fs.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}

	if showVersion {
		fmt.Fprintf(stdout, "%s %s\n", appName, vi)
		return exitOK
	}

	cfg.FillFromEnv(fs, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		return exitConfig
	}

	var file resource.DeploymentConfig
	if conf.ConfigFile != "" {
		var err error
		if file, err = cfg.LoadDeployment(conf.ConfigFile); err != nil {
			fmt.Fprintln(stderr, "config error:", err)
			return exitConfig
		}
	}
	dc := conf.Deployment(file)

	// Setup logging
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.ShortCommit(),
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		Writer:            stderr,
		ErrorClass:        func(err error) string { return string(resource.ClassOf(err)) },
	})
	if err != nil {
		fmt.Fprintln(stderr, "logger init error:", err)
		return exitFailure
	}
	defer lg.Sync()
	L := lg.With("component", "cli", "deployment", dc.DeploymentID())
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting deploy",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"bucket", dc.BucketName,
		"domain", dc.DomainName,
		"zone_id", dc.HostedZoneID,
		"content", dc.ContentPath,
		"region", conf.Region,
		"concurrency", conf.Concurrency,
		"upload_rate", conf.UploadRate,
		"resume_attempts", conf.ResumeAttempts,
		"enable_record", conf.EnableRecord,
		"dry_run", conf.DryRun,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "cli", &vi)
	if conf.MetricsTextfile != "" {
		defer func() {
			if err := m.WriteTextfile(conf.MetricsTextfile); err != nil {
				L.Error(ctx, err, "write metrics textfile", "path", conf.MetricsTextfile)
			}
		}()
	}

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component":  "cli",
			"version":    vi.Version,
			"deployment": dc.DeploymentID(),
		},
	})
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "cli",
		Version:   vi.Version,
		Attributes: map[string]string{
			"sitedeploy.deployment": dc.DeploymentID(),
			"sitedeploy.dry_run":    fmt.Sprint(conf.DryRun),
		},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() {
		if shutdownOTEL == nil {
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTEL(sctx)
	}()

	be, err := newBackend(ctx, conf, dc, L, vi)
	if err != nil {
		L.Error(ctx, err, "cloud providers")
		return exitFailure
	}

	if err := preflight.Run(ctx, checks(conf, dc, be, L)...); err != nil {
		L.Error(ctx, err, "preflight failed", "checks", preflight.Failed(err))
		return exitCode(err)
	}
	if conf.Preflight {
		L.Info(ctx, "preflight passed")
		return exitOK
	}

	opts := be.opts
	opts.Logger = L
	opts.Metrics = m
	opts.MinFiles = conf.MinFiles
	opts.Sync = contentsync.Options{
		Logger:            L,
		Concurrency:       conf.Concurrency,
		CollapseThreshold: conf.CollapseThreshold,
		Scan:              content.ScanOptions{MaxFileSize: int64(conf.MaxFileSizeMB) << 20},
	}
	if conf.UploadRate > 0 {
		opts.Sync.Pacer = ratelimit.New(
			ratelimit.WithRate(conf.UploadRate, max(1, int(conf.UploadRate))),
			ratelimit.WithOnThrottled(func(time.Duration) { m.IncUploadThrottled() }),
		)
	}

	p, err := provision.New(opts)
	if err != nil {
		L.Error(ctx, err, "provisioner init")
		return exitFailure
	}

	res, attempts := deploy(ctx, p, dc, conf.ResumeAttempts, L)

	out := newSummary(dc, res, attempts, be.dry)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		L.Error(ctx, err, "write summary")
	}

	if res.Err != nil {
		L.Error(ctx, xerrors.EnsureTrace(res.Err), "deploy failed",
			"attempts", attempts,
			"completed", res.CompletedIDs,
		)
		return exitCode(res.Err)
	}
	L.Info(ctx, "deploy complete", "url", res.WebsiteURL, "attempts", attempts)
	return exitOK
}

// backend is the set of cloud capabilities a run talks to.
type backend struct {
	opts provision.Options
	// dry is the in-memory cloud of a dry run, nil otherwise.
	dry *memcloud.Cloud
	// caller is nil on a dry run.
	caller *awscloud.Caller
}

// newBackend builds the cloud capabilities for the run. A dry run applies the
// deployment to an in-memory cloud seeded with the target zone, so the
// summary lists every call a first deploy would make.
func newBackend(ctx context.Context, conf cfg.App, dc resource.DeploymentConfig, L log.Logger, vi v.Info) (backend, error) {
	if conf.DryRun {
		mc := memcloud.New()
		mc.AddZone(dc.HostedZoneID, dc.ZoneName)
		be := backend{opts: provision.Options{Storage: mc, CDN: mc, DNS: mc}, dry: mc}
		if conf.EnableRecord {
			be.opts.Recorder = mc
		}
		return be, nil
	}

	pv, err := awscloud.New(ctx, awscloud.Options{
		Logger:       L,
		Region:       conf.Region,
		MaxAttempts:  conf.MaxAttempts,
		RecordPrefix: conf.RecordPrefix,
		AppID:        vi.AppID(appName),
	})
	if err != nil {
		return backend{}, err
	}
	be := backend{
		opts:   provision.Options{Storage: pv.Storage, CDN: pv.CDN, DNS: pv.DNS},
		caller: pv.Caller,
	}
	if conf.EnableRecord {
		be.opts.Recorder = pv.Recorder
	}
	return be, nil
}

// checks are the preflight checks for a run. The provisioner repeats the
// config and content checks; running them here reports every problem at
// once, together with missing credentials.
func checks(conf cfg.App, dc resource.DeploymentConfig, be backend, L log.Logger) []preflight.Named {
	out := []preflight.Named{
		{Name: "config", Check: preflight.Func(func(context.Context) error {
			return dc.Normalize().Validate()
		})},
		{Name: "content", Check: preflight.Func(func(context.Context) error {
			if dc.ContentPath == "" {
				return nil
			}
			fi, err := os.Stat(dc.ContentPath)
			if err == nil && !fi.IsDir() {
				err = xerrors.Newf("%s is not a directory", dc.ContentPath)
			}
			if err == nil {
				err = content.CheckRoot(os.DirFS(dc.ContentPath), conf.MinFiles)
			}
			if err != nil {
				return &resource.ConfigError{Field: "content_path", Reason: err.Error()}
			}
			return nil
		})},
	}
	if be.caller != nil {
		out = append(out, preflight.Named{Name: "aws-credentials", Check: preflight.Func(func(ctx context.Context) error {
			account, arn, err := be.caller.Identity(ctx)
			if err != nil {
				return err
			}
			L.Info(ctx, "aws credentials", "account", account, "principal", arn)
			return nil
		})})
	}
	return out
}

// newResumeBackOff spaces resume attempts.
var newResumeBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	return b
}

// deploy runs the deployment and resumes it up to resumes times while the
// failure is one a later attempt can get past.
func deploy(ctx context.Context, p *provision.Provisioner, dc resource.DeploymentConfig, resumes int, L log.Logger) (provision.Result, int) {
	res := p.Provision(ctx, dc)
	attempts := 1
	if res.Err == nil || resumes < 1 || !resumable(res.Err) {
		return res, attempts
	}

	L.Warn(ctx, "deploy halted, resuming", "attempt", attempts, "completed", res.CompletedIDs, "err", res.Err.Error())
	_, _ = backoff.Retry(ctx, func() (provision.Result, error) {
		res = p.Resume(ctx, dc, res)
		attempts++
		if res.Err == nil {
			return res, nil
		}
		if !resumable(res.Err) {
			return res, backoff.Permanent(res.Err)
		}
		return res, res.Err
	},
		backoff.WithBackOff(newResumeBackOff()),
		backoff.WithMaxTries(uint(resumes)),
		backoff.WithNotify(func(err error, next time.Duration) {
			L.Warn(ctx, "deploy halted, resuming",
				"attempt", attempts,
				"retry_in", next.String(),
				"completed", res.CompletedIDs,
				"err", err.Error(),
			)
		}),
	)
	return res, attempts
}

// resumable reports whether another attempt could succeed without a change
// to the input. Configuration and ownership problems never clear on their
// own, and purge quotas are time-windowed.
func resumable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if _, ok := xerrors.Find[*resource.InvalidationQuotaError](err); ok {
		return false
	}
	if se, ok := xerrors.Find[*resource.StepError](err); ok {
		switch resource.ClassOf(se.Err) {
		case "", resource.ClassPartial:
			return true
		default:
			return false
		}
	}
	return resource.ClassOf(err) == resource.ClassSync
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	class := resource.ClassOf(err)
	if se, ok := xerrors.Find[*resource.StepError](err); ok {
		class = resource.ClassOf(se.Err)
		if class == "" {
			class = resource.ClassPartial
		}
	}
	switch class {
	case resource.ClassConfiguration:
		return exitConfig
	case resource.ClassConflict:
		return exitConflict
	case resource.ClassPartial:
		return exitPartial
	case resource.ClassSync:
		return exitSync
	default:
		return exitFailure
	}
}

type summary struct {
	Deployment     string   `json:"deployment"`
	WebsiteURL     string   `json:"website_url,omitempty"`
	Completed      []string `json:"completed"`
	Attempts       int      `json:"attempts"`
	ManifestDigest string   `json:"manifest_digest,omitempty"`
	Uploaded       int      `json:"uploaded"`
	Deleted        int      `json:"deleted"`
	Unchanged      int      `json:"unchanged"`
	Invalidation   []string `json:"invalidation,omitempty"`
	Error          string   `json:"error,omitempty"`
	ErrorClass     string   `json:"error_class,omitempty"`
	DryRun         bool     `json:"dry_run,omitempty"`
	// Calls lists the mutating calls a dry run made against the in-memory cloud.
	Calls []string `json:"calls,omitempty"`
}

func newSummary(dc resource.DeploymentConfig, res provision.Result, attempts int, dry *memcloud.Cloud) summary {
	s := summary{
		Deployment: dc.DeploymentID(),
		WebsiteURL: res.WebsiteURL,
		Completed:  append([]string{}, res.CompletedIDs...),
		Attempts:   attempts,
	}
	if r := res.Sync; r != nil {
		s.ManifestDigest = r.ManifestDigest
		s.Uploaded = len(r.Uploaded)
		s.Deleted = len(r.Deleted)
		s.Unchanged = r.Changes.Unchanged
		s.Invalidation = r.Invalidation
	}
	if res.Err != nil {
		s.Error = res.Err.Error()
		s.ErrorClass = string(resource.ClassOf(res.Err))
	}
	if dry != nil {
		s.DryRun = true
		for _, c := range dry.Mutations() {
			s.Calls = append(s.Calls, string(c.Op)+" "+c.Target)
		}
	}
	return s
}
