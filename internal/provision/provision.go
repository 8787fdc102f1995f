// Package provision drives a deployment: it validates the config, plans the
// resource descriptors, orders them and applies each one through the step
// table for its kind, threading outputs to dependents. Content is
// synchronized as soon as the bucket and the distribution both exist.
//
// The run halts on the first failing resource step and reports which ids had
// completed, so the caller can Resume instead of starting over.
package provision

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cloud"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/content"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/contentsync"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/graph"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/resource"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// Options configures a Provisioner.
type Options struct {
	Logger  log.Logger
	Metrics *metrics.DeployMetrics

	Storage cloud.Storage
	CDN     cloud.CDN
	DNS     cloud.DNS

	// Recorder, when set, keeps the digest of the last deployed manifest.
	Recorder cloud.Recorder

	Sync contentsync.Options

	// OpenContent opens the content tree. nil uses the local directory.
	OpenContent func(path string) (fs.FS, error)

	// MinFiles rejects content trees with fewer files. 0 disables the check.
	MinFiles int
}

// Result is the outcome of one run.
type Result struct {
	// WebsiteURL is set once the alias record is in place.
	WebsiteURL string
	// CompletedIDs lists applied resource steps in order. Lookups are kept in
	// Outputs but are not resources and are not listed.
	CompletedIDs []string
	Outputs      Outputs
	Sync         *contentsync.Report
	// SyncErr is the synchronizer's error, also included in Err.
	SyncErr error
	Err     error
}

// Provisioner applies deployments.
type Provisioner struct {
	logger   log.Logger
	metrics  *metrics.DeployMetrics
	storage  cloud.Storage
	cdn      cloud.CDN
	dns      cloud.DNS
	recorder cloud.Recorder
	syncer   *contentsync.Synchronizer
	open     func(string) (fs.FS, error)
	minFiles int
	steps    map[resource.Kind]StepFunc
}

// New creates a Provisioner.
func New(opts Options) (*Provisioner, error) {
	if opts.Storage == nil || opts.CDN == nil || opts.DNS == nil {
		return nil, xerrors.New("provision: Storage, CDN and DNS are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.OpenContent == nil {
		opts.OpenContent = openDir
	}
	if opts.Sync.Logger == nil {
		opts.Sync.Logger = opts.Logger
	}
	p := &Provisioner{
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		storage:  opts.Storage,
		cdn:      opts.CDN,
		dns:      opts.DNS,
		recorder: opts.Recorder,
		syncer:   contentsync.New(opts.Storage, opts.CDN, opts.Sync),
		open:     opts.OpenContent,
		minFiles: opts.MinFiles,
	}
	p.steps = p.stepTable()
	return p, nil
}

func openDir(path string) (fs.FS, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, xerrors.Newf("%s is not a directory", path)
	}
	return os.DirFS(path), nil
}

// Provision applies cfg from scratch. Every resource step verifies existing
// state first, so re-running an applied config performs no mutations.
func (p *Provisioner) Provision(ctx context.Context, cfg resource.DeploymentConfig) Result {
	return p.run(ctx, cfg, nil)
}

// Resume continues a run that halted. Steps already in prior.CompletedIDs
// (and lookups already in prior.Outputs) are not applied again; their
// outputs are reused. A synchronizer that failed or never ran is retried.
func (p *Provisioner) Resume(ctx context.Context, cfg resource.DeploymentConfig, prior Result) Result {
	return p.run(ctx, cfg, &prior)
}

func (p *Provisioner) run(ctx context.Context, cfg resource.DeploymentConfig, prior *Result) Result {
	start := time.Now()
	ctx, span := otel.Tracer("sitedeploy/provision").Start(ctx, "provision.Run",
		trace.WithAttributes(
			attribute.String("domain", cfg.DomainName),
			attribute.Bool("resume", prior != nil),
		),
	)
	defer span.End()

	res := p.apply(ctx, cfg, prior)

	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "provision failed")
		p.logger.Error(ctx, res.Err, "provision failed",
			"completed", res.CompletedIDs,
			"class", string(resource.ClassOf(res.Err)),
		)
	} else {
		p.logger.Info(ctx, "provision complete",
			"url", res.WebsiteURL,
			"completed", res.CompletedIDs,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	if p.metrics != nil {
		p.metrics.ObserveRun(res.Err == nil, time.Since(start), time.Now())
	}
	return res
}

func (p *Provisioner) apply(ctx context.Context, cfg resource.DeploymentConfig, prior *Result) Result {
	var res Result

	// configuration errors surface before any external call
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		res.Err = err
		return res
	}
	fsys, err := p.open(cfg.ContentPath)
	if err != nil {
		res.Err = &resource.ConfigError{Field: "content_path", Reason: err.Error()}
		return res
	}
	if err := content.CheckRoot(fsys, p.minFiles); err != nil {
		res.Err = &resource.ConfigError{Field: "content_path", Reason: err.Error()}
		return res
	}
	// a canceled scan halts at the first step below like any other cancel
	manifest, err := p.syncer.Scan(ctx, fsys)
	if err != nil && ctx.Err() == nil {
		res.Err = err
		return res
	}

	descs := resource.Plan(cfg)
	order, err := graph.Order(descs)
	if err != nil {
		res.Err = err
		return res
	}
	layers, err := graph.Layers(descs)
	if err != nil {
		res.Err = err
		return res
	}
	byID := make(map[string]resource.Descriptor, len(descs))
	for _, d := range descs {
		byID[d.ID] = d
	}

	res.Outputs = Outputs{}
	needSync := true
	var done []string
	if prior != nil {
		res.Outputs = prior.Outputs.clone()
		res.CompletedIDs = append(res.CompletedIDs, prior.CompletedIDs...)
		res.Sync = prior.Sync
		done = append(done, prior.CompletedIDs...)
		for id := range prior.Outputs {
			if byID[id].Kind.Lookup() {
				done = append(done, id)
			}
		}
		needSync = prior.Sync == nil || prior.SyncErr != nil
	}
	remaining := graph.Remaining(order, done)

	pending := p.prefetch(ctx, byID, layers, remaining)
	defer pending.wait()

	for _, id := range remaining {
		// cooperative cancellation between steps, never mid-call
		if err := ctx.Err(); err != nil {
			res.Err = p.halt(res, byID[id], err)
			break
		}
		if needSync {
			p.syncIfReady(ctx, fsys, manifest, cfg, &res, &needSync)
		}

		d := byID[id]
		out, err := p.step(ctx, d, res.Outputs, pending)
		if err != nil {
			res.Err = p.halt(res, d, err)
			break
		}
		res.Outputs[id] = out
		if !d.Kind.Lookup() {
			res.CompletedIDs = append(res.CompletedIDs, id)
		}
		if d.Kind == resource.KindAliasRecord {
			res.WebsiteURL = cfg.WebsiteURL()
		}
	}
	if res.Err == nil && needSync && ctx.Err() == nil {
		p.syncIfReady(ctx, fsys, manifest, cfg, &res, &needSync)
	}

	if res.SyncErr != nil {
		res.Err = errors.Join(res.Err, res.SyncErr)
	}
	return res
}

func (p *Provisioner) halt(res Result, d resource.Descriptor, err error) error {
	return &resource.StepError{
		ID:        d.ID,
		Kind:      d.Kind,
		Completed: append([]string(nil), res.CompletedIDs...),
		Err:       err,
	}
}

// step applies one descriptor, taking a prefetched result when there is one.
func (p *Provisioner) step(ctx context.Context, d resource.Descriptor, outputs Outputs, pending *prefetched) (any, error) {
	start := time.Now()
	ctx, span := otel.Tracer("sitedeploy/provision").Start(ctx, "provision."+string(d.Kind),
		trace.WithAttributes(attribute.String("step", d.ID)),
	)
	defer span.End()

	var (
		out any
		err error
	)
	if f, ok := pending.take(d.ID); ok {
		out, err = f.result()
	} else {
		fn, ok := p.steps[d.Kind]
		if !ok {
			err = resource.Invalidf("no step registered for kind %q", d.Kind)
		} else {
			out, err = fn(ctx, d, outputs)
		}
	}
	elapsed := time.Since(start)

	result := "ok"
	if err != nil {
		result = string(resource.ClassOf(err))
		if result == "" {
			result = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		p.logger.Warn(ctx, "step failed", "step", d.ID, "kind", string(d.Kind), "duration_ms", elapsed.Milliseconds(), "err", err.Error())
	} else {
		p.logger.Info(ctx, "step applied", "step", d.ID, "kind", string(d.Kind), "duration_ms", elapsed.Milliseconds())
	}
	if p.metrics != nil {
		p.metrics.ObserveStep(string(d.Kind), result, elapsed)
	}
	return out, err
}

// syncIfReady runs the synchronizer once both the bucket and distribution
// outputs exist. Its failure is recorded but does not halt resource steps.
func (p *Provisioner) syncIfReady(ctx context.Context, fsys fs.FS, manifest content.Manifest, cfg resource.DeploymentConfig, res *Result, needSync *bool) {
	b, okB := res.Outputs.Bucket()
	d, okD := res.Outputs.Distribution()
	if !okB || !okD {
		return
	}
	*needSync = false

	rep, err := p.syncer.SyncManifest(ctx, fsys, manifest, b, d)
	res.Sync = &rep
	res.SyncErr = err
	if p.metrics != nil {
		failed := 0
		var pe *resource.PartialUploadError
		if errors.As(err, &pe) {
			failed = len(pe.Failed)
		}
		p.metrics.ObserveContent(rep.Files, rep.Bytes, len(rep.Uploaded), len(rep.Deleted), rep.Changes.Unchanged, failed)
		if len(rep.Invalidation) > 0 {
			p.metrics.ObserveInvalidation(true, len(rep.Invalidation))
		}
		var qe *resource.InvalidationQuotaError
		if errors.As(err, &qe) {
			p.metrics.ObserveInvalidation(false, qe.Paths)
		}
	}
	if err != nil {
		p.logger.Error(ctx, err, "content sync failed", "bucket", b.Name, "distribution_id", d.ID)
		return
	}
	p.logger.Info(ctx, "content synced",
		"bucket", b.Name,
		"uploaded", len(rep.Uploaded),
		"deleted", len(rep.Deleted),
		"invalidation_id", rep.InvalidationID,
		"duration_ms", rep.Duration.Milliseconds(),
	)
	if err := p.record(ctx, cfg.DeploymentID(), rep.ManifestDigest); err != nil {
		res.SyncErr = err
	}
}

// record stores the manifest digest when it differs from the recorded one.
func (p *Provisioner) record(ctx context.Context, deployment, manifest string) error {
	if p.recorder == nil || manifest == "" {
		return nil
	}
	want, err := digest.Parse(manifest)
	if err != nil {
		return xerrors.Wrap(err, "parse manifest digest")
	}
	prev, err := p.recorder.Recorded(ctx, deployment)
	if err != nil {
		return &resource.SyncError{Op: "read record", Target: deployment, Err: err}
	}
	if prev == want {
		return nil
	}
	if err := p.recorder.Record(ctx, deployment, want); err != nil {
		return &resource.SyncError{Op: "record", Target: deployment, Err: err}
	}
	p.logger.Info(ctx, "recorded manifest digest", "deployment", deployment, "digest", manifest)
	return nil
}

// prefetch starts the lookups in the first dependency layer concurrently
// with the resource chain. Their results are consumed only when their turn
// comes in the order, so output ordering is unchanged.
func (p *Provisioner) prefetch(ctx context.Context, byID map[string]resource.Descriptor, layers [][]string, remaining []string) *prefetched {
	pf := &prefetched{futures: make(map[string]*future)}
	if len(layers) == 0 {
		return pf
	}
	want := make(map[string]bool, len(remaining))
	for _, id := range remaining {
		want[id] = true
	}
	for _, id := range layers[0] {
		d := byID[id]
		if !want[id] || !d.Kind.Lookup() {
			continue
		}
		fn, ok := p.steps[d.Kind]
		if !ok {
			continue
		}
		f := &future{done: make(chan struct{})}
		pf.futures[id] = f
		pf.g.Go(func() error {
			defer close(f.done)
			f.val, f.err = fn(ctx, d, nil)
			return nil
		})
	}
	return pf
}

type future struct {
	done chan struct{}
	val  any
	err  error
}

func (f *future) result() (any, error) {
	<-f.done
	return f.val, f.err
}

type prefetched struct {
	g       errgroup.Group
	futures map[string]*future
}

func (pf *prefetched) take(id string) (*future, bool) {
	f, ok := pf.futures[id]
	if ok {
		delete(pf.futures, id)
	}
	return f, ok
}

// wait blocks until every prefetch has returned, so no lookup outlives the run.
func (pf *prefetched) wait() { _ = pf.g.Wait() }
