// Package contentsync makes a bucket's content equal to a local tree and
// purges CDN copies of whatever changed.
//
// A run scans the tree, lists what storage holds, uploads added and modified
// files, deletes removed ones and leaves unchanged files alone. The paths that
// were actually touched become the invalidation set; an empty set means no
// purge call at all. Failures are reported per path and nothing is rolled
// back.
package contentsync

import (
	"context"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cloud"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/content"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/resource"
)

// DefaultConcurrency is the number of uploads in flight when Options.Concurrency is 0.
const DefaultConcurrency = 8

// Options configures a Synchronizer.
type Options struct {
	Logger log.Logger

	// Concurrency bounds uploads and deletes in flight. 0 means DefaultConcurrency.
	Concurrency int

	// Pacer, when set, is waited on before every storage write.
	Pacer *ratelimit.Pacer

	// CollapseThreshold replaces the invalidation set with "/*" when it has
	// more than this many patterns. 0 never collapses.
	CollapseThreshold int

	Scan content.ScanOptions

	// CacheControl picks the Cache-Control header per path. nil uses DefaultCacheControl.
	CacheControl func(p string) string
}

// Report describes one synchronization run.
type Report struct {
	ManifestDigest string
	Files          int
	Bytes          int64
	Changes        content.Changes
	// Uploaded and Deleted list the paths that were written successfully.
	Uploaded []string
	Deleted  []string
	// Invalidation is the set of purge patterns sent, empty when no call was made.
	Invalidation   []string
	InvalidationID string
	Duration       time.Duration
}

// Synchronizer runs content synchronization against one storage and CDN pair.
type Synchronizer struct {
	storage cloud.Storage
	cdn     cloud.CDN
	opts    Options
	logger  log.Logger
}

// New creates a Synchronizer.
func New(storage cloud.Storage, cdn cloud.CDN, opts Options) *Synchronizer {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.CacheControl == nil {
		opts.CacheControl = DefaultCacheControl
	}
	return &Synchronizer{storage: storage, cdn: cdn, opts: opts, logger: opts.Logger}
}

// Sync makes bucket b hold exactly the files of fsys and invalidates changed
// paths on d. It returns a *resource.PartialUploadError when some paths
// failed (the ones that succeeded are still invalidated) and a
// *resource.InvalidationQuotaError when the purge is rejected. A tree that
// cannot be scanned is a *resource.ConfigError and nothing is touched.
func (s *Synchronizer) Sync(ctx context.Context, fsys fs.FS, b cloud.Bucket, d cloud.Distribution) (Report, error) {
	return s.run(ctx, fsys, nil, b, d)
}

// SyncManifest is Sync with a manifest already produced by Scan from fsys.
func (s *Synchronizer) SyncManifest(ctx context.Context, fsys fs.FS, cur content.Manifest, b cloud.Bucket, d cloud.Distribution) (Report, error) {
	return s.run(ctx, fsys, &cur, b, d)
}

// Scan builds the manifest of fsys with the configured scan options. Trees
// that cannot be published (oversized files, symlinks, special files) are
// reported as a *resource.ConfigError on content_path.
func (s *Synchronizer) Scan(ctx context.Context, fsys fs.FS) (content.Manifest, error) {
	m, err := content.Scan(ctx, fsys, s.opts.Scan)
	if err == nil {
		return m, nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return content.Manifest{}, err
	}
	return content.Manifest{}, &resource.ConfigError{Field: "content_path", Reason: err.Error()}
}

func (s *Synchronizer) run(ctx context.Context, fsys fs.FS, cur *content.Manifest, b cloud.Bucket, d cloud.Distribution) (Report, error) {
	start := time.Now()
	ctx, span := otel.Tracer("sitedeploy/contentsync").Start(ctx, "contentsync.Sync",
		trace.WithAttributes(
			attribute.String("bucket", b.Name),
			attribute.String("distribution.id", d.ID),
		),
	)
	defer span.End()

	rep, err := s.sync(ctx, fsys, cur, b, d)
	rep.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("content.files", rep.Files),
		attribute.Int("content.uploaded", len(rep.Uploaded)),
		attribute.Int("content.deleted", len(rep.Deleted)),
		attribute.Int("content.invalidation_paths", len(rep.Invalidation)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "content sync failed")
	}
	return rep, err
}

func (s *Synchronizer) sync(ctx context.Context, fsys fs.FS, scanned *content.Manifest, b cloud.Bucket, d cloud.Distribution) (Report, error) {
	var rep Report

	var cur content.Manifest
	if scanned != nil {
		cur = *scanned
	} else {
		m, err := s.Scan(ctx, fsys)
		if err != nil {
			return rep, err
		}
		cur = m
	}
	rep.ManifestDigest = cur.Digest().String()
	rep.Files = cur.Len()
	rep.Bytes = cur.TotalSize()

	prev, err := s.previous(ctx, b)
	if err != nil {
		return rep, err
	}

	rep.Changes = content.Diff(prev, cur)
	s.logger.Info(ctx, "content diff computed",
		"bucket", b.Name,
		"files", cur.Len(),
		"added", len(rep.Changes.Added),
		"modified", len(rep.Changes.Modified),
		"removed", len(rep.Changes.Removed),
		"unchanged", rep.Changes.Unchanged,
	)
	if rep.Changes.Empty() {
		return rep, nil
	}

	uploaded, deleted, failed := s.apply(ctx, fsys, b, cur, rep.Changes)
	rep.Uploaded, rep.Deleted = uploaded, deleted

	var errs []error
	if len(failed) > 0 {
		errs = append(errs, resource.NewPartialUploadError(failed))
	}

	touched := mergeSorted(uploaded, deleted)
	if len(touched) > 0 {
		patterns := InvalidationSet(touched, s.opts.CollapseThreshold)
		id, err := s.cdn.Invalidate(ctx, d, patterns)
		if err != nil {
			var q *resource.InvalidationQuotaError
			if !errors.As(err, &q) {
				err = &resource.SyncError{Op: "invalidate", Target: d.ID, Err: err}
			}
			errs = append(errs, err)
		} else {
			rep.Invalidation = patterns
			rep.InvalidationID = id
			s.logger.Info(ctx, "invalidation requested",
				"distribution_id", d.ID,
				"invalidation_id", id,
				"paths", len(patterns),
			)
		}
	}

	if len(errs) == 1 {
		return rep, errs[0]
	}
	return rep, errors.Join(errs...)
}

// previous rebuilds the deployed manifest from the storage listing.
// Objects stored without a digest get an empty one so they count as modified.
func (s *Synchronizer) previous(ctx context.Context, b cloud.Bucket) (content.Manifest, error) {
	objs, err := s.storage.List(ctx, b)
	if err != nil {
		return content.Manifest{}, &resource.SyncError{Op: "list", Target: b.Name, Err: err}
	}
	entries := make([]content.Entry, 0, len(objs))
	for _, o := range objs {
		entries = append(entries, content.Entry{Path: o.Path, Digest: o.Digest, Size: o.Size})
	}
	return content.NewManifest(entries), nil
}

// apply uploads and deletes with bounded concurrency. Every path is
// attempted; failures are collected instead of stopping the run.
func (s *Synchronizer) apply(ctx context.Context, fsys fs.FS, b cloud.Bucket, cur content.Manifest, ch content.Changes) (uploaded, deleted []string, failed []resource.PathError) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.opts.Concurrency)

	record := func(p, op string, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			failed = append(failed, resource.PathError{Path: p, Op: op, Err: err})
		case op == "put":
			uploaded = append(uploaded, p)
		default:
			deleted = append(deleted, p)
		}
	}

	for _, p := range ch.Uploads() {
		entry, _ := cur.Lookup(p)
		g.Go(func() error {
			record(p, "put", s.put(ctx, fsys, b, entry))
			return nil
		})
	}
	for _, p := range ch.Removed {
		g.Go(func() error {
			err := s.opts.Pacer.Wait(ctx)
			if err == nil {
				err = s.storage.Delete(ctx, b, p)
			}
			record(p, "delete", err)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(uploaded)
	sort.Strings(deleted)
	for _, f := range failed {
		s.logger.Warn(ctx, "content path failed", "path", f.Path, "op", f.Op, "err", f.Err.Error())
	}
	return uploaded, deleted, failed
}

func (s *Synchronizer) put(ctx context.Context, fsys fs.FS, b cloud.Bucket, e content.Entry) error {
	if err := s.opts.Pacer.Wait(ctx); err != nil {
		return err
	}
	body, err := content.ReadVerified(fsys, e.Path, e.Digest)
	if err != nil {
		return err
	}
	return s.storage.Put(ctx, b, cloud.Upload{
		Path:         e.Path,
		Body:         body,
		Digest:       e.Digest,
		ContentType:  ContentType(e.Path, body),
		CacheControl: s.opts.CacheControl(e.Path),
	})
}

// InvalidationSet turns touched paths into sorted purge patterns. Above
// collapseAbove patterns (when positive) the whole distribution is purged.
func InvalidationSet(touched []string, collapseAbove int) []string {
	if len(touched) == 0 {
		return nil
	}
	if collapseAbove > 0 && len(touched) > collapseAbove {
		return []string{"/*"}
	}
	out := make([]string, 0, len(touched))
	for _, p := range touched {
		out = append(out, pathutil.InvalidationPattern(p))
	}
	sort.Strings(out)
	return out
}

// ContentType guesses the MIME type from the extension, then from the bytes.
func ContentType(p string, body []byte) string {
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return http.DetectContentType(body)
}

// DefaultCacheControl keeps HTML revalidating on every request so new deploys
// show up at once, and lets edge and browser caches keep other assets for an hour.
func DefaultCacheControl(p string) string {
	if strings.HasSuffix(p, ".html") || strings.HasSuffix(p, ".htm") {
		return "public, max-age=0, must-revalidate"
	}
	return "public, max-age=3600"
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.Strings(out)
	return out
}
