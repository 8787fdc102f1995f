// Package memcloud is an in-memory implementation of the cloud capabilities.
//
// It keeps enough state to behave like the real services for convergence
// purposes (ownership, aliases, record types, stored digests) and logs every
// call so tests can assert exactly which mutations a run performed. The CLI
// uses it for -dry-run.
package memcloud

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cloud"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/content"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/resource"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// Op names one capability call.
type Op string

const (
	OpEnsureBucket       Op = "EnsureBucket"
	OpCreateBucket       Op = "CreateBucket"
	OpGrantRead          Op = "GrantRead"
	OpPutPolicy          Op = "PutBucketPolicy"
	OpPut                Op = "Put"
	OpDelete             Op = "Delete"
	OpList               Op = "List"
	OpEnsureIdentity     Op = "EnsureIdentity"
	OpCreateIdentity     Op = "CreateIdentity"
	OpEnsureDistribution Op = "EnsureDistribution"
	OpCreateDistribution Op = "CreateDistribution"
	OpUpdateDistribution Op = "UpdateDistribution"
	OpInvalidate         Op = "Invalidate"
	OpResolveZone        Op = "ResolveZone"
	OpUpsertAlias        Op = "UpsertAlias"
	OpChangeRecord       Op = "ChangeRecord"
	OpRecorded           Op = "Recorded"
	OpRecord             Op = "Record"
)

var mutating = map[Op]bool{
	OpCreateBucket:       true,
	OpPutPolicy:          true,
	OpPut:                true,
	OpDelete:             true,
	OpCreateIdentity:     true,
	OpCreateDistribution: true,
	OpUpdateDistribution: true,
	OpInvalidate:         true,
	OpChangeRecord:       true,
	OpRecord:             true,
}

// Call is one logged capability call.
type Call struct {
	Op     Op
	Target string
}

// Mutating reports whether the call changed state.
func (c Call) Mutating() bool { return mutating[c.Op] }

type object struct {
	body        []byte
	digest      digest.Digest
	contentType string
}

type bucket struct {
	owner   string
	foreign bool
	grants  map[string]cloud.Grant
	objects map[string]object
}

type distribution struct {
	id      string
	domain  string
	foreign bool
	spec    cloud.DistributionSpec
}

// Record is a DNS record held by a zone.
type Record struct {
	Type  string
	Alias *cloud.AliasTarget
	Value string
}

// Cloud implements cloud.Storage, cloud.CDN, cloud.DNS and cloud.Recorder.
// It is safe for concurrent use.
type Cloud struct {
	mu            sync.Mutex
	buckets       map[string]*bucket
	identities    map[string]cloud.Identity
	distributions []*distribution
	zones         map[string]cloud.Zone
	records       map[string]map[string]Record
	recorded      map[string]digest.Digest
	invalidations [][]string
	calls         []Call
	seq           int

	// PutErr, when set, is consulted before each Put; a non-nil result fails that path.
	PutErr func(path string) error
	// InvalidateErr, when set, makes Invalidate fail as if the purge quota were exhausted.
	InvalidateErr error
}

var (
	_ cloud.Storage  = (*Cloud)(nil)
	_ cloud.CDN      = (*Cloud)(nil)
	_ cloud.DNS      = (*Cloud)(nil)
	_ cloud.Recorder = (*Cloud)(nil)
)

// New returns an empty cloud.
func New() *Cloud {
	return &Cloud{
		buckets:    make(map[string]*bucket),
		identities: make(map[string]cloud.Identity),
		zones:      make(map[string]cloud.Zone),
		records:    make(map[string]map[string]Record),
		recorded:   make(map[string]digest.Digest),
	}
}

// AddZone registers a hosted zone.
func (c *Cloud) AddZone(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zones[id] = cloud.Zone{ID: id, Name: strings.TrimSuffix(strings.ToLower(name), ".")}
	if c.records[id] == nil {
		c.records[id] = make(map[string]Record)
	}
}

// AddForeignBucket registers a bucket owned by another deployment, or by
// another account when owner is empty.
func (c *Cloud) AddForeignBucket(name, owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[name] = &bucket{owner: owner, foreign: owner == "", grants: map[string]cloud.Grant{}, objects: map[string]object{}}
}

// AddForeignDistribution registers a distribution outside this deployment
// that already serves domain.
func (c *Cloud) AddForeignDistribution(domain string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.newDistributionLocked(cloud.DistributionSpec{Aliases: []string{domain}})
	d.foreign = true
	return d.id
}

// AddRecord registers a plain (non-alias) record.
func (c *Cloud) AddRecord(zoneID, name, typ, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.records[zoneID] == nil {
		c.records[zoneID] = make(map[string]Record)
	}
	c.records[zoneID][recordKey(name, typ)] = Record{Type: typ, Value: value}
}

// AddObject stores an object directly, bypassing the call log.
func (c *Cloud) AddObject(bucketName, path string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.buckets[bucketName]; b != nil {
		b.objects[path] = object{body: body, digest: digest.FromBytes(body)}
	}
}

func (c *Cloud) logLocked(op Op, target string) {
	c.calls = append(c.calls, Call{Op: op, Target: target})
}

// Calls returns every call made so far.
func (c *Cloud) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Mutations returns the calls that changed state.
func (c *Cloud) Mutations() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if call.Mutating() {
			out = append(out, call)
		}
	}
	return out
}

// Count returns how many times op was called.
func (c *Cloud) Count(op Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log, keeping state.
func (c *Cloud) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
	c.invalidations = nil
}

// Objects returns bucket contents as path -> body.
func (c *Cloud) Objects(bucketName string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.buckets[bucketName]
	if b == nil {
		return nil
	}
	out := make(map[string]string, len(b.objects))
	for p, o := range b.objects {
		out[p] = string(o.body)
	}
	return out
}

// ContentType returns the stored content type of an object.
func (c *Cloud) ContentType(bucketName, path string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.buckets[bucketName]; b != nil {
		return b.objects[path].contentType
	}
	return ""
}

// Invalidations returns every accepted invalidation's patterns.
func (c *Cloud) Invalidations() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]string, len(c.invalidations))
	for i, p := range c.invalidations {
		out[i] = append([]string(nil), p...)
	}
	return out
}

// LookupRecord returns the record of type typ at name in zoneID.
func (c *Cloud) LookupRecord(zoneID, name, typ string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[zoneID][recordKey(name, typ)]
	return r, ok
}

func recordKey(name, typ string) string {
	return strings.ToLower(strings.TrimSuffix(name, ".")) + "/" + typ
}

// DistributionSpec returns the stored spec for id.
func (c *Cloud) DistributionSpec(id string) (cloud.DistributionSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.distributions {
		if d.id == id {
			return d.spec, true
		}
	}
	return cloud.DistributionSpec{}, false
}

// Storage

func (c *Cloud) EnsureBucket(_ context.Context, name, owner string) (cloud.Bucket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLocked(OpEnsureBucket, name)

	if err := resource.ValidateBucketName(name); err != nil {
		return cloud.Bucket{}, err
	}
	b, ok := c.buckets[name]
	if ok {
		if b.foreign {
			return cloud.Bucket{}, &resource.NameConflictError{Bucket: name}
		}
		if b.owner != owner {
			return cloud.Bucket{}, &resource.NameConflictError{Bucket: name, Owner: b.owner}
		}
	} else {
		c.logLocked(OpCreateBucket, name)
		c.buckets[name] = &bucket{owner: owner, grants: map[string]cloud.Grant{}, objects: map[string]object{}}
	}
	return cloud.Bucket{Name: name, RegionalDomain: name + ".s3.us-east-1.amazonaws.com", Owner: owner}, nil
}

func (c *Cloud) GrantRead(_ context.Context, bk cloud.Bucket, id cloud.Identity) (cloud.Grant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLocked(OpGrantRead, bk.Name+"/"+id.ID)

	b := c.buckets[bk.Name]
	if b == nil {
		return cloud.Grant{}, xerrors.Newf("bucket %s does not exist", bk.Name)
	}
	want := cloud.Grant{Bucket: bk, Identity: id, Capabilities: []cloud.Capability{cloud.CapabilityRead, cloud.CapabilityList}}
	if have, ok := b.grants[id.ID]; ok && reflect.DeepEqual(have, want) {
		return have, nil
	}
	c.logLocked(OpPutPolicy, bk.Name)
	b.grants[id.ID] = want
	return want, nil
}

func (c *Cloud) Put(_ context.Context, bk cloud.Bucket, u cloud.Upload) error {
	if !content.ValidPath(u.Path) {
		return xerrors.Newf("refusing to store invalid path %q", u.Path)
	}
	c.mu.Lock()
	hook := c.PutErr
	c.mu.Unlock()
	if hook != nil {
		if err := hook(u.Path); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLocked(OpPut, u.Path)
	b := c.buckets[bk.Name]
	if b == nil {
		return xerrors.Newf("bucket %s does not exist", bk.Name)
	}
	dg := u.Digest
	if dg == "" {
		dg = digest.FromBytes(u.Body)
	}
	b.objects[u.Path] = object{body: append([]byte(nil), u.Body...), digest: dg, contentType: u.ContentType}
	return nil
}

func (c *Cloud) Delete(_ context.Context, bk cloud.Bucket, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLocked(OpDelete, path)
	b := c.buckets[bk.Name]
	if b == nil {
		return xerrors.Newf("bucket %s does not exist", bk.Name)
	}
	delete(b.objects, path)
	return nil
}

func (c *Cloud) List(_ context.Context, bk cloud.Bucket) ([]cloud.Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLocked(OpList, bk.Name)
	b := c.buckets[bk.Name]
	if b == nil {
		return nil, xerrors.Newf("bucket %s does not exist", bk.Name)
	}
	out := make([]cloud.Object, 0, len(b.objects))
	for p, o := range b.objects {
		out = append(out, cloud.Object{Path: p, Digest: o.digest, Size: int64(len(o.body))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// CDN

func (c *Cloud) EnsureIdentity(_ context.Context, owner string) (cloud.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLocked(OpEnsureIdentity, owner)
	if id, ok := c.identities[owner]; ok {
		return id, nil
	}
	c.seq++
	id := fmt.Sprintf("E%013d", c.seq)
	ident := cloud.Identity{ID: id, Principal: "arn:aws:iam::cloudfront:user/CloudFront Origin Access Identity " + id}
	c.logLocked(OpCreateIdentity, owner)
	c.identities[owner] = ident
	return ident, nil
}

func (c *Cloud) newDistributionLocked(spec cloud.DistributionSpec) *distribution {
	c.seq++
	d := &distribution{
		id:     fmt.Sprintf("EDFD%09d", c.seq),
		domain: fmt.Sprintf("d%06dabcdef8.cloudfront.net", c.seq),
		spec:   spec,
	}
	c.distributions = append(c.distributions, d)
	return d
}

func (c *Cloud) EnsureDistribution(_ context.Context, spec cloud.DistributionSpec) (cloud.Distribution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLocked(OpEnsureDistribution, strings.Join(spec.Aliases, ","))

	if err := resource.ValidateCertificateARN(spec.CertificateARN); err != nil {
		return cloud.Distribution{}, err
	}

	var existing *distribution
	for _, alias := range spec.Aliases {
		for _, d := range c.distributions {
			if !containsFold(d.spec.Aliases, alias) {
				continue
			}
			if d.foreign || d.spec.Owner != spec.Owner {
				return cloud.Distribution{}, &resource.DomainConflictError{Domain: alias, DistributionID: d.id}
			}
			existing = d
		}
	}

	if existing == nil {
		c.logLocked(OpCreateDistribution, strings.Join(spec.Aliases, ","))
		existing = c.newDistributionLocked(cloneSpec(spec))
	} else if !reflect.DeepEqual(existing.spec, spec) {
		c.logLocked(OpUpdateDistribution, existing.id)
		existing.spec = cloneSpec(spec)
	}
	return cloud.Distribution{
		ID:         existing.id,
		ARN:        "arn:aws:cloudfront::111122223333:distribution/" + existing.id,
		DomainName: existing.domain,
	}, nil
}

func (c *Cloud) Invalidate(_ context.Context, d cloud.Distribution, patterns []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLocked(OpInvalidate, d.ID)
	if c.InvalidateErr != nil {
		return "", &resource.InvalidationQuotaError{DistributionID: d.ID, Paths: len(patterns), Err: c.InvalidateErr}
	}
	c.invalidations = append(c.invalidations, append([]string(nil), patterns...))
	c.seq++
	return fmt.Sprintf("I%012d", c.seq), nil
}

// DNS

func (c *Cloud) ResolveZone(_ context.Context, id, name string) (cloud.Zone, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLocked(OpResolveZone, id)
	z, ok := c.zones[id]
	if !ok || !strings.EqualFold(z.Name, strings.TrimSuffix(name, ".")) {
		return cloud.Zone{}, &resource.ZoneNotFoundError{ZoneID: id, ZoneName: name}
	}
	return z, nil
}

func (c *Cloud) UpsertAlias(_ context.Context, z cloud.Zone, name string, target cloud.AliasTarget) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	c.logLocked(OpUpsertAlias, name)

	if !resource.WithinZone(z.Name, name) {
		return &resource.ZoneMismatchError{Domain: name, Zone: z.Name}
	}
	recs := c.records[z.ID]
	if recs == nil {
		recs = make(map[string]Record)
		c.records[z.ID] = recs
	}
	if have, ok := recs[recordKey(name, "CNAME")]; ok {
		return &resource.RecordConflictError{Name: name, Type: have.Type}
	}
	if have, ok := recs[recordKey(name, "A")]; ok {
		if have.Alias == nil {
			return &resource.RecordConflictError{Name: name, Type: have.Type}
		}
		if *have.Alias == target {
			return nil
		}
	}
	c.logLocked(OpChangeRecord, name)
	t := target
	recs[recordKey(name, "A")] = Record{Type: "A", Alias: &t}
	return nil
}

// Recorder

func (c *Cloud) Recorded(_ context.Context, deployment string) (digest.Digest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLocked(OpRecorded, deployment)
	return c.recorded[deployment], nil
}

func (c *Cloud) Record(_ context.Context, deployment string, d digest.Digest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLocked(OpRecord, deployment)
	c.recorded[deployment] = d
	return nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func cloneSpec(s cloud.DistributionSpec) cloud.DistributionSpec {
	s.Aliases = append([]string(nil), s.Aliases...)
	s.ErrorResponses = append([]cloud.ErrorResponse(nil), s.ErrorResponses...)
	return s
}
