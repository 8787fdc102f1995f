package resource

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Class groups errors by how a caller should react to them.
type Class string

const (
	// ClassConfiguration errors are found before any external call and need the input fixed.
	ClassConfiguration Class = "configuration"
	// ClassConflict errors mean something is already owned elsewhere and must be resolved by hand.
	ClassConflict Class = "conflict"
	// ClassGraph errors are defects in descriptor construction and are always fatal.
	ClassGraph Class = "graph"
	// ClassCapability errors mean a collaborator cannot provide what a step needs.
	ClassCapability Class = "capability"
	// ClassPartial errors mean a run halted mid-sequence and may be resumed.
	ClassPartial Class = "partial"
	// ClassSync errors come from content synchronization; applied changes are not reverted.
	ClassSync Class = "synchronization"
)

// Classified is implemented by every error type in this package.
type Classified interface {
	error
	Class() Class
}

// ClassOf returns the class of the outermost classified error in err's chain,
// or "" if there is none.
func ClassOf(err error) Class {
	var c Classified
	if errors.As(err, &c) {
		return c.Class()
	}
	return ""
}

// ConfigError reports a missing or malformed DeploymentConfig field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}
func (e *ConfigError) Class() Class { return ClassConfiguration }

// InvalidNameError reports a bucket, domain or zone name that violates naming rules.
type InvalidNameError struct {
	What   string // "bucket", "domain", "zone"
	Name   string
	Reason string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid %s name %q: %s", e.What, e.Name, e.Reason)
}
func (e *InvalidNameError) Class() Class { return ClassConfiguration }

// ZoneMismatchError reports a domain that is not inside the zone's authority.
type ZoneMismatchError struct {
	Domain string
	Zone   string
}

func (e *ZoneMismatchError) Error() string {
	return fmt.Sprintf("domain %q is not within zone %q", e.Domain, e.Zone)
}
func (e *ZoneMismatchError) Class() Class { return ClassConfiguration }

// CertificateRegionError reports a certificate that cannot be bound to a distribution.
type CertificateRegionError struct {
	ARN    string
	Region string
	Want   string
}

func (e *CertificateRegionError) Error() string {
	if e.Region == "" {
		return fmt.Sprintf("certificate %q is not usable by the distribution (must be issued in %s)", e.ARN, e.Want)
	}
	return fmt.Sprintf("certificate %q is in region %s, distribution requires %s", e.ARN, e.Region, e.Want)
}
func (e *CertificateRegionError) Class() Class { return ClassConfiguration }

// NameConflictError reports a bucket name owned by another deployment or account.
type NameConflictError struct {
	Bucket string
	Owner  string // empty when the owner is not visible to us
}

func (e *NameConflictError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("bucket %q is owned by another account", e.Bucket)
	}
	return fmt.Sprintf("bucket %q is owned by deployment %q", e.Bucket, e.Owner)
}
func (e *NameConflictError) Class() Class { return ClassConflict }

// DomainConflictError reports a domain already bound to a different distribution.
type DomainConflictError struct {
	Domain         string
	DistributionID string // empty when the holder is in another account
}

func (e *DomainConflictError) Error() string {
	if e.DistributionID == "" {
		return fmt.Sprintf("domain %q is already bound to another distribution", e.Domain)
	}
	return fmt.Sprintf("domain %q is already bound to distribution %s", e.Domain, e.DistributionID)
}
func (e *DomainConflictError) Class() Class { return ClassConflict }

// RecordConflictError reports a non-alias record occupying the alias name.
type RecordConflictError struct {
	Name string
	Type string
}

func (e *RecordConflictError) Error() string {
	return fmt.Sprintf("record %q already exists as a non-alias %s record", e.Name, e.Type)
}
func (e *RecordConflictError) Class() Class { return ClassConflict }

// CycleError reports a dependency cycle. Path is one deterministic witness,
// starting and ending with the same id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle"
	}
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}
func (e *CycleError) Class() Class { return ClassGraph }

// UnknownDependencyError reports a dependency id absent from the descriptor set.
type UnknownDependencyError struct {
	ID         string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("descriptor %q depends on unknown id %q", e.ID, e.Dependency)
}
func (e *UnknownDependencyError) Class() Class { return ClassGraph }

// ErrInvalidGraph is the kind of structural descriptor defects other than
// cycles and unknown dependencies (duplicate or empty ids, unknown kinds).
var ErrInvalidGraph = errors.New("invalid descriptor graph")

// GraphError wraps structural descriptor defects.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }
func (e *GraphError) Class() Class  { return ClassGraph }

// Invalidf builds a GraphError of kind ErrInvalidGraph.
func Invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

// CapabilityMismatchError reports a handle lacking capabilities a step requires.
type CapabilityMismatchError struct {
	ID      string
	Missing []string
}

func (e *CapabilityMismatchError) Error() string {
	return fmt.Sprintf("%s: missing required capability %s", e.ID, strings.Join(e.Missing, ", "))
}
func (e *CapabilityMismatchError) Class() Class { return ClassCapability }

// ZoneNotFoundError reports a hosted zone that does not exist or does not match its name.
type ZoneNotFoundError struct {
	ZoneID   string
	ZoneName string
}

func (e *ZoneNotFoundError) Error() string {
	return fmt.Sprintf("hosted zone %s (%s) not found", e.ZoneID, e.ZoneName)
}
func (e *ZoneNotFoundError) Class() Class { return ClassCapability }

// StepError reports the step a run halted on and which ids had completed
// before it, so the caller can resume instead of retrying blindly.
type StepError struct {
	ID        string
	Kind      Kind
	Completed []string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (%s) failed after %d completed [%s]: %v",
		e.ID, e.Kind, len(e.Completed), strings.Join(e.Completed, ", "), e.Err)
}
func (e *StepError) Unwrap() error { return e.Err }
func (e *StepError) Class() Class  { return ClassPartial }

// PathError is a single failed content path.
type PathError struct {
	Path string
	Op   string // "put" or "delete"
	Err  error
}

func (e PathError) Error() string { return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err) }

// PartialUploadError reports content paths that failed to upload or delete.
// Paths that succeeded are left in place.
type PartialUploadError struct {
	Failed []PathError
}

// NewPartialUploadError sorts failures by path for stable reporting.
func NewPartialUploadError(failed []PathError) *PartialUploadError {
	out := append([]PathError(nil), failed...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return &PartialUploadError{Failed: out}
}

func (e *PartialUploadError) Error() string {
	paths := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		paths = append(paths, f.Path)
	}
	return fmt.Sprintf("partial upload: %d path(s) failed: %s", len(e.Failed), strings.Join(paths, ", "))
}

// Paths returns the failed paths in order.
func (e *PartialUploadError) Paths() []string {
	out := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f.Path)
	}
	return out
}

func (e *PartialUploadError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f.Err)
	}
	return out
}
func (e *PartialUploadError) Class() Class { return ClassSync }

// InvalidationQuotaError reports a purge request rejected by the CDN.
// It is not retried; purge quotas are time-windowed.
type InvalidationQuotaError struct {
	DistributionID string
	Paths          int
	Err            error
}

func (e *InvalidationQuotaError) Error() string {
	msg := fmt.Sprintf("invalidation of %d path(s) on %s rejected", e.Paths, e.DistributionID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}
func (e *InvalidationQuotaError) Unwrap() error { return e.Err }
func (e *InvalidationQuotaError) Class() Class  { return ClassSync }

// SyncError reports a synchronization call that failed as a whole, such as
// listing the bucket, requesting a purge or recording the manifest digest.
type SyncError struct {
	Op     string
	Target string
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync: %s %s: %v", e.Op, e.Target, e.Err)
}
func (e *SyncError) Unwrap() error { return e.Err }
func (e *SyncError) Class() Class  { return ClassSync }
