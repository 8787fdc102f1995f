// Package preflight runs named checks before a deploy touches any resource,
// so missing credentials or an unusable content tree are reported together
// instead of surfacing one at a time from the middle of a run.
package preflight

import (
	"context"
	"errors"
	"fmt"
)

// Check is evaluated once per run.
// nil = OK non-nil = FAIL with reason.
type Check interface{ Check(context.Context) error }

// Func adapts a function into a Check.
type Func func(context.Context) error

func (f Func) Check(ctx context.Context) error { return f(ctx) }

// Named pairs a check with the name it is reported under.
type Named struct {
	Name  string
	Check Check
}

// Failure is one failed check.
type Failure struct {
	Name string
	Err  error
}

func (f *Failure) Error() string { return fmt.Sprintf("preflight %s: %v", f.Name, f.Err) }
func (f *Failure) Unwrap() error { return f.Err }

// Run evaluates every check in order and joins the failures. A canceled
// context stops the run early.
func Run(ctx context.Context, checks ...Named) error {
	var errs []error
	for _, c := range checks {
		if c.Check == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, &Failure{Name: c.Name, Err: err})
			break
		}
		if err := c.Check.Check(ctx); err != nil {
			errs = append(errs, &Failure{Name: c.Name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Failed returns the names of the failed checks in err.
func Failed(err error) []string {
	var names []string
	var walk func(error)
	walk = func(e error) {
		switch x := e.(type) {
		case nil:
		case *Failure:
			names = append(names, x.Name)
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				walk(inner)
			}
		}
	}
	walk(err)
	return names
}
