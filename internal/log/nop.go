package log

import "context"

type discard struct{}

// Nop returns a Logger that drops everything. Components default to it when
// the caller passes no Logger.
func Nop() Logger { return discard{} }

func (discard) With(...any) Logger                           { return discard{} }
func (discard) Debug(context.Context, string, ...any)        {}
func (discard) Info(context.Context, string, ...any)         {}
func (discard) Warn(context.Context, string, ...any)         {}
func (discard) Error(context.Context, error, string, ...any) {}
func (discard) Sync() error                                  { return nil }
