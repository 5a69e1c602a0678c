// Package hctx carries per-attempt task metadata through the handler's
// context. It is kept internal so the context key cannot be forged.
package hctx

import "context"

// Info describes the attempt currently executing.
type Info struct {
	TaskID   string
	TaskName string
	Queue    string
	Attempt  int
	WorkerID string
}

type ctxKey struct{}

// WithInfo attaches attempt info to ctx.
func WithInfo(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// From extracts attempt info from ctx, if present.
func From(ctx context.Context) (*Info, bool) {
	info, ok := ctx.Value(ctxKey{}).(*Info)
	return info, ok
}
