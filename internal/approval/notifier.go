package approval

import "context"

// Notifier tells humans that a request is waiting. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, req Request) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, req Request) error

func (f NotifierFunc) Notify(ctx context.Context, req Request) error { return f(ctx, req) }
