package pthread

import "context"

type threadKey struct{}

// WithThread returns a context carrying t. Host functions invoked from a
// managed thread receive it.
func WithThread(ctx context.Context, t *ManagedThread) context.Context {
	return context.WithValue(ctx, threadKey{}, t)
}

// FromContext returns the managed thread making the current call, if any.
// Calls from the main instance carry none.
func FromContext(ctx context.Context) (*ManagedThread, bool) {
	t, ok := ctx.Value(threadKey{}).(*ManagedThread)
	return t, ok
}
