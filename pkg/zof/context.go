package zof

import "context"

// DispatchInfo identifies the connection an event arrived on. Fields are nil for
// datapath-less events.
type DispatchInfo struct {
	DatapathID any
	ConnID     any
}

type dispatchKey struct{}

type dispatchValue struct {
	app  *Application
	info DispatchInfo
}

// WithDispatch returns a context recording which application and connection the current
// callback runs under.
func WithDispatch(ctx context.Context, app *Application, info DispatchInfo) context.Context {
	return context.WithValue(ctx, dispatchKey{}, dispatchValue{app: app, info: info})
}

// ApplicationFromContext returns the application a callback is running under.
func ApplicationFromContext(ctx context.Context) (*Application, bool) {
	value, ok := ctx.Value(dispatchKey{}).(dispatchValue)
	if !ok || value.app == nil {
		return nil, false
	}

	return value.app, true
}

// DispatchInfoFromContext returns the connection context of the running callback.
func DispatchInfoFromContext(ctx context.Context) (DispatchInfo, bool) {
	value, ok := ctx.Value(dispatchKey{}).(dispatchValue)
	if !ok {
		return DispatchInfo{}, false
	}

	return value.info, true
}
