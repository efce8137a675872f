// Package launcher declares the external collaborator interface for
// starting and waiting on the browser process. Launching the browser
// and discovering its debug endpoint is explicitly out of scope for
// this core (spec.md §1, §6); this package only specifies the
// contract the engine calls, plus a no-op double for tests and fixed
// deployments that already know the endpoint.
package launcher

import "context"

// Launcher starts (or locates) a browser process and reports its
// debugging endpoint.
type Launcher interface {
	// Launch returns the endpoint URL to dial and a handle whose
	// WaitExit blocks until the process exits.
	Launch(ctx context.Context) (endpoint string, handle ProcessHandle, err error)
}

// ProcessHandle is the external collaborator contract spec.md §6
// names: "the core calls a WaitExit() contract to learn when to stop."
type ProcessHandle interface {
	// WaitExit blocks until the browser process exits and returns its
	// exit error, if any.
	WaitExit(ctx context.Context) error
}

// Fixed is a Launcher for a browser that is already running at a
// known endpoint — the common case in tests and in deployments where
// an external supervisor (outside this core) owns the browser
// process's lifecycle.
type Fixed struct {
	Endpoint string
	// Handle is returned as-is; nil is valid when nothing needs to
	// observe process exit.
	Handle ProcessHandle
}

func (f Fixed) Launch(ctx context.Context) (string, ProcessHandle, error) {
	return f.Endpoint, f.Handle, nil
}

// NeverExits is a ProcessHandle whose WaitExit blocks until ctx is
// canceled, for callers that have no real process to watch.
type NeverExits struct{}

func (NeverExits) WaitExit(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
