package backend

import (
	"context"

	"github.com/kalebavincent/dl-torrent/internal/model"
)

// Handle is an opaque reference to a running transfer inside an engine.
// For aria2 it is the GID, for qBittorrent the torrent info-hash.
type Handle string

type TerminalState string

const (
	TerminalCompleted TerminalState = "completed"
	TerminalFailed    TerminalState = "failed"
	TerminalCancelled TerminalState = "cancelled"
)

// TerminalResult reports the end of a transfer. Reason is non-empty for
// failed transfers.
type TerminalResult struct {
	State  TerminalState
	Reason string

	// Permanent marks a failure that retrying cannot fix, per the
	// engine's own error code.
	Permanent bool
}

// Status is the outcome of one poll: either the latest progress or a
// terminal result, never both.
type Status struct {
	Progress *model.ProgressSnapshot
	Terminal *TerminalResult
}

// StartOptions carries per-transfer tuning passed through to the engine.
type StartOptions struct {
	// Trackers are appended to magnet transfers when the engine
	// supports it.
	Trackers []string
}

// Adapter is the uniform control surface over a concrete transfer
// engine. Implementations must keep partial data at a predictable
// staging path (<output>.part) until completion.
type Adapter interface {
	// Kind reports which resource kind this adapter serves.
	Kind() model.ResourceKind

	// Start begins a transfer and returns a handle for polling.
	Start(ctx context.Context, resource, outputPath string, opts StartOptions) (Handle, error)

	// Poll returns the latest known status without blocking on the
	// transfer itself.
	Poll(ctx context.Context, h Handle) (Status, error)

	// Cancel requests termination. It is idempotent; no further
	// progress is reported for the handle afterward.
	Cancel(ctx context.Context, h Handle) error
}

// SessionResumer is implemented by adapters whose engine keeps transfer
// sessions across restarts and can re-attach to them.
type SessionResumer interface {
	// Resume tries to re-attach to an existing engine session for the
	// resource. The second return is false when no session exists.
	Resume(ctx context.Context, resource, outputPath string) (Handle, bool, error)
}
