// Package replay carries queued operations back to the remote API once
// connectivity returns. The engine only sees the Replayer interface; the
// web profile replays over HTTP and the mobile profile dispatches through
// per-type handlers injected by the host application.
package replay

import (
	"context"

	"kiaansync/internal/models"
)

// Replayer re-issues a previously queued operation against the remote API.
// An error return means the attempt failed and the operation stays queued
// until its retry budget is exhausted.
type Replayer interface {
	Replay(ctx context.Context, op models.QueuedOperation) error
}

// Func adapts a plain function to the Replayer interface.
type Func func(ctx context.Context, op models.QueuedOperation) error

func (f Func) Replay(ctx context.Context, op models.QueuedOperation) error {
	return f(ctx, op)
}
