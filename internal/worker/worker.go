// Package worker provides the background workers of the dispatcher: the
// mediator that drains the ready queue, and the housekeeping workers around it.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
