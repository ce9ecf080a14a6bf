package courier

import "errors"

// Sentinel errors for the courier domain.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrBadRequest   = errors.New("bad request")
	ErrUnknownTask  = errors.New("unknown task")
	ErrQueueFull    = errors.New("ready queue full")
	ErrQueueClosed  = errors.New("ready queue closed")
	ErrPoolClosed   = errors.New("executor pool closed")
	ErrRateLimited  = errors.New("rate limited")
)
