package workerpool

import "errors"

// ErrStopped is returned by Enqueue once the pool has been closed.
var ErrStopped = errors.New("workerpool: pool is stopped")
