//go:build deadlock

// Package syncutil provides the mutexes used by transports and the debug log.
// This file is compiled when building with -tags=deadlock.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// Mutex wraps deadlock.Mutex for deadlock detection.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex wraps deadlock.RWMutex for deadlock detection.
type RWMutex struct {
	deadlock.RWMutex
}

// DeadlockDetection reports whether this build checks for deadlocks.
const DeadlockDetection = true

// SetLockTimeout sets how long a lock may be waited on before the
// detector reports a potential deadlock. A bridge transfer can take up
// to the transport timeout, so callers pass a multiple of it.
func SetLockTimeout(d time.Duration) {
	deadlock.Opts.DeadlockTimeout = d
}
