package common

import (
	"sync/atomic"
)

var runningGRs int64

// Go spawns a goroutine and counts it until it returns. Connection managers
// spawn their worker and routing goroutines through here so tests can verify
// everything has been joined after Stop.
func Go(f func()) {
	atomic.AddInt64(&runningGRs, 1)
	go func() {
		defer atomic.AddInt64(&runningGRs, -1)
		f()
	}()
}

func RunningGRCount() int64 {
	return atomic.LoadInt64(&runningGRs)
}
