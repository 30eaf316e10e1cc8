//go:build !release

package testutils

import (
	"github.com/lyager/rpcz/common"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func WaitUntil(t *testing.T, predicate Predicate) {
	t.Helper()
	WaitUntilWithDur(t, predicate, 10*time.Second)
}

func WaitUntilWithDur(t *testing.T, predicate Predicate, timeout time.Duration) {
	t.Helper()
	complete, err := WaitUntilWithError(predicate, timeout, time.Millisecond)
	require.NoError(t, err)
	require.True(t, complete, "timed out waiting for predicate")
}

type Predicate func() (bool, error)

func WaitUntilWithError(predicate Predicate, timeout time.Duration, sleepTime time.Duration) (bool, error) {
	start := time.Now()
	for {
		complete, err := predicate()
		if err != nil {
			return false, err
		}
		if complete {
			return true, nil
		}
		time.Sleep(sleepTime)
		if time.Since(start) >= timeout {
			return false, nil
		}
	}
}

// WaitForRunningGRs waits until the tracked goroutine count has dropped back
// to count. Tests capture common.RunningGRCount before starting managers and
// servers, then call this after stopping them to catch leaked goroutines.
func WaitForRunningGRs(t *testing.T, count int64) {
	t.Helper()
	WaitUntil(t, func() (bool, error) {
		return common.RunningGRCount() <= count, nil
	})
}
