package connmgr

import (
	"github.com/stretchr/testify/require"
	"testing"
)

func TestWhenDone(t *testing.T) {
	resp := &PendingResponse{}
	cond := WhenDone(resp)
	require.False(t, cond.ShouldStop())

	resp.setActive()
	require.False(t, cond.ShouldStop())

	resp.resolve(nil)
	require.True(t, cond.ShouldStop())
}

func TestWhenAllDone(t *testing.T) {
	resolved := &PendingResponse{}
	resolved.setActive()
	resolved.resolve(nil)

	expired := &PendingResponse{}
	expired.setActive()
	expired.expire()

	active := &PendingResponse{}
	active.setActive()

	cond := WhenAllDone(resolved, expired, active)
	require.False(t, cond.ShouldStop())

	// Either terminal status counts as done
	require.True(t, WhenAllDone(resolved, expired).ShouldStop())
	require.True(t, WhenAllDone().ShouldStop())
}

func TestNever(t *testing.T) {
	require.False(t, Never().ShouldStop())
}

func TestStoppingConditionFunc(t *testing.T) {
	stop := false
	cond := StoppingConditionFunc(func() bool {
		return stop
	})
	require.False(t, cond.ShouldStop())
	stop = true
	require.True(t, cond.ShouldStop())
}
