package connmgr

// StoppingCondition tells WaitUntil when to return. It is evaluated on the
// waiting goroutine, once before draining and again after every completion,
// so it can safely inspect state the closures mutate.
type StoppingCondition interface {
	ShouldStop() bool
}

// StoppingConditionFunc adapts a plain func to a StoppingCondition.
type StoppingConditionFunc func() bool

func (f StoppingConditionFunc) ShouldStop() bool {
	return f()
}

// WhenDone stops waiting once resp is terminal.
func WhenDone(resp *PendingResponse) StoppingCondition {
	return StoppingConditionFunc(func() bool {
		return resp.Terminal()
	})
}

// WhenAllDone stops waiting once every response is terminal.
func WhenAllDone(resps ...*PendingResponse) StoppingCondition {
	return StoppingConditionFunc(func() bool {
		for _, resp := range resps {
			if !resp.Terminal() {
				return false
			}
		}
		return true
	})
}

// Never keeps WaitUntil draining until the process stop is requested. Use it
// for goroutines that exist only to run closures.
func Never() StoppingCondition {
	return StoppingConditionFunc(func() bool {
		return false
	})
}
