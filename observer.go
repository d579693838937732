package attachqueue

// Observer is an optional observation hook: the core does not log
// user-visibly, so this is how a host application or test suite observes
// transitions without depending on log output. A Queue's default Observer is
// a no-op.
type Observer interface {
	// OnTransition fires after a committed state transition, including the
	// initial insert (from == "").
	OnTransition(a Attachment, from, to State)
}

type noopObserver struct{}

func (noopObserver) OnTransition(Attachment, State, State) {}
