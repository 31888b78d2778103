package relay

// Observer receives relay events, typically to feed metrics.
type Observer interface {
	SessionOpened()
	FrameForwarded()
	FrameDropped()
	KeepAliveSent()
	PlaceholderSent()
	SessionClosed(reason CloseReason)
}

type nopObserver struct{}

func (nopObserver) SessionOpened()            {}
func (nopObserver) FrameForwarded()           {}
func (nopObserver) FrameDropped()             {}
func (nopObserver) KeepAliveSent()            {}
func (nopObserver) PlaceholderSent()          {}
func (nopObserver) SessionClosed(CloseReason) {}
