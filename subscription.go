package procevents

// setListening subscribes the transport to process events (enabled) or
// unsubscribes it. The kernel only multicasts events while at least one
// listener is subscribed.
func setListening(t Transport, enabled bool) error {
	op := mcastIgnore
	if enabled {
		op = mcastListen
	}

	err := t.Send(encodeControl(t.PortID(), op))
	if err != nil {
		return &SubscriptionError{Enable: enabled, Err: err}
	}
	return nil
}
