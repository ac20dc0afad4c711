package bridge

// Bridge mediates calls from a page to a service on the host bus.
type Bridge interface {
	// Call dispatches payload to url. It returns once the request is on its
	// way; replies are delivered later to the current callback.
	Call(url string, payload string) error

	// SetCallback assigns the handler run for every inbound message.
	SetCallback(fn func(msg string))

	// Cancel stops the outstanding call, if any.
	Cancel() error
}

// Factory acquires a bridge. It is the only step whose failure a page handles.
type Factory func() (Bridge, error)
