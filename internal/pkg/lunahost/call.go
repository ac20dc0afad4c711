package lunahost

import (
	"errors"
	"sync"

	"luna-probe/internal/pkg/luna"
)

// ErrAlreadyReplied is returned when a call is answered twice
var ErrAlreadyReplied = errors.New("call already replied")

// Call is one inbound request handed to a method pipeline
type Call struct {
	host *Host
	req  *luna.Request

	mu      sync.Mutex
	replied bool
}

// Request returns the wire request
func (c *Call) Request() *luna.Request {
	return c.req
}

// Params returns the request payload
func (c *Call) Params() string {
	return c.req.Payload
}

// Method returns the called method
func (c *Call) Method() string {
	return c.req.Method
}

// WantsSubscription reports whether the caller asked for a subscription
func (c *Call) WantsSubscription() bool {
	return c.req.Subscribe
}

// Replied reports whether the call has been answered
func (c *Call) Replied() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replied
}

func (c *Call) markReplied() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replied {
		return ErrAlreadyReplied
	}
	c.replied = true
	return nil
}

// Reply answers the call once
func (c *Call) Reply(payload string) error {
	if err := c.markReplied(); err != nil {
		return err
	}
	return c.host.reply(c.req, payload)
}

// Subscribe answers the call and registers the caller for Notify on the
// call's method. No notification can reach the caller before this reply.
func (c *Call) Subscribe(payload string) error {
	if err := c.markReplied(); err != nil {
		return err
	}
	return c.host.subscribe(c.req, payload)
}
