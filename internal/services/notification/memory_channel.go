package notification

import (
	"context"
	"sync"
)

// Message is one delivery recorded by MemoryChannel.
type Message struct {
	Address string
	Subject string
	Body    string
}

// MemoryChannel records messages instead of sending them. Failures can be
// scripted for the next n sends or for every send.
type MemoryChannel struct {
	name string

	mu         sync.Mutex
	sent       []Message
	calls      int
	failNext   int
	failAlways bool
	failErr    error
}

func NewMemoryChannel(name string) *MemoryChannel {
	return &MemoryChannel{name: name}
}

func (c *MemoryChannel) Name() string { return c.name }

func (c *MemoryChannel) Send(ctx context.Context, address, subject, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failAlways {
		return c.failErr
	}
	if c.failNext > 0 {
		c.failNext--
		return c.failErr
	}
	c.sent = append(c.sent, Message{Address: address, Subject: subject, Body: body})
	return nil
}

// FailNext makes the next n sends return err.
func (c *MemoryChannel) FailNext(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
	c.failErr = err
}

// FailAlways makes every send return err until Recover is called.
func (c *MemoryChannel) FailAlways(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAlways = true
	c.failErr = err
}

func (c *MemoryChannel) Recover() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAlways = false
	c.failNext = 0
}

func (c *MemoryChannel) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// Calls counts every send, failed or not.
func (c *MemoryChannel) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
