package mock

import (
	"context"
	"sync"

	"github.com/nkkko/informer/internal/domain"
)

// Ensure Channel implements domain.Channel
var _ domain.Channel = (*Channel)(nil)

// Message is one message accepted by a Channel
type Message struct {
	Address string
	Text    string
}

// Channel is a delivery channel that records what it sends. Failures can be
// scripted per address; each call consumes one.
type Channel struct {
	name     string
	sent     []Message
	failures map[string][]error
	attempts map[string]int
	holds    map[string]chan struct{}
	notify   chan Message
	mu       sync.Mutex
}

// NewChannel creates a recording channel
func NewChannel(name string) *Channel {
	return &Channel{
		name:     name,
		failures: make(map[string][]error),
		attempts: make(map[string]int),
		holds:    make(map[string]chan struct{}),
		notify:   make(chan Message, 256),
	}
}

// Name returns the channel key
func (c *Channel) Name() string {
	return c.name
}

// Script queues errors returned by the next sends to address
func (c *Channel) Script(address string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[address] = append(c.failures[address], errs...)
}

// Hold makes sends to address wait until release is called
func (c *Channel) Hold(address string) (release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gate := make(chan struct{})
	c.holds[address] = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.holds, address)
			c.mu.Unlock()
			close(gate)
		})
	}
}

// SendMessage records the message or returns the next scripted error
func (c *Channel) SendMessage(ctx context.Context, address, text string) error {
	c.mu.Lock()
	c.attempts[address]++
	gate := c.holds[address]
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if errs := c.failures[address]; len(errs) > 0 {
		c.failures[address] = errs[1:]
		if errs[0] != nil {
			return errs[0]
		}
	}

	msg := Message{Address: address, Text: text}
	c.sent = append(c.sent, msg)
	select {
	case c.notify <- msg:
	default:
	}
	return nil
}

// Sent returns every recorded message
func (c *Channel) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

// SentTo returns the texts recorded for address
func (c *Channel) SentTo(address string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, m := range c.sent {
		if m.Address == address {
			out = append(out, m.Text)
		}
	}
	return out
}

// Attempts returns how many sends were tried for address
func (c *Channel) Attempts(address string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[address]
}

// Delivered yields each message as it is recorded
func (c *Channel) Delivered() <-chan Message {
	return c.notify
}
