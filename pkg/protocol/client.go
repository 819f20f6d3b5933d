package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Transport carries requests to the remote side. Responses come back through
// Client.HandleResponse, driven by whatever read loop owns the connection.
type Transport interface {
	Send(ctx context.Context, req *Request) error
}

// settlement is the single terminal outcome of a pending call.
type settlement struct {
	result json.RawMessage
	err    error
}

// pendingCall tracks one outstanding request. The timer is stored so it can
// be cancelled on every settlement path and never outlives the call.
type pendingCall struct {
	id       string
	method   string
	issuedAt time.Time
	timer    *time.Timer
	done     chan settlement // buffered, written exactly once
}

// ClientConfig holds Client configuration.
type ClientConfig struct {
	MaxPending     int           // pending-call ceiling (default 256)
	DefaultTimeout time.Duration // used when Call gets timeout <= 0 (default 30s)
}

func (c *ClientConfig) withDefaults() ClientConfig {
	out := *c
	if out.MaxPending == 0 {
		out.MaxPending = 256
	}
	if out.DefaultTimeout == 0 {
		out.DefaultTimeout = 30 * time.Second
	}
	return out
}

// Client correlates outbound asynchronous calls with their eventual
// responses. Each call is settled exactly once: reply, timeout, cancellation,
// and disconnect race by removing the pending entry atomically, and the
// losers become no-ops.
type Client struct {
	cfg       ClientConfig
	transport Transport

	mu      sync.Mutex
	pending map[string]*pendingCall
	seq     uint64
	closed  bool

	// nowFunc allows tests to control issue timestamps.
	nowFunc func() time.Time
}

// NewClient creates a Client sending over the given transport.
func NewClient(cfg ClientConfig, transport Transport) *Client {
	return &Client{
		cfg:       cfg.withDefaults(),
		transport: transport,
		pending:   make(map[string]*pendingCall),
		nowFunc:   time.Now,
	}
}

// nextID generates a collision-resistant call id from a monotonic counter
// plus a timestamp. Never a weak random source.
func (c *Client) nextID() string {
	c.seq++
	return fmt.Sprintf("%d-%d", c.seq, c.nowFunc().UnixNano())
}

// Call issues method with params and blocks until the correlated response
// arrives, the timeout elapses, the context is cancelled, or the transport
// disconnects. A timeout <= 0 uses the configured default.
func (c *Client) Call(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	if len(c.pending) >= c.cfg.MaxPending {
		c.mu.Unlock()
		return nil, fmt.Errorf("%d pending calls: %w", c.cfg.MaxPending, ErrTooManyPending)
	}
	pc := &pendingCall{
		id:       c.nextID(),
		method:   method,
		issuedAt: c.nowFunc(),
		done:     make(chan settlement, 1),
	}
	c.pending[pc.id] = pc
	pc.timer = time.AfterFunc(timeout, func() {
		c.settle(pc.id, nil, fmt.Errorf("call %s after %s: %w", method, timeout, ErrTimeout))
	})
	c.mu.Unlock()

	req := &Request{ID: pc.id, Method: method, Params: params}
	if err := c.transport.Send(ctx, req); err != nil {
		c.settle(pc.id, nil, fmt.Errorf("send %s: %w", method, err))
	}

	select {
	case <-ctx.Done():
		c.settle(pc.id, nil, fmt.Errorf("call %s: %w", method, ErrCancelled))
		s := <-pc.done
		return s.result, s.err
	case s := <-pc.done:
		return s.result, s.err
	}
}

// HandleResponse routes a response to its pending call. A response for an
// unknown id (already settled, e.g. a late reply after timeout) is a no-op.
func (c *Client) HandleResponse(resp *Response) {
	if resp.Error != nil {
		c.settle(resp.ID, nil, &CallError{
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Data:    resp.Error.Data,
		})
		return
	}
	c.settle(resp.ID, resp.Result, nil)
}

// settle removes the pending entry and delivers the outcome. The map removal
// is the atomic point: whichever of reply/timeout/cancel gets here first
// wins, and later settlements for the same id do nothing.
func (c *Client) settle(id string, result json.RawMessage, err error) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if pc.timer != nil {
			pc.timer.Stop()
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	pc.done <- settlement{result: result, err: err}
}

// Disconnect rejects all pending calls immediately with ErrConnectionLost
// instead of letting them wait out their individual timeouts. The client
// refuses new calls afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stranded := make([]*pendingCall, 0, len(c.pending))
	for id, pc := range c.pending {
		delete(c.pending, id)
		if pc.timer != nil {
			pc.timer.Stop()
		}
		stranded = append(stranded, pc)
	}
	c.mu.Unlock()

	for _, pc := range stranded {
		pc.done <- settlement{err: fmt.Errorf("call %s: %w", pc.method, ErrConnectionLost)}
	}
}

// Pending returns the number of outstanding calls.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
