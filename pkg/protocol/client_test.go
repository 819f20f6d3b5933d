package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockTransport captures sent requests and optionally fails sends.
type mockTransport struct {
	mu      sync.Mutex
	sent    []*Request
	sendErr error
}

func (m *mockTransport) Send(_ context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, req)
	return nil
}

func (m *mockTransport) last() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

func TestCallResolvesOnResponse(t *testing.T) {
	tr := &mockTransport{}
	c := NewClient(ClientConfig{}, tr)

	done := make(chan struct{})
	var result json.RawMessage
	var callErr error
	go func() {
		defer close(done)
		result, callErr = c.Call(context.Background(), "task.run", nil, time.Second)
	}()

	req := waitForRequest(t, tr)
	c.HandleResponse(&Response{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)})

	<-done
	if callErr != nil {
		t.Fatalf("Call returned error: %v", callErr)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s, want {\"ok\":true}", result)
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d after settlement, want 0", c.Pending())
	}
}

func TestCallRejectsOnErrorResponse(t *testing.T) {
	tr := &mockTransport{}
	c := NewClient(ClientConfig{}, tr)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "task.run", nil, time.Second)
		done <- err
	}()

	req := waitForRequest(t, tr)
	c.HandleResponse(&Response{ID: req.ID, Error: &ErrorObject{Code: CodeInternal, Message: "boom"}})

	err := <-done
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *CallError", err)
	}
	if ce.Code != CodeInternal {
		t.Errorf("code = %s, want %s", ce.Code, CodeInternal)
	}
}

func TestCallTimesOutAndLateReplyIsNoop(t *testing.T) {
	tr := &mockTransport{}
	c := NewClient(ClientConfig{}, tr)

	_, err := c.Call(context.Background(), "task.run", nil, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d after timeout, want 0", c.Pending())
	}

	// Late reply arrives after the call already settled; must be a no-op.
	req := tr.last()
	if req == nil {
		t.Fatal("no request captured")
	}
	c.HandleResponse(&Response{ID: req.ID, Result: json.RawMessage(`"late"`)})
	if c.Pending() != 0 {
		t.Errorf("pending = %d after late reply, want 0", c.Pending())
	}
}

func TestCallCancelledByContext(t *testing.T) {
	tr := &mockTransport{}
	c := NewClient(ClientConfig{}, tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "task.run", nil, time.Minute)
		done <- err
	}()

	waitForRequest(t, tr)
	cancel()

	err := <-done
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}
}

func TestBackpressureRejectsAtCeiling(t *testing.T) {
	tr := &mockTransport{}
	c := NewClient(ClientConfig{MaxPending: 2}, tr)

	for i := 0; i < 2; i++ {
		go func() {
			_, _ = c.Call(context.Background(), "task.run", nil, time.Minute)
		}()
	}
	waitFor(t, func() bool { return c.Pending() == 2 })

	_, err := c.Call(context.Background(), "task.run", nil, time.Minute)
	if !errors.Is(err, ErrTooManyPending) {
		t.Fatalf("error = %v, want ErrTooManyPending", err)
	}

	c.Disconnect()
}

func TestDisconnectRejectsAllPending(t *testing.T) {
	tr := &mockTransport{}
	c := NewClient(ClientConfig{}, tr)

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Call(context.Background(), "task.run", nil, time.Minute)
			errs <- err
		}()
	}
	waitFor(t, func() bool { return c.Pending() == n })

	c.Disconnect()

	for i := 0; i < n; i++ {
		if err := <-errs; !errors.Is(err, ErrConnectionLost) {
			t.Errorf("error = %v, want ErrConnectionLost", err)
		}
	}

	// New calls after disconnect fail immediately.
	if _, err := c.Call(context.Background(), "task.run", nil, time.Second); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("post-disconnect error = %v, want ErrConnectionLost", err)
	}
}

func TestSendFailureSettlesCall(t *testing.T) {
	tr := &mockTransport{sendErr: fmt.Errorf("pipe closed")}
	c := NewClient(ClientConfig{}, tr)

	_, err := c.Call(context.Background(), "task.run", nil, time.Minute)
	if err == nil {
		t.Fatal("Call succeeded despite send failure")
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d, want 0", c.Pending())
	}
}

func TestIDsAreUnique(t *testing.T) {
	c := NewClient(ClientConfig{}, &mockTransport{})

	seen := make(map[string]bool)
	c.mu.Lock()
	for i := 0; i < 1000; i++ {
		id := c.nextID()
		if seen[id] {
			c.mu.Unlock()
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
	c.mu.Unlock()
}

func TestSettleIsExactlyOnce(t *testing.T) {
	tr := &mockTransport{}
	c := NewClient(ClientConfig{}, tr)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "task.run", nil, time.Minute)
		done <- err
	}()

	req := waitForRequest(t, tr)

	// Race a successful reply against an error reply for the same id. Exactly
	// one settles the call; the other must be a silent no-op.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.HandleResponse(&Response{ID: req.ID, Result: json.RawMessage(`1`)})
	}()
	go func() {
		defer wg.Done()
		c.HandleResponse(&Response{ID: req.ID, Error: &ErrorObject{Code: CodeInternal, Message: "x"}})
	}()
	wg.Wait()

	<-done
	if c.Pending() != 0 {
		t.Errorf("pending = %d, want 0", c.Pending())
	}
}

// waitForRequest polls until the transport has captured a request.
func waitForRequest(t *testing.T, tr *mockTransport) *Request {
	t.Helper()
	var req *Request
	waitFor(t, func() bool {
		req = tr.last()
		return req != nil
	})
	return req
}

// waitFor polls cond up to a second.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}
