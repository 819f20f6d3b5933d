package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// StreamTransport sends line-delimited JSON requests over a writer, the same
// framing the coordinator uses on every cross-process channel (agent stdio
// pipes, sockets). Writes are serialized; readers run separately via
// ReadResponses.
type StreamTransport struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStreamTransport creates a transport writing to w.
func NewStreamTransport(w io.Writer) *StreamTransport {
	return &StreamTransport{w: w}
}

// Send marshals req as one JSON line.
func (t *StreamTransport) Send(_ context.Context, req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// ReadResponses reads line-delimited JSON responses from r and routes each to
// the client. It returns when r reaches EOF or errors, after calling
// client.Disconnect so no pending call is left waiting out its timeout.
// Malformed lines are skipped.
func ReadResponses(r io.Reader, client *Client) error {
	defer client.Disconnect()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		client.HandleResponse(&resp)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read responses: %w", err)
	}
	return nil
}
