package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/telnet2/patchsync/pkg/types"
)

// HeartbeatEvent is the Type given to ": heartbeat" comment frames.
const HeartbeatEvent = "heartbeat"

// SSEEvent is one frame of a text/event-stream response.
type SSEEvent struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Patch decodes a patch frame.
func (evt *SSEEvent) Patch() (*types.SequencedPatch, error) {
	var sp types.SequencedPatch
	if err := json.Unmarshal(evt.Data, &sp); err != nil {
		return nil, err
	}
	return &sp, nil
}

// SSEClient reads one event stream in the background.
type SSEClient struct {
	BaseURL    string
	HTTPClient *http.Client

	mu     sync.Mutex
	events chan SSEEvent
	err    error
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
}

// NewSSEClient creates a client for streams of the server at baseURL.
func NewSSEClient(baseURL string) *SSEClient {
	return &SSEClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		events:     make(chan SSEEvent, 1024),
	}
}

// Connect opens path and starts reading frames. It fails unless the server
// answers 200 with an event stream.
func (c *SSEClient) Connect(ctx context.Context, path string, opts ...RequestOption) error {
	ctx, cancel := context.WithCancel(ctx)
	c.ctx, c.cancel = ctx, cancel

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return fmt.Errorf("unexpected content type: %s", ct)
	}

	c.body = resp.Body
	go c.read(resp.Body)
	return nil
}

func (c *SSEClient) read(body io.Reader) {
	defer close(c.events)

	reader := bufio.NewReader(body)
	var evt SSEEvent
	var data []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				evt.Data = json.RawMessage(strings.Join(data, "\n"))
				c.deliver(evt)
			}
			evt, data = SSEEvent{}, nil
		case strings.HasPrefix(line, ":"):
			c.deliver(SSEEvent{Type: HeartbeatEvent})
		case strings.HasPrefix(line, "id:"):
			evt.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			evt.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

// deliver drops heartbeats rather than block when nobody is reading.
func (c *SSEClient) deliver(evt SSEEvent) {
	if evt.Type == HeartbeatEvent {
		select {
		case c.events <- evt:
		default:
		}
		return
	}
	select {
	case c.events <- evt:
	case <-c.ctx.Done():
	}
}

// WaitForEvent returns the next frame with the given event name, skipping
// any other frames.
func (c *SSEClient) WaitForEvent(eventType string, timeout time.Duration) (*SSEEvent, error) {
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-c.events:
			if !ok {
				return nil, c.closedErr()
			}
			if evt.Type == eventType {
				return &evt, nil
			}
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event: %s", eventType)
		}
	}
}

// WaitForHeartbeat waits for a keep-alive comment.
func (c *SSEClient) WaitForHeartbeat(timeout time.Duration) error {
	_, err := c.WaitForEvent(HeartbeatEvent, timeout)
	return err
}

func (c *SSEClient) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("connection closed: %w", c.err)
	}
	return errors.New("connection closed")
}

// Close ends the stream.
func (c *SSEClient) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.body != nil {
		c.body.Close()
	}
}
