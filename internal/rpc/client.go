// Package rpc implements the line-delimited JSON-RPC transport that sigd
// speaks with the signal-cli subprocess over its stdio streams.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// MaxPendingCalls is the hard cap on outstanding requests. A wedged
	// peer makes calls fail fast instead of queuing indefinitely.
	MaxPendingCalls = 100
	// DefaultCallTimeout bounds how long a single call waits for its response.
	DefaultCallTimeout = 30 * time.Second
	// MaxLineBytes caps the receive buffer. A stalled peer that never sends
	// a newline loses the oldest partial bytes, not the process.
	MaxLineBytes = 1 << 20
)

var (
	// ErrDisconnected is returned when no subprocess stream is attached,
	// and is the rejection reason for calls pending at disconnect.
	ErrDisconnected = errors.New("rpc: disconnected")
	// ErrTimeout is returned when a call's response does not arrive in time.
	ErrTimeout = errors.New("rpc: call timed out")
	// ErrTooManyPending is returned when the correlation table is at capacity.
	ErrTooManyPending = errors.New("rpc: too many pending calls")
)

// Error is a JSON-RPC error object carried in a response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NotificationHandler receives server-initiated notifications (objects with
// a method and no id).
type NotificationHandler func(method string, params json.RawMessage)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      string `json:"id"`
	Params  any    `json:"params,omitempty"`
}

// wireMessage is the permissive decode target for anything the peer writes.
// Responses carry an id; notifications carry a method and no id.
type wireMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

type callResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	done  chan callResult
	timer *time.Timer
}

// Client owns the correlation table and the subprocess's input stream.
// The output stream is consumed by ReadFrom, typically in its own goroutine.
type Client struct {
	logger *zap.Logger

	// wmu serializes wire writes so concurrent calls cannot interleave
	// lines. It is never held together with mu: a blocked pipe must not
	// stall timeouts or Detach.
	wmu sync.Mutex

	mu      sync.Mutex
	w       io.Writer // nil while detached
	notify  NotificationHandler
	pending map[string]*pendingCall
	nextID  uint64

	// Overridable in tests.
	callTimeout time.Duration
	maxPending  int
	maxLine     int
}

// NewClient creates a client with no stream attached. Calls fail with
// ErrDisconnected until Attach is called.
func NewClient(logger *zap.Logger) *Client {
	return &Client{
		logger:      logger,
		pending:     make(map[string]*pendingCall),
		callTimeout: DefaultCallTimeout,
		maxPending:  MaxPendingCalls,
		maxLine:     MaxLineBytes,
	}
}

// OnNotification sets the handler for inbound notifications.
func (c *Client) OnNotification(fn NotificationHandler) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// Attach sets the writer for outbound requests (the subprocess stdin).
func (c *Client) Attach(w io.Writer) {
	c.mu.Lock()
	c.w = w
	c.mu.Unlock()
}

// Detach clears the writer and rejects every pending call with reason.
// Rejection is atomic with respect to in-flight resolves: a response racing
// with Detach either wins the table entry or finds it gone.
func (c *Client) Detach(reason error) {
	if reason == nil {
		reason = ErrDisconnected
	}
	c.mu.Lock()
	c.w = nil
	rejected := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range rejected {
		call.timer.Stop()
		call.done <- callResult{err: reason}
	}
}

// Call sends a request and waits for the correlated response. It fails
// without touching the wire if no stream is attached or the correlation
// table is at capacity.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.w == nil {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	if len(c.pending) >= c.maxPending {
		c.mu.Unlock()
		return nil, ErrTooManyPending
	}

	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	data, err := json.Marshal(request{JSONRPC: "2.0", Method: method, ID: id, Params: params})
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("encode request: %w", err)
	}

	call := &pendingCall{done: make(chan callResult, 1)}
	call.timer = time.AfterFunc(c.callTimeout, func() {
		c.finish(id, callResult{err: ErrTimeout})
	})
	c.pending[id] = call
	w := c.w
	c.mu.Unlock()

	// The write runs in its own goroutine: a peer that stops draining
	// stdin wedges the write, and the call must still be able to time
	// out and Detach must still be able to reject it.
	go func() {
		c.wmu.Lock()
		_, werr := w.Write(append(data, '\n'))
		c.wmu.Unlock()
		if werr != nil {
			c.finish(id, callResult{err: fmt.Errorf("write request: %w", werr)})
		}
	}()

	select {
	case res := <-call.done:
		return res.payload, res.err
	case <-ctx.Done():
		c.drop(id)
		return nil, ctx.Err()
	}
}

// finish resolves a pending call by id. Responses with unknown ids are
// silently ignored; a timeout racing a response loses if the entry is gone.
func (c *Client) finish(id string, res callResult) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	call.timer.Stop()
	call.done <- res
}

// drop removes a pending call without delivering a result.
func (c *Client) drop(id string) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		call.timer.Stop()
	}
}

// PendingCalls returns the current size of the correlation table.
func (c *Client) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ReadFrom consumes the subprocess output stream until EOF or read error,
// splitting it into lines and dispatching responses and notifications.
// Malformed lines are dropped, never fatal.
func (c *Client) ReadFrom(r io.Reader) error {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, rerr := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = c.drainLines(buf)
			if len(buf) > c.maxLine {
				// Lossy-but-bounded recovery: keep the most recent
				// window, discard the partial prefix.
				c.logger.Warn("receive buffer overflow, discarding partial prefix",
					zap.Int("dropped_bytes", len(buf)-c.maxLine))
				n := copy(buf, buf[len(buf)-c.maxLine:])
				buf = buf[:n]
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

func (c *Client) drainLines(buf []byte) []byte {
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return buf
		}
		c.handleLine(buf[:i])
		n := copy(buf, buf[i+1:])
		buf = buf[:n]
	}
}

func (c *Client) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if line[0] != '{' {
		c.logger.Debug("dropping non-JSON line", zap.Int("bytes", len(line)))
		return
	}
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Debug("dropping unparsable line", zap.Error(err))
		return
	}

	if id, ok := idKey(msg.ID); ok {
		res := callResult{payload: msg.Result}
		if msg.Error != nil {
			res = callResult{err: msg.Error}
		}
		c.finish(id, res)
		return
	}

	if msg.Method == "" {
		c.logger.Debug("dropping object with neither id nor method")
		return
	}
	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()
	if notify != nil {
		notify(msg.Method, msg.Params)
	}
}

// idKey normalizes a response id. We send ids as decimal strings, but the
// peer may echo them back as either a JSON string or a bare number.
func idKey(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}
	return string(raw), true
}
