package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// pipeClient attaches the client to an in-memory pipe and returns a scanner
// over the request stream, so tests can observe exactly what hits the wire.
func pipeClient(t *testing.T) (*Client, *bufio.Scanner) {
	t.Helper()
	c := NewClient(zap.NewNop())
	pr, pw := io.Pipe()
	c.Attach(pw)
	t.Cleanup(func() { _ = pr.Close(); _ = pw.Close() })
	return c, bufio.NewScanner(pr)
}

func readRequest(t *testing.T, scanner *bufio.Scanner) (id, method string) {
	t.Helper()
	if !scanner.Scan() {
		t.Fatalf("no request on wire: %v", scanner.Err())
	}
	var req struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Method  string `json:"method"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		t.Fatalf("request not JSON: %v (%s)", err, scanner.Text())
	}
	if req.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q, want 2.0", req.JSONRPC)
	}
	return req.ID, req.Method
}

func TestCallResolvedByResponse(t *testing.T) {
	c, scanner := pipeClient(t)

	type outcome struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		payload, err := c.Call(context.Background(), "version", nil)
		done <- outcome{payload, err}
	}()

	id, method := readRequest(t, scanner)
	if method != "version" {
		t.Errorf("method = %q, want version", method)
	}
	c.handleLine(fmt.Appendf(nil, `{"id":%q,"result":{"version":"0.13"}}`, id))

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("Call() error = %v", out.err)
		}
		if !strings.Contains(string(out.payload), "0.13") {
			t.Errorf("payload = %s", out.payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for call")
	}
}

func TestResponsesMatchedByIDNotOrder(t *testing.T) {
	c, scanner := pipeClient(t)

	results := make(map[string]string)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, method := range []string{"first", "second"} {
		method := method
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, err := c.Call(context.Background(), method, nil)
			if err != nil {
				t.Errorf("Call(%s) error = %v", method, err)
				return
			}
			mu.Lock()
			results[method] = string(payload)
			mu.Unlock()
		}()
	}

	idA, methodA := readRequest(t, scanner)
	idB, methodB := readRequest(t, scanner)

	// Complete the second-issued call before the first.
	c.handleLine(fmt.Appendf(nil, `{"id":%q,"result":"for-%s"}`, idB, methodB))
	c.handleLine(fmt.Appendf(nil, `{"id":%q,"result":"for-%s"}`, idA, methodA))
	wg.Wait()

	for _, method := range []string{"first", "second"} {
		if want := fmt.Sprintf("%q", "for-"+method); results[method] != want {
			t.Errorf("result for %s = %s, want %s", method, results[method], want)
		}
	}
}

func TestNumericResponseIDMatched(t *testing.T) {
	c, scanner := pipeClient(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "version", nil)
		done <- err
	}()

	id, _ := readRequest(t, scanner)
	// signal-cli may echo a string id back as a bare number.
	c.handleLine(fmt.Appendf(nil, `{"id":%s,"result":{}}`, id))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("numeric id response did not resolve the call")
	}
}

func TestErrorResponse(t *testing.T) {
	c, scanner := pipeClient(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "send", map[string]any{"recipient": []string{"+1"}})
		done <- err
	}()

	id, _ := readRequest(t, scanner)
	c.handleLine(fmt.Appendf(nil, `{"id":%q,"error":{"code":-32602,"message":"invalid recipient"}}`, id))

	err := <-done
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error type = %T (%v), want *rpc.Error", err, err)
	}
	if rpcErr.Code != -32602 {
		t.Errorf("code = %d, want -32602", rpcErr.Code)
	}
}

func TestCallTimeout(t *testing.T) {
	c, scanner := pipeClient(t)
	c.callTimeout = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "version", nil)
		done <- err
	}()
	readRequest(t, scanner)

	select {
	case err := <-done:
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("error = %v, want ErrTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not time out")
	}
	if n := c.PendingCalls(); n != 0 {
		t.Errorf("pending after timeout = %d, want 0", n)
	}
}

// countingWriter records writes without blocking.
type countingWriter struct {
	mu     sync.Mutex
	writes int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.writes++
	w.mu.Unlock()
	return len(p), nil
}

func (w *countingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

func TestPendingCapRejectsWithoutWrite(t *testing.T) {
	c := NewClient(zap.NewNop())
	c.maxPending = 1
	w := &countingWriter{}
	c.Attach(w)

	first := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "send", nil)
		first <- err
	}()

	// Wait for the first call to occupy the table.
	deadline := time.Now().Add(2 * time.Second)
	for c.PendingCalls() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("first call never registered")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := c.Call(context.Background(), "send", nil)
	if !errors.Is(err, ErrTooManyPending) {
		t.Fatalf("error = %v, want ErrTooManyPending", err)
	}
	// The accepted call's write lands asynchronously; the rejected call
	// never spawns one, so the count can only ever reach 1.
	for w.count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("writes = %d, want 1 (rejected call must not touch the wire)", w.count())
		}
		time.Sleep(time.Millisecond)
	}

	c.Detach(nil)
	if err := <-first; !errors.Is(err, ErrDisconnected) {
		t.Errorf("first call error = %v, want ErrDisconnected", err)
	}
}

// stalledWriter blocks every Write until released, like a subprocess that
// stopped draining its stdin.
type stalledWriter struct {
	release chan struct{}
}

func (w *stalledWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

func TestBlockedWriteStillTimesOut(t *testing.T) {
	c := NewClient(zap.NewNop())
	c.callTimeout = 20 * time.Millisecond
	w := &stalledWriter{release: make(chan struct{})}
	c.Attach(w)
	defer close(w.release)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "send", nil)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("error = %v, want ErrTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call never timed out behind a stalled write")
	}
}

func TestBlockedWriteDoesNotStallDetach(t *testing.T) {
	c := NewClient(zap.NewNop())
	w := &stalledWriter{release: make(chan struct{})}
	c.Attach(w)
	defer close(w.release)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "send", nil)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.PendingCalls() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("call never registered")
		}
		time.Sleep(time.Millisecond)
	}

	detached := make(chan struct{})
	go func() {
		c.Detach(nil)
		close(detached)
	}()
	select {
	case <-detached:
	case <-time.After(2 * time.Second):
		t.Fatal("Detach blocked behind the stalled write")
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("error = %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not rejected while write was stalled")
	}
}

func TestCallWithoutStream(t *testing.T) {
	c := NewClient(zap.NewNop())
	_, err := c.Call(context.Background(), "version", nil)
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("error = %v, want ErrDisconnected", err)
	}
}

func TestDetachRejectsPending(t *testing.T) {
	c, scanner := pipeClient(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "version", nil)
		done <- err
	}()
	readRequest(t, scanner)

	c.Detach(nil)

	select {
	case err := <-done:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("error = %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not rejected on detach")
	}
}

func TestUnknownResponseIDIgnored(t *testing.T) {
	c := NewClient(zap.NewNop())
	c.handleLine([]byte(`{"id":"999","result":{}}`))
	if n := c.PendingCalls(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestMalformedLinesDropped(t *testing.T) {
	c := NewClient(zap.NewNop())
	var got []string
	c.OnNotification(func(method string, _ json.RawMessage) {
		got = append(got, method)
	})

	input := strings.Join([]string{
		"plain garbage",
		"[1,2,3]",
		`{"broken":`,
		"",
		`{"method":"receive","params":{"envelope":{}}}`,
		`{"norpc":true}`,
	}, "\n") + "\n"

	if err := c.ReadFrom(strings.NewReader(input)); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if len(got) != 1 || got[0] != "receive" {
		t.Errorf("notifications = %v, want [receive]", got)
	}
}

// chunkedReader yields each chunk from a single Read call, letting tests
// control exactly how bytes arrive without newlines.
type chunkedReader struct {
	chunks []string
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestOverflowKeepsRecentWindow(t *testing.T) {
	c := NewClient(zap.NewNop())
	c.maxLine = 8
	var got []string
	c.OnNotification(func(method string, _ json.RawMessage) {
		got = append(got, method)
	})

	r := &chunkedReader{chunks: []string{
		strings.Repeat("a", 32), // stalls without a newline, overflows the cap
		"\n" + `{"method":"receive","params":{}}` + "\n",
	}}
	if err := c.ReadFrom(r); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}

	// The truncated "aaaaaaaa" line is dropped as non-JSON; the stream
	// recovers and the following notification is still dispatched.
	if len(got) != 1 || got[0] != "receive" {
		t.Errorf("notifications = %v, want [receive]", got)
	}
}
