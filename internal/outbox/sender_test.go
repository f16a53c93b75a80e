package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rfagundes/sigd/internal/bus"
	"github.com/rfagundes/sigd/internal/signal"
	"github.com/rfagundes/sigd/internal/status"
	"go.uber.org/zap"
)

type sendCall struct {
	method string
	params map[string]any
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []sendCall
	fail  int // fail the next N calls
}

func (f *fakeTransport) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{method: method, params: params.(map[string]any)})
	if f.fail > 0 {
		f.fail--
		return nil, errors.New("wire closed")
	}
	return json.RawMessage(`{"timestamp":1}`), nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) call(i int) sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func healthyMachine(t *testing.T, b *bus.Bus) *status.Machine {
	t.Helper()
	m := status.NewMachine(b)
	if err := m.Transition(status.Starting); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(status.Healthy); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestSendDirectMessage(t *testing.T) {
	b := bus.New()
	transport := &fakeTransport{}
	s := NewSender(transport, healthyMachine(t, b), NewQueue(10, zap.NewNop()), b, zap.NewNop())

	err := s.Send(context.Background(), signal.DirectIdentity("+15550199"), "hello", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if transport.count() != 1 {
		t.Fatalf("calls = %d, want 1", transport.count())
	}
	call := transport.call(0)
	if call.method != "send" {
		t.Errorf("method = %q", call.method)
	}
	if call.params["message"] != "hello" {
		t.Errorf("message = %v", call.params["message"])
	}
	rec := call.params["recipient"].([]string)
	if rec[0] != "+15550199" {
		t.Errorf("recipient = %v", rec)
	}
	if _, ok := call.params["textStyle"]; ok {
		t.Error("plain text must not carry textStyle")
	}
}

func TestSendGroupMessageWithStyles(t *testing.T) {
	b := bus.New()
	transport := &fakeTransport{}
	s := NewSender(transport, healthyMachine(t, b), NewQueue(10, zap.NewNop()), b, zap.NewNop())

	if err := s.Send(context.Background(), signal.GroupIdentity("grp-1"), "say *hi* now", nil); err != nil {
		t.Fatal(err)
	}
	call := transport.call(0)
	if call.params["groupId"] != "grp-1" {
		t.Errorf("groupId = %v", call.params["groupId"])
	}
	if call.params["message"] != "say hi now" {
		t.Errorf("stripped message = %v", call.params["message"])
	}
	styles := call.params["textStyle"].([]string)
	if len(styles) != 1 || styles[0] != "4:2:BOLD" {
		t.Errorf("textStyle = %v, want [4:2:BOLD]", styles)
	}
}

func TestSendAttachments(t *testing.T) {
	b := bus.New()
	transport := &fakeTransport{}
	s := NewSender(transport, healthyMachine(t, b), NewQueue(10, zap.NewNop()), b, zap.NewNop())

	paths := []string{"/tmp/a.jpg", "/tmp/b.pdf"}
	if err := s.Send(context.Background(), signal.DirectIdentity("+15550199"), "files", paths); err != nil {
		t.Fatal(err)
	}
	got := transport.call(0).params["attachments"].([]string)
	if len(got) != 2 || got[0] != "/tmp/a.jpg" {
		t.Errorf("attachments = %v", got)
	}
}

func TestSendBuffersWhileUnhealthy(t *testing.T) {
	b := bus.New()
	events, _ := b.Subscribe("message.", 8)
	transport := &fakeTransport{}
	q := NewQueue(10, zap.NewNop())
	s := NewSender(transport, status.NewMachine(b), q, b, zap.NewNop())

	if err := s.Send(context.Background(), signal.DirectIdentity("+15550199"), "later", nil); err != nil {
		t.Fatalf("Send() while stopped = %v", err)
	}
	if transport.count() != 0 {
		t.Error("no wire call expected while stopped")
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", q.Len())
	}
	select {
	case evt := <-events:
		if evt.Kind != "message.queued" {
			t.Errorf("event = %q, want message.queued", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no queued event published")
	}
}

func TestSendFailureBuffersAndPublishes(t *testing.T) {
	b := bus.New()
	events, _ := b.Subscribe("message.send_failed", 8)
	transport := &fakeTransport{fail: 1}
	q := NewQueue(10, zap.NewNop())
	s := NewSender(transport, healthyMachine(t, b), q, b, zap.NewNop())

	if err := s.Send(context.Background(), signal.DirectIdentity("+15550199"), "flaky", nil); err != nil {
		t.Fatalf("Send() = %v, buffering must not surface as error", err)
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", q.Len())
	}
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("no send_failed event published")
	}
}

func TestFlushDrainsInOrder(t *testing.T) {
	b := bus.New()
	transport := &fakeTransport{}
	q := NewQueue(10, zap.NewNop())
	q.Enqueue(Entry{ClientID: "1", Chat: signal.DirectIdentity("+1"), Text: "first"})
	q.Enqueue(Entry{ClientID: "2", Chat: signal.DirectIdentity("+1"), Text: "second"})
	s := NewSender(transport, healthyMachine(t, b), q, b, zap.NewNop())

	s.Flush(context.Background())

	if q.Len() != 0 {
		t.Errorf("queue len after flush = %d", q.Len())
	}
	if transport.count() != 2 {
		t.Fatalf("calls = %d, want 2", transport.count())
	}
	if transport.call(0).params["message"] != "first" || transport.call(1).params["message"] != "second" {
		t.Error("flush delivered out of order")
	}
}

func TestFlushContinuesPastFailure(t *testing.T) {
	b := bus.New()
	transport := &fakeTransport{fail: 1}
	q := NewQueue(10, zap.NewNop())
	q.Enqueue(Entry{ClientID: "1", Chat: signal.DirectIdentity("+1"), Text: "first"})
	q.Enqueue(Entry{ClientID: "2", Chat: signal.DirectIdentity("+1"), Text: "second"})
	s := NewSender(transport, healthyMachine(t, b), q, b, zap.NewNop())

	s.Flush(context.Background())

	// Both entries were attempted; the failed one re-entered the queue
	// for the next flush.
	if transport.count() != 2 {
		t.Fatalf("calls = %d, want flush to continue past a failure", transport.count())
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want only the failed entry buffered", q.Len())
	}
	head, _ := q.Dequeue()
	if head.ClientID != "1" {
		t.Errorf("requeued entry = %q, want the failed one", head.ClientID)
	}
}

func TestFlushOnRecoveryEvent(t *testing.T) {
	b := bus.New()
	transport := &fakeTransport{}
	q := NewQueue(10, zap.NewNop())
	q.Enqueue(Entry{ClientID: "1", Chat: signal.DirectIdentity("+1"), Text: "buffered"})
	s := NewSender(transport, healthyMachine(t, b), q, b, zap.NewNop())
	s.Start()
	defer s.Stop()

	b.Publish(bus.Event{Kind: "transport.healthy", Timestamp: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for q.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("backlog not flushed after recovery event")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if transport.count() != 1 {
		t.Errorf("calls = %d, want 1", transport.count())
	}
}
