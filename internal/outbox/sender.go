package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rfagundes/sigd/internal/bus"
	"github.com/rfagundes/sigd/internal/signal"
	"github.com/rfagundes/sigd/internal/status"
	"github.com/rfagundes/sigd/internal/styled"
	"go.uber.org/zap"
)

// Caller issues RPC requests; satisfied by *rpc.Client.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Sender delivers outbound messages over the transport, falling back to
// the queue when the transport is down or a send fails. A flush runs every
// time the transport reports healthy.
type Sender struct {
	client  Caller
	machine *status.Machine
	queue   *Queue
	bus     *bus.Bus
	logger  *zap.Logger

	unsubscribe func()
	done        chan struct{}
}

// NewSender creates a sender over the given transport and queue.
func NewSender(client Caller, machine *status.Machine, queue *Queue, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		client:  client,
		machine: machine,
		queue:   queue,
		bus:     b,
		logger:  logger,
	}
}

// Start subscribes to transport recovery events and flushes the backlog
// on each one.
func (s *Sender) Start() {
	ch, unsub := s.bus.Subscribe("transport.healthy", 4)
	s.unsubscribe = unsub
	s.done = make(chan struct{})
	go func() {
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				s.Flush(context.Background())
			case <-s.done:
				return
			}
		}
	}()
}

// Stop cancels the recovery subscription.
func (s *Sender) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
}

// Send delivers text (with optional attachments) to a conversation. While
// the transport is down, or when the wire call fails, the message is
// buffered instead; buffering is not an error to the caller.
func (s *Sender) Send(ctx context.Context, chat signal.ChatIdentity, text string, attachmentPaths []string) error {
	entry := Entry{
		ClientID:    uuid.NewString(),
		Chat:        chat,
		Text:        text,
		Attachments: attachmentPaths,
	}
	if s.machine.Current() != status.Healthy {
		s.enqueue(entry, "transport not healthy")
		return nil
	}
	if err := s.deliver(ctx, entry); err != nil {
		s.logger.Warn("send failed, buffering message",
			zap.String("client_id", entry.ClientID),
			zap.String("chat", chat.String()), zap.Error(err))
		s.bus.Publish(bus.Event{Kind: "message.send_failed", Timestamp: time.Now(), Payload: entry})
		s.enqueue(entry, "send failed")
		return nil
	}
	return nil
}

// Flush drains the backlog in FIFO order. It processes at most the number
// of entries buffered when the flush started, so messages queued during
// the flush (including its own failed deliveries, which re-enter through
// the normal enqueue path) wait for the next one. Only losing the healthy
// transport stops a flush early.
func (s *Sender) Flush(ctx context.Context) {
	n := s.queue.Len()
	if n == 0 {
		return
	}
	s.logger.Info("flushing outbox", zap.Int("pending", n))
	for i := 0; i < n; i++ {
		if s.machine.Current() != status.Healthy {
			return
		}
		entry, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		if err := s.deliver(ctx, entry); err != nil {
			s.logger.Warn("flush delivery failed",
				zap.String("client_id", entry.ClientID), zap.Error(err))
			s.bus.Publish(bus.Event{Kind: "message.send_failed", Timestamp: time.Now(), Payload: entry})
			s.enqueue(entry, "flush delivery failed")
		}
	}
}

func (s *Sender) enqueue(entry Entry, reason string) {
	s.queue.Enqueue(entry)
	s.logger.Debug("message buffered",
		zap.String("client_id", entry.ClientID),
		zap.String("chat", entry.Chat.String()),
		zap.String("reason", reason))
	s.bus.Publish(bus.Event{Kind: "message.queued", Timestamp: time.Now(), Payload: entry})
}

func (s *Sender) deliver(ctx context.Context, entry Entry) error {
	plain, spans := styled.Parse(entry.Text)
	params := map[string]any{
		"message": plain,
	}
	if entry.Chat.IsGroup() {
		params["groupId"] = entry.Chat.Raw()
	} else {
		params["recipient"] = []string{entry.Chat.Raw()}
	}
	if len(spans) > 0 {
		wire := make([]string, len(spans))
		for i, sp := range spans {
			wire[i] = sp.Wire()
		}
		params["textStyle"] = wire
	}
	if len(entry.Attachments) > 0 {
		params["attachments"] = entry.Attachments
	}

	if _, err := s.client.Call(ctx, "send", params); err != nil {
		return err
	}
	s.bus.Publish(bus.Event{Kind: "message.sent", Timestamp: time.Now(), Payload: entry})
	return nil
}
