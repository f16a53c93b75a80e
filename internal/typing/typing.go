// Package typing drives per-conversation typing indicators with periodic
// keep-alive. Signal's receiver-side indicator auto-expires after roughly
// 15 seconds, so the keepalive re-asserts it every 10.
package typing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rfagundes/sigd/internal/signal"
	"go.uber.org/zap"
)

const (
	// keepaliveEvery must fire strictly inside the receiver's ~15s expiry.
	keepaliveEvery = 10 * time.Second
	// ceiling auto-deactivates an indicator whose caller never sent a
	// matched stop, e.g. a long-idle downstream process.
	ceiling = 2 * time.Minute

	signalTimeout = 5 * time.Second
)

// Caller issues RPC requests; satisfied by *rpc.Client.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

type indicator struct {
	chat signal.ChatIdentity
	stop chan struct{}
}

// Controller tracks which conversations currently show a typing indicator.
type Controller struct {
	client  Caller
	healthy func() bool
	logger  *zap.Logger

	// Overridable in tests.
	keepaliveEvery time.Duration
	ceiling        time.Duration

	mu     sync.Mutex
	active map[string]*indicator
}

// NewController creates a controller. healthy gates every wire signal:
// typing traffic is best-effort and silently skipped while disconnected.
func NewController(client Caller, healthy func() bool, logger *zap.Logger) *Controller {
	return &Controller{
		client:         client,
		healthy:        healthy,
		logger:         logger,
		keepaliveEvery: keepaliveEvery,
		ceiling:        ceiling,
		active:         make(map[string]*indicator),
	}
}

// Start activates the indicator for a conversation: one immediate signal,
// then keepalives until Stop, the safety ceiling, or StopAll. Starting an
// already active conversation is a no-op.
func (c *Controller) Start(chat signal.ChatIdentity) {
	c.mu.Lock()
	if _, ok := c.active[chat.String()]; ok {
		c.mu.Unlock()
		return
	}
	ind := &indicator{chat: chat, stop: make(chan struct{})}
	c.active[chat.String()] = ind
	c.mu.Unlock()

	go c.run(ind)
}

// Stop deactivates the indicator and sends one stop-typing signal. It is a
// no-op if the conversation is not active or the transport is unhealthy.
func (c *Controller) Stop(chat signal.ChatIdentity) {
	c.mu.Lock()
	ind, ok := c.active[chat.String()]
	if ok {
		delete(c.active, chat.String())
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	close(ind.stop)
	c.send(chat, true)
}

// StopAll deactivates every indicator without sending stop signals; used
// at disconnect when the wire is gone anyway.
func (c *Controller) StopAll() {
	c.mu.Lock()
	indicators := c.active
	c.active = make(map[string]*indicator)
	c.mu.Unlock()
	for _, ind := range indicators {
		close(ind.stop)
	}
}

// Active reports whether a conversation currently shows the indicator.
func (c *Controller) Active(chat signal.ChatIdentity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[chat.String()]
	return ok
}

func (c *Controller) run(ind *indicator) {
	c.send(ind.chat, false)

	keepalive := time.NewTicker(c.keepaliveEvery)
	defer keepalive.Stop()
	safety := time.NewTimer(c.ceiling)
	defer safety.Stop()

	for {
		select {
		case <-keepalive.C:
			c.send(ind.chat, false)
		case <-safety.C:
			c.logger.Warn("typing indicator hit safety ceiling, deactivating",
				zap.String("chat", ind.chat.String()))
			c.Stop(ind.chat)
			return
		case <-ind.stop:
			return
		}
	}
}

func (c *Controller) send(chat signal.ChatIdentity, stop bool) {
	if c.healthy != nil && !c.healthy() {
		return
	}
	params := map[string]any{}
	if chat.IsGroup() {
		params["groupId"] = chat.Raw()
	} else {
		params["recipient"] = []string{chat.Raw()}
	}
	if stop {
		params["stop"] = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if _, err := c.client.Call(ctx, "sendTyping", params); err != nil {
		c.logger.Debug("typing signal failed", zap.String("chat", chat.String()), zap.Error(err))
	}
}
