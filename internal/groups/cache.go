// Package groups caches group metadata fetched from signal-cli so routing
// and display code can resolve group names and membership without a wire
// round-trip per message.
package groups

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rfagundes/sigd/internal/bus"
	"go.uber.org/zap"
)

// DefaultRefreshInterval is how often the cache re-fetches group metadata
// while the transport stays healthy.
const DefaultRefreshInterval = 5 * time.Minute

const refreshTimeout = 30 * time.Second

// Caller issues RPC requests; satisfied by *rpc.Client.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// NameSource resolves a contact identifier to a display name; satisfied by
// the store registry. An empty result means unknown.
type NameSource interface {
	ContactName(id string) string
}

// Member is one group participant.
type Member struct {
	ID    string
	Name  string
	Admin bool
}

// Group is cached metadata for one group.
type Group struct {
	ID          string
	Name        string
	Description string
	Members     []Member
}

type wireMember struct {
	Number string `json:"number"`
	UUID   string `json:"uuid"`
}

type wireGroup struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Members     []wireMember `json:"members"`
	Admins      []wireMember `json:"admins"`
}

// Cache holds the current group metadata snapshot. Refresh replaces the
// snapshot wholesale; a failed fetch leaves the previous one intact.
type Cache struct {
	client   Caller
	names    NameSource
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	mu     sync.RWMutex
	groups map[string]Group

	done        chan struct{}
	unsubscribe func()
}

// NewCache creates an empty cache. interval <= 0 means DefaultRefreshInterval.
func NewCache(client Caller, names NameSource, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Cache {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Cache{
		client:   client,
		names:    names,
		bus:      b,
		logger:   logger,
		interval: interval,
		groups:   make(map[string]Group),
	}
}

// Start refreshes on every transport recovery and then periodically.
func (c *Cache) Start() {
	ch, unsub := c.bus.Subscribe("transport.healthy", 4)
	c.unsubscribe = unsub
	c.done = make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				c.refresh()
			case <-ticker.C:
				c.refresh()
			case <-c.done:
				return
			}
		}
	}()
}

// Stop cancels the refresh loop.
func (c *Cache) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
}

func (c *Cache) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("group metadata refresh failed", zap.Error(err))
	}
}

// Refresh fetches the group list and swaps the snapshot. On error the
// previous snapshot is kept.
func (c *Cache) Refresh(ctx context.Context) error {
	res, err := c.client.Call(ctx, "listGroups", map[string]any{"detailed": true})
	if err != nil {
		return err
	}
	var wire []wireGroup
	if err := json.Unmarshal(res, &wire); err != nil {
		return err
	}

	next := make(map[string]Group, len(wire))
	for _, wg := range wire {
		if wg.ID == "" {
			continue
		}
		admins := make(map[string]bool, len(wg.Admins))
		for _, a := range wg.Admins {
			admins[memberID(a)] = true
		}
		members := make([]Member, 0, len(wg.Members))
		for _, m := range wg.Members {
			id := memberID(m)
			if id == "" {
				continue
			}
			members = append(members, Member{
				ID:    id,
				Name:  c.memberName(m),
				Admin: admins[id],
			})
		}
		next[wg.ID] = Group{
			ID:          wg.ID,
			Name:        wg.Name,
			Description: wg.Description,
			Members:     members,
		}
	}

	c.mu.Lock()
	c.groups = next
	c.mu.Unlock()
	c.logger.Debug("group metadata refreshed", zap.Int("groups", len(next)))
	return nil
}

// memberID prefers the phone number over the UUID.
func memberID(m wireMember) string {
	if m.Number != "" {
		return m.Number
	}
	return m.UUID
}

func (c *Cache) memberName(m wireMember) string {
	if m.Number != "" {
		return m.Number
	}
	if m.UUID != "" {
		if name := c.names.ContactName(m.UUID); name != "" {
			return name
		}
	}
	return "unknown"
}

// Get returns the cached metadata for one group.
func (c *Cache) Get(groupID string) (Group, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[groupID]
	return g, ok
}

// All returns the cached groups.
func (c *Cache) All() []Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	return out
}
