package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rfagundes/sigd/internal/bus"
)

// State represents the transport connection state.
type State string

const (
	// Stopped means no subprocess is running and none is scheduled.
	Stopped State = "STOPPED"
	// Starting means the subprocess was spawned and is being health-polled.
	Starting State = "STARTING"
	// Healthy means the capability probe succeeded and the channel is usable.
	Healthy State = "HEALTHY"
	// Unhealthy means the subprocess exited unexpectedly and a restart is pending.
	Unhealthy State = "UNHEALTHY"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Stopped:   {Starting},
	Starting:  {Healthy, Unhealthy, Stopped},
	Healthy:   {Unhealthy, Stopped},
	Unhealthy: {Starting, Stopped},
}

// Machine tracks and enforces transport state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Stopped state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Stopped,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. A self-transition is a no-op;
// any other invalid transition returns an error.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "transport.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
