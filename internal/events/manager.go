// Package events provides the in-process topic registry used for
// intra-process change notification. Consumers subscribe at startup and
// unsubscribe at shutdown; delivery is bounded by channel depth and drops
// are logged rather than blocking the publisher.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	DecisionMade      EventType = "DECISION_MADE"
	BreakerTransition EventType = "BREAKER_TRANSITION"
	SweepCompleted    EventType = "SWEEP_COMPLETED"
	OverrideChanged   EventType = "OVERRIDE_CHANGED"
	RegimeUpdated     EventType = "REGIME_UPDATED"
	TailRiskUpdated   EventType = "TAIL_RISK_UPDATED"
	FillRecorded      EventType = "FILL_RECORDED"
	ErrorOccurred     EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Module    string      `json:"module"`
	Data      interface{} `json:"data"`
}

// Subscription is a handle to an event stream. Close it via Unsubscribe.
type Subscription struct {
	id int
	C  <-chan Event
	ch chan Event
}

// Manager is the topic registry. Emit never blocks: slow subscribers drop.
type Manager struct {
	log    zerolog.Logger
	mu     sync.RWMutex
	nextID int
	subs   map[EventType]map[int]chan Event
}

// NewManager creates a new event manager
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:  log.With().Str("service", "events").Logger(),
		subs: make(map[EventType]map[int]chan Event),
	}
}

// Subscribe registers for events of the given type with the given buffer
// depth. Depth <= 0 falls back to a depth of 16.
func (m *Manager) Subscribe(eventType EventType, depth int) *Subscription {
	if depth <= 0 {
		depth = 16
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	ch := make(chan Event, depth)
	if m.subs[eventType] == nil {
		m.subs[eventType] = make(map[int]chan Event)
	}
	m.subs[eventType][m.nextID] = ch

	return &Subscription{id: m.nextID, C: ch, ch: ch}
}

// Unsubscribe removes the subscription and closes its channel.
func (m *Manager) Unsubscribe(eventType EventType, sub *Subscription) {
	if sub == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.subs[eventType]; ok {
		if _, ok := set[sub.id]; ok {
			delete(set, sub.id)
			close(sub.ch)
		}
	}
}

// Emit delivers an event to all subscribers of its type.
func (m *Manager) Emit(eventType EventType, module string, data interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.subs[eventType] {
		select {
		case ch <- event:
		default:
			m.log.Warn().
				Str("event_type", string(eventType)).
				Str("module", module).
				Msg("Subscriber buffer full, event dropped")
		}
	}

	m.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		Msg("Event emitted")
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error) {
	m.Emit(ErrorOccurred, module, map[string]interface{}{"error": err.Error()})
}
