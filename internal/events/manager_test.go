package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesEmittedEvents(t *testing.T) {
	m := NewManager(zerolog.Nop())
	sub := m.Subscribe(DecisionMade, 4)
	defer m.Unsubscribe(DecisionMade, sub)

	m.Emit(DecisionMade, "arbiter", map[string]interface{}{"signal_id": "s1"})

	select {
	case ev := <-sub.C:
		assert.Equal(t, DecisionMade, ev.Type)
		assert.Equal(t, "arbiter", ev.Module)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
}

func TestEmitDoesNotBlockOnFullSubscriber(t *testing.T) {
	m := NewManager(zerolog.Nop())
	sub := m.Subscribe(SweepCompleted, 1)
	defer m.Unsubscribe(SweepCompleted, sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Second emit overflows the depth-1 buffer and must drop, not block.
		m.Emit(SweepCompleted, "treasury", nil)
		m.Emit(SweepCompleted, "treasury", nil)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
}

func TestEmitOnlyReachesMatchingType(t *testing.T) {
	m := NewManager(zerolog.Nop())
	sub := m.Subscribe(BreakerTransition, 4)
	defer m.Unsubscribe(BreakerTransition, sub)

	m.Emit(DecisionMade, "arbiter", nil)

	select {
	case <-sub.C:
		t.Fatal("received an event for a different type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager(zerolog.Nop())
	sub := m.Subscribe(OverrideChanged, 1)
	m.Unsubscribe(OverrideChanged, sub)

	_, open := <-sub.C
	require.False(t, open)

	// Double unsubscribe must be a no-op.
	m.Unsubscribe(OverrideChanged, sub)
}
