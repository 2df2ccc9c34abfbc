package bus_test

import (
	"testing"
	"time"

	"github.com/basket/agentauth/internal/bus"
)

func TestBus_PrefixMatching(t *testing.T) {
	b := bus.New()
	drift := b.Subscribe("agent.drift")
	all := b.Subscribe("")
	persona := b.Subscribe("persona.")
	defer b.Unsubscribe(drift)
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(persona)

	b.Publish(bus.TopicDriftWarning, bus.DriftEvent{AgentID: "agt_1", DriftScore: 0.25})

	select {
	case ev := <-drift.Ch():
		if ev.Topic != bus.TopicDriftWarning {
			t.Fatalf("unexpected topic %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatalf("drift subscriber missed matching event")
	}
	select {
	case <-all.Ch():
	case <-time.After(time.Second):
		t.Fatalf("empty-prefix subscriber missed event")
	}
	select {
	case ev := <-persona.Ch():
		t.Fatalf("persona subscriber received unrelated event %q", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_NonBlockingPublishDropsWhenFull(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Fill well past the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(bus.TopicPersonaCreated, bus.PersonaEvent{AgentID: "agt_1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("persona.")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("expected 0 subscribers, got %d", got)
	}
	// Idempotent.
	b.Unsubscribe(sub)
}
