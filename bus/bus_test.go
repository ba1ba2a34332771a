package bus

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"realtime-gateway/domain"
)

func TestPublishWithoutListeners(t *testing.T) {
	logger, _ := test.NewNullLogger()
	b := New(logger)
	// must not panic
	b.Publish(domain.DomainEvent{Type: domain.Created, Kind: domain.Ticket, EntityID: "t1"})
}

func TestPublishStampsAndDelivers(t *testing.T) {
	logger, _ := test.NewNullLogger()
	b := New(logger)
	var got []domain.DomainEvent
	b.Subscribe(ListenerFunc(func(ev domain.DomainEvent) { got = append(got, ev) }))

	b.Publish(domain.DomainEvent{Type: domain.Created, Kind: domain.Ticket, EntityID: "t1"})
	b.Publish(domain.DomainEvent{Type: domain.Updated, Kind: domain.Ticket, EntityID: "t1"})

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Timestamp.IsZero() {
		t.Fatalf("timestamp not assigned")
	}
	if !got[1].Timestamp.After(got[0].Timestamp) {
		t.Fatalf("timestamps not increasing: %v %v", got[0].Timestamp, got[1].Timestamp)
	}
	if got[1].Sequence != got[0].Sequence+1 {
		t.Fatalf("unexpected sequences %d %d", got[0].Sequence, got[1].Sequence)
	}
}

func TestPanickingListenerIsolated(t *testing.T) {
	logger, hook := test.NewNullLogger()
	b := New(logger)
	calls := 0
	b.Subscribe(ListenerFunc(func(domain.DomainEvent) { panic("boom") }))
	b.Subscribe(ListenerFunc(func(domain.DomainEvent) { calls++ }))

	b.Publish(domain.DomainEvent{Type: domain.Deleted, Kind: domain.Sprint})

	if calls != 1 {
		t.Fatalf("expected second listener to run once, got %d", calls)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "event listener failed" {
		t.Fatalf("expected listener failure to be logged, got %+v", entry)
	}
}

func TestUnsubscribe(t *testing.T) {
	logger, _ := test.NewNullLogger()
	b := New(logger)
	calls := 0
	id := b.Subscribe(ListenerFunc(func(domain.DomainEvent) { calls++ }))
	b.Unsubscribe(id)
	b.Unsubscribe(id)
	if b.Len() != 0 {
		t.Fatalf("expected no listeners, got %d", b.Len())
	}
	b.Publish(domain.DomainEvent{Type: domain.Created, Kind: domain.Epic})
	if calls != 0 {
		t.Fatalf("unsubscribed listener was called")
	}
}

func TestKeepsExplicitTimestamp(t *testing.T) {
	logger, _ := test.NewNullLogger()
	b := New(logger)
	want := nextTimestamp()
	var got domain.DomainEvent
	b.Subscribe(ListenerFunc(func(ev domain.DomainEvent) { got = ev }))
	b.Publish(domain.DomainEvent{Type: domain.Created, Kind: domain.Epic, Timestamp: want})
	if !got.Timestamp.Equal(want) {
		t.Fatalf("expected %v got %v", want, got.Timestamp)
	}
}
