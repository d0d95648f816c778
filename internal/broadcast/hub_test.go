package broadcast

import (
	"testing"
	"time"

	"rollcall/internal/attendance"
)

func agg(eventID string, total int) attendance.Aggregate {
	return attendance.Aggregate{EventID: eventID, Total: total}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("evt-1", 4)
	b := hub.Subscribe("evt-1", 4)
	other := hub.Subscribe("evt-2", 4)

	hub.Publish("evt-1", agg("evt-1", 7))

	for _, sub := range []*Subscriber{a, b} {
		select {
		case got := <-sub.C():
			if got.Total != 7 {
				t.Errorf("got total %d, want 7", got.Total)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive publish")
		}
	}

	select {
	case got := <-other.C():
		t.Fatalf("evt-2 subscriber received evt-1 payload: %+v", got)
	default:
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	hub := NewHub()
	// Must not panic or block.
	hub.Publish("evt-1", agg("evt-1", 1))
}

func TestSlowSubscriberIsSkippedNotBlocked(t *testing.T) {
	hub := NewHub()
	slow := hub.Subscribe("evt-1", 1)
	fast := hub.Subscribe("evt-1", 8)

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 5; i++ {
			hub.Publish("evt-1", agg("evt-1", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	// The slow subscriber holds at most its buffer; the fast one got all five.
	if n := len(slow.ch); n != 1 {
		t.Errorf("slow subscriber buffered %d, want 1", n)
	}
	if n := len(fast.ch); n != 5 {
		t.Errorf("fast subscriber buffered %d, want 5", n)
	}
}

func TestPerEventOrdering(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("evt-1", 16)

	for i := 1; i <= 10; i++ {
		hub.Publish("evt-1", agg("evt-1", i))
	}

	for i := 1; i <= 10; i++ {
		select {
		case got := <-sub.C():
			if got.Total != i {
				t.Fatalf("publish %d arrived as %d", i, got.Total)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing publish %d", i)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("evt-1", 4)
	hub.Unsubscribe("evt-1", sub)

	if _, open := <-sub.C(); open {
		t.Error("channel still open after unsubscribe")
	}
	if n := hub.Subscribers("evt-1"); n != 0 {
		t.Errorf("subscriber count = %d after unsubscribe", n)
	}

	// Publishing after unsubscribe must not panic on the closed channel.
	hub.Publish("evt-1", agg("evt-1", 3))

	// Repeated unsubscribe is a no-op.
	hub.Unsubscribe("evt-1", sub)
}
